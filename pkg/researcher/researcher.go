// Package researcher implements the two concurrent URL-discovery
// behaviors of spec.md §4.8: a directive-driven consumer of the
// orchestrator's research queue, and an autonomous mode that proposes
// its own search queries when idle. Grounded structurally on the
// teacher's pkg/queue/worker.go poll loop (for the directive consumer,
// via pkg/worker.Skeleton) and on pkg/cleanup/service.go's ticker loop
// (for the autonomous cycle) — the same split pkg/orchestrator uses
// between its own reactive and scheduled halves.
package researcher

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/diagforge/refinery/pkg/audit"
	"github.com/diagforge/refinery/pkg/config"
	"github.com/diagforge/refinery/pkg/llm"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/search"
	"github.com/diagforge/refinery/pkg/store"
	"github.com/diagforge/refinery/pkg/worker"
)

const (
	headTimeout     = 10 * time.Second
	popTimeout      = 5 * time.Second
	tier0MaxResults = 5
	recentURLLimit  = 10
)

// allowedContentTypes are the Content-Type prefixes the validator
// accepts from a candidate URL's HEAD probe (spec.md §4.8).
var allowedContentTypes = []string{"text/html", "text/", "application/pdf"}

// defaultTier1Templates are fixed reference-site URL patterns tried
// for every code regardless of tier-0/tier-2 availability; "%s" is
// replaced with the DTC code. Kept as a Researcher field (defaulted to
// this list by New) rather than a bare package constant so tests can
// substitute local fixtures.
var defaultTier1Templates = []string{
	"https://www.obd-codes.com/%s",
	"https://www.troublecodes.net/%s",
	"https://en.wikipedia.org/wiki/%s",
}

// tier2Whitelist bounds the domains a Tier 2 LLM-suggested URL may
// come from (spec.md §4.8 "domain-whitelisted").
var tier2Whitelist = map[string]bool{
	"obd-codes.com":          true,
	"troublecodes.net":       true,
	"en.wikipedia.org":       true,
	"repairpal.com":          true,
	"yourmechanic.com":       true,
	"www.obd-codes.com":      true,
	"www.troublecodes.net":   true,
	"www.repairpal.com":      true,
	"www.yourmechanic.com":   true,
}

var dtcCodePattern = regexp.MustCompile(`^([PBCU])(\d{4})$`)

// Researcher discovers and submits candidate URLs for the crawl stage.
type Researcher struct {
	queue          *queuestore.Store
	research       *store.Research
	auditor        *audit.Auditor
	search         *search.Client
	llm            *llm.Client
	rates          config.RateLimitConfig
	http           *http.Client
	tier1Templates []string

	cancel context.CancelFunc
	done   chan struct{}
}

// New builds a Researcher.
func New(queue *queuestore.Store, research *store.Research, auditor *audit.Auditor, searchClient *search.Client, llmClient *llm.Client, rates config.RateLimitConfig) *Researcher {
	return &Researcher{
		queue:          queue,
		research:       research,
		auditor:        auditor,
		search:         searchClient,
		llm:            llmClient,
		rates:          rates,
		http:           &http.Client{Timeout: headTimeout},
		tier1Templates: defaultTier1Templates,
	}
}

// Skeleton wraps the directive-driven consumer in the generic poll
// loop; this is the priority behavior (spec.md §4.8 "Directive-driven
// (priority)").
func (rs *Researcher) Skeleton() *worker.Skeleton {
	return &worker.Skeleton{Name: "researcher", Poll: rs.poll}
}

func (rs *Researcher) poll(ctx context.Context) error {
	payload, err := rs.queue.BlockingPop(ctx, queuestore.QueueOrchestratorResearch, popTimeout)
	if err != nil {
		return fmt.Errorf("researcher: failed to pop directive: %w", err)
	}
	if payload == "" {
		return worker.ErrNoWork
	}

	msg, err := parseDirective(payload)
	if err != nil {
		slog.Error("researcher: failed to parse directive", "error", err)
		return nil
	}
	if err := rs.ProcessDirective(ctx, msg); err != nil {
		slog.Error("researcher: directive processing failed", "directive", msg.Directive, "error", err)
	}
	return nil
}

// directive is the shape of a research-queue payload. Ranges and
// individual codes may arrive either at the top level (the
// orchestrator's expand_coverage action) or nested under details (its
// improve_confidence/fill_gaps actions, which carry the auditor's
// recommendation Details verbatim).
type directive struct {
	Type         string      `json:"type"`
	Directive    string      `json:"directive,omitempty"`
	Code         string      `json:"code,omitempty"`
	TargetRanges []string    `json:"target_ranges,omitempty"`
	Details      models.JSON `json:"details,omitempty"`
}

func parseDirective(payload string) (directive, error) {
	var d directive
	if err := json.Unmarshal([]byte(payload), &d); err != nil {
		return directive{}, fmt.Errorf("invalid directive payload: %w", err)
	}
	return d, nil
}

func (d directive) ranges() []string {
	if len(d.TargetRanges) > 0 {
		return d.TargetRanges
	}
	return toStringSlice(d.Details["target_ranges"])
}

func (d directive) codes() []string {
	var codes []string
	if d.Code != "" {
		codes = append(codes, d.Code)
	}
	codes = append(codes, toStringSlice(d.Details["worst_codes"])...)
	return codes
}

func toStringSlice(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, e := range t {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

// codeTarget is one DTC code queued for URL discovery, with the tier
// restriction that applies to it.
type codeTarget struct {
	code      string
	tier1Only bool
}

// ParseCodeRange expands a range string like "P0100-P0199" into every
// code in between, inclusive. Both ends must share the same letter
// prefix and have four-digit bodies; invalid or reversed ranges return
// an error, treated by the caller as a deterministic validation
// failure rather than a fatal one (spec.md §7 "invalid range string").
func ParseCodeRange(r string) ([]string, error) {
	parts := strings.SplitN(r, "-", 2)
	if len(parts) != 2 {
		return nil, fmt.Errorf("range %q is not in PREFIX####-PREFIX#### form", r)
	}

	lo := dtcCodePattern.FindStringSubmatch(strings.TrimSpace(parts[0]))
	hi := dtcCodePattern.FindStringSubmatch(strings.TrimSpace(parts[1]))
	if lo == nil || hi == nil {
		return nil, fmt.Errorf("range %q has a malformed endpoint", r)
	}
	if lo[1] != hi[1] {
		return nil, fmt.Errorf("range %q spans two different code prefixes", r)
	}

	loNum, _ := strconv.Atoi(lo[2])
	hiNum, _ := strconv.Atoi(hi[2])
	if hiNum < loNum {
		return nil, fmt.Errorf("range %q is reversed", r)
	}

	codes := make([]string, 0, hiNum-loNum+1)
	for n := loNum; n <= hiNum; n++ {
		codes = append(codes, fmt.Sprintf("%s%04d", lo[1], n))
	}
	return codes, nil
}

// ProcessDirective expands a directive into per-code targets and runs
// each through tiered URL discovery, stopping early once the global
// hourly rate limit is exhausted (spec.md scenario S4).
func (rs *Researcher) ProcessDirective(ctx context.Context, d directive) error {
	var targets []codeTarget

	for _, r := range d.ranges() {
		codes, err := ParseCodeRange(r)
		if err != nil {
			slog.Error("researcher: skipping invalid range directive", "range", r, "error", err)
			continue
		}
		for _, c := range codes {
			targets = append(targets, codeTarget{code: c, tier1Only: true})
		}
	}
	for _, c := range d.codes() {
		targets = append(targets, codeTarget{code: c, tier1Only: false})
	}

	var pending []string
	for _, t := range targets {
		pending = append(pending, rs.candidateURLs(ctx, t)...)
	}

	submitted := 0
	for i, u := range pending {
		ok, limited, err := rs.validateAndSubmit(ctx, u)
		if err != nil {
			slog.Error("researcher: candidate submission failed", "url", u, "error", err)
			continue
		}
		if limited {
			slog.Info("researcher: rate limit reached, deferring remainder",
				"submitted", submitted, "deferred", len(pending)-i)
			return nil
		}
		if ok {
			submitted++
		}
	}
	slog.Info("researcher: directive processed", "directive", d.Directive, "targets", len(targets), "submitted", submitted)
	return nil
}

// candidateURLs runs the tiered strategies for one code target:
// search engine (Tier 0), fixed templates (Tier 1), LLM suggestion
// (Tier 2) — unless the target came from a range directive, which is
// restricted to Tier 1 only (spec.md §4.8).
func (rs *Researcher) candidateURLs(ctx context.Context, t codeTarget) []string {
	var urls []string
	urls = append(urls, rs.tier1URLs(t.code)...)

	if t.tier1Only {
		return urls
	}

	urls = append(urls, rs.tier0URLs(ctx, t.code)...)
	urls = append(urls, rs.tier2URLs(ctx, t.code)...)
	return urls
}

func (rs *Researcher) tier1URLs(code string) []string {
	urls := make([]string, len(rs.tier1Templates))
	for i, tmpl := range rs.tier1Templates {
		urls[i] = fmt.Sprintf(tmpl, code)
	}
	return urls
}

func (rs *Researcher) tier0URLs(ctx context.Context, code string) []string {
	if rs.search == nil {
		return nil
	}
	query := fmt.Sprintf("%s diagnostic trouble code", code)
	results, err := rs.search.Search(ctx, query, tier0MaxResults)
	if err != nil {
		slog.Error("researcher: tier-0 search failed", "code", code, "error", err)
		return nil
	}
	urls := make([]string, 0, len(results))
	for _, r := range results {
		urls = append(urls, r.URL)
	}
	return urls
}

// tier2Suggestion is the LLM's JSON-mode response shape for a Tier 2
// URL suggestion request.
type tier2Suggestion struct {
	URLs []string `json:"urls"`
}

func (rs *Researcher) tier2URLs(ctx context.Context, code string) []string {
	if rs.llm == nil {
		return nil
	}
	prompt := fmt.Sprintf(
		"List up to 3 URLs on well-known automotive repair reference sites that likely document diagnostic trouble code %s. "+
			"Respond as JSON: {\"urls\": [\"https://...\", ...]}.", code)

	var suggestion tier2Suggestion
	if err := rs.llm.GenerateJSON(ctx, prompt, llm.GenerateOptions{Temperature: 0.2, MaxTokens: 300}, &suggestion); err != nil {
		slog.Error("researcher: tier-2 suggestion failed", "code", code, "error", err)
		return nil
	}

	var urls []string
	for _, u := range suggestion.URLs {
		if domain, ok := hostOf(u); ok && tier2Whitelist[domain] {
			urls = append(urls, u)
		}
	}
	return urls
}

func hostOf(rawURL string) (string, bool) {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return "", false
	}
	return strings.ToLower(parsed.Hostname()), true
}

// validateAndSubmit runs the validator chain for one candidate URL,
// then submits it if it passes. The second return value reports
// whether a rate limit was hit (signaling the caller to stop
// submitting further candidates this cycle), distinct from a plain
// validation failure.
func (rs *Researcher) validateAndSubmit(ctx context.Context, rawURL string) (submitted, limited bool, err error) {
	domain, ok := hostOf(rawURL)
	if !ok {
		return false, false, nil
	}

	blocked, err := rs.research.IsDomainBlocked(ctx, domain)
	if err != nil {
		return false, false, fmt.Errorf("failed to check domain block status: %w", err)
	}
	if blocked {
		return false, false, nil
	}

	globalCount, err := rs.queue.GlobalURLCount(ctx)
	if err != nil {
		return false, false, fmt.Errorf("failed to read global rate counter: %w", err)
	}
	if rs.rates.MaxURLsPerHour > 0 && globalCount >= int64(rs.rates.MaxURLsPerHour) {
		return false, true, nil
	}

	domainCount, err := rs.queue.DomainURLCount(ctx, domain)
	if err != nil {
		return false, false, fmt.Errorf("failed to read domain rate counter: %w", err)
	}
	if rs.rates.MaxPerDomainPerHour > 0 && domainCount >= int64(rs.rates.MaxPerDomainPerHour) {
		return false, false, nil
	}

	inCooldown, err := rs.queue.InCooldown(ctx)
	if err != nil {
		return false, false, fmt.Errorf("failed to check submission cooldown: %w", err)
	}
	if inCooldown {
		return false, false, nil
	}

	if !rs.probeValid(ctx, rawURL) {
		return false, false, nil
	}

	return rs.submit(ctx, rawURL, domain)
}

// probeValid issues a bounded HEAD request and checks the response
// against the validator's acceptance rule (spec.md §4.8: 2xx/3xx and
// Content-Type in {text/html, text/*, application/pdf}).
func (rs *Researcher) probeValid(ctx context.Context, rawURL string) bool {
	probeCtx, cancel := context.WithTimeout(ctx, headTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodHead, rawURL, nil)
	if err != nil {
		return false
	}
	req.Header.Set("User-Agent", "diagforge-refinery-researcher/1.0")

	resp, err := rs.http.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 400 {
		return false
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		return true
	}
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(contentType, allowed) {
			return true
		}
	}
	return false
}

// submit creates the crawl-queue row, pushes it to the crawl stage,
// registers the domain, and bumps the rate counters (spec.md §4.8
// "Valid URLs are submitted").
func (rs *Researcher) submit(ctx context.Context, rawURL, domain string) (bool, bool, error) {
	id, inserted, err := rs.research.CreateCrawlRow(ctx, rawURL, 1)
	if err != nil {
		return false, false, fmt.Errorf("failed to create crawl row: %w", err)
	}
	if !inserted {
		return false, false, nil // already queued, validator rule satisfied by ON CONFLICT DO NOTHING
	}

	if err := rs.queue.Push(ctx, queuestore.QueueCrawl, id); err != nil {
		return false, false, fmt.Errorf("failed to push crawl row %s: %w", id, err)
	}
	if err := rs.research.RegisterDomain(ctx, domain); err != nil {
		slog.Error("researcher: failed to register domain", "domain", domain, "error", err)
	}
	if _, err := rs.queue.IncrementGlobalURLCount(ctx); err != nil {
		slog.Error("researcher: failed to increment global rate counter", "error", err)
	}
	if _, err := rs.queue.IncrementDomainURLCount(ctx, domain); err != nil {
		slog.Error("researcher: failed to increment domain rate counter", "domain", domain, "error", err)
	}
	if err := rs.queue.SetLastSubmission(ctx, time.Duration(rs.rates.CooldownSeconds)*time.Second); err != nil {
		slog.Error("researcher: failed to set submission cooldown", "error", err)
	}
	return true, false, nil
}

// StartAutonomous launches the idle-time discovery cycle in the
// background (spec.md §4.8 "Autonomous mode"). Grounded on the
// pkg/cleanup/service.go ticker-loop shape, same as pkg/orchestrator.
func (rs *Researcher) StartAutonomous(ctx context.Context, interval time.Duration) {
	if rs.cancel != nil {
		return
	}
	ctx, rs.cancel = context.WithCancel(ctx)
	rs.done = make(chan struct{})
	go rs.runAutonomous(ctx, interval)
}

// StopAutonomous signals the autonomous loop to exit and waits for it.
func (rs *Researcher) StopAutonomous() {
	if rs.cancel == nil {
		return
	}
	rs.cancel()
	<-rs.done
}

func (rs *Researcher) runAutonomous(ctx context.Context, interval time.Duration) {
	defer close(rs.done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			rs.autonomousCycle(ctx)
		}
	}
}

// snapshot is the database state handed to the reasoning model to
// seed its search-query suggestions (spec.md §4.8 "totals, per-prefix
// coverage, 10 weakest, 10 incomplete, recent URLs").
type snapshot struct {
	AverageConfidence float64                 `json:"average_confidence"`
	ConfidenceBuckets map[string]int          `json:"confidence_histogram"`
	Weakest           []audit.DTCCompleteness `json:"weakest_dtcs"`
	RecentURLs        []string                `json:"recent_urls"`
}

// querySuggestion is the reasoning model's proposed search query.
type querySuggestion struct {
	Query  string `json:"query"`
	Reason string `json:"reason"`
}

type querySuggestions struct {
	Queries []querySuggestion `json:"queries"`
}

// autonomousCycle takes a snapshot, asks the reasoning model for 3-8
// search queries, executes each, and validates/submits up to
// AUTONOMOUS_URLS_PER_CYCLE URLs. It defers to directive-driven work:
// a non-empty research queue means a cycle is skipped entirely.
func (rs *Researcher) autonomousCycle(ctx context.Context) {
	depth, err := rs.queue.Depth(ctx, queuestore.QueueOrchestratorResearch)
	if err != nil {
		slog.Error("researcher: failed to check research queue depth", "error", err)
		return
	}
	if depth > 0 {
		return
	}

	snap, err := rs.buildSnapshot(ctx)
	if err != nil {
		slog.Error("researcher: failed to build autonomous snapshot", "error", err)
		return
	}

	suggestions, err := rs.suggestQueries(ctx, snap)
	if err != nil {
		slog.Error("researcher: failed to get query suggestions", "error", err)
		return
	}

	limit := rs.rates.AutonomousURLsPerCycle
	submitted := 0
	for _, q := range suggestions.Queries {
		if limit > 0 && submitted >= limit {
			break
		}
		results, err := rs.search.Search(ctx, q.Query, tier0MaxResults)
		if err != nil {
			slog.Error("researcher: autonomous search failed", "query", q.Query, "error", err)
			continue
		}
		for _, r := range results {
			if limit > 0 && submitted >= limit {
				break
			}
			ok, limited, err := rs.validateAndSubmit(ctx, r.URL)
			if err != nil {
				slog.Error("researcher: autonomous candidate submission failed", "url", r.URL, "error", err)
				continue
			}
			if limited {
				slog.Info("researcher: autonomous cycle hit rate limit", "submitted", submitted)
				return
			}
			if ok {
				submitted++
			}
		}
	}
	slog.Info("researcher: autonomous cycle complete", "queries", len(suggestions.Queries), "submitted", submitted)
}

func (rs *Researcher) buildSnapshot(ctx context.Context) (snapshot, error) {
	quality, err := rs.auditor.Quality(ctx)
	if err != nil {
		return snapshot{}, fmt.Errorf("failed to run quality analysis: %w", err)
	}
	recent, err := rs.research.RecentCrawlURLs(ctx, recentURLLimit)
	if err != nil {
		return snapshot{}, fmt.Errorf("failed to load recent urls: %w", err)
	}
	return snapshot{
		AverageConfidence: quality.AverageConfidence,
		ConfidenceBuckets: quality.ConfidenceHistogram,
		Weakest:           quality.LowestCompleteness,
		RecentURLs:        recent,
	}, nil
}

func (rs *Researcher) suggestQueries(ctx context.Context, snap snapshot) (querySuggestions, error) {
	body, err := json.Marshal(snap)
	if err != nil {
		return querySuggestions{}, fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	prompt := fmt.Sprintf(
		"Given this automotive diagnostic knowledge base snapshot, propose 3 to 8 web search queries "+
			"that would help fill coverage or confidence gaps. Snapshot: %s\n"+
			"Respond as JSON: {\"queries\": [{\"query\": \"...\", \"reason\": \"...\"}, ...]}.", string(body))

	var suggestions querySuggestions
	if err := rs.llm.GenerateJSON(ctx, prompt, llm.GenerateOptions{Temperature: 0.3, MaxTokens: 500}, &suggestions); err != nil {
		return querySuggestions{}, fmt.Errorf("failed to generate query suggestions: %w", err)
	}
	return suggestions, nil
}
