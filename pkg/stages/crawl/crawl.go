// Package crawl implements the pipeline's first stage: fetch a queued
// URL, extract its visible text, and hand the result to the chunk
// stage. Unlike the other five stages, a crawl job is not a document
// id — the document doesn't exist until the fetch succeeds — so this
// worker pops crawl-queue row ids off its own queue and pushes the
// newly created document's id onto the chunk queue by hand, rather
// than through pkg/document.Transitioner's stageQueue map.
//
// Grounded structurally on the teacher's pkg/queue/worker.go poll loop
// and on pkg/search's golang.org/x/net/html DOM-walk idiom for the
// HTML extraction half of this worker.
package crawl

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/net/html"

	"github.com/diagforge/refinery/pkg/document"
	"github.com/diagforge/refinery/pkg/models"
	"github.com/diagforge/refinery/pkg/objectstore"
	"github.com/diagforge/refinery/pkg/queuestore"
	"github.com/diagforge/refinery/pkg/store"
	"github.com/diagforge/refinery/pkg/worker"
)

const (
	userAgent         = "diagforge-refinery-crawler/1.0 (+automotive DTC knowledge base)"
	fetchTimeout      = 20 * time.Second
	popTimeout        = 5 * time.Second
	maxBodyBytes      = 20 << 20 // 20MiB, generous for a service manual PDF
	minExtractedChars = 50
)

// tagsToStrip are skipped along with all of their descendants when
// walking an HTML document for visible text.
var tagsToStrip = map[string]bool{
	"script": true,
	"style":  true,
	"nav":    true,
	"footer": true,
	"header": true,
}

// Worker fetches and extracts crawl-queue entries.
type Worker struct {
	queue        *queuestore.Store
	research     *store.Research
	objects      *objectstore.Store
	transitioner *document.Transitioner
	httpClient   *http.Client
}

// New builds a crawl Worker.
func New(queue *queuestore.Store, research *store.Research, objects *objectstore.Store, transitioner *document.Transitioner) *Worker {
	return &Worker{
		queue:        queue,
		research:     research,
		objects:      objects,
		transitioner: transitioner,
		httpClient:   &http.Client{Timeout: fetchTimeout},
	}
}

// Skeleton wraps the worker in the generic poll-loop.
func (w *Worker) Skeleton() *worker.Skeleton {
	return &worker.Skeleton{Name: "crawl", Poll: w.poll}
}

func (w *Worker) poll(ctx context.Context) error {
	rowID, err := w.queue.BlockingPop(ctx, queuestore.QueueCrawl, popTimeout)
	if err != nil {
		return fmt.Errorf("crawl: failed to pop job: %w", err)
	}
	if rowID == "" {
		return worker.ErrNoWork
	}

	if err := w.process(ctx, rowID); err != nil {
		slog.Error("crawl job failed", "crawl_row_id", rowID, "error", err)
	}
	return nil
}

// process fetches and extracts the URL named by a crawl-queue row,
// storing the result or marking the row failed. Errors returned here
// are logged by the caller, not retried automatically — an operator
// can requeue by resubmitting the URL.
func (w *Worker) process(ctx context.Context, rowID string) error {
	start := time.Now()

	row, err := w.research.GetCrawlRow(ctx, rowID)
	if err != nil {
		return fmt.Errorf("failed to load crawl row: %w", err)
	}

	if err := w.research.MarkCrawlRow(ctx, rowID, string(models.CrawlCrawling), ""); err != nil {
		return fmt.Errorf("failed to mark crawl row crawling: %w", err)
	}

	text, title, mimeType, err := w.fetchAndExtract(ctx, row.URL)
	if err != nil {
		return w.fail(ctx, rowID, fmt.Sprintf("fetch failed: %v", err))
	}
	if len(text) < minExtractedChars {
		return w.fail(ctx, rowID, fmt.Sprintf("extracted only %d characters, below the %d minimum", len(text), minExtractedChars))
	}

	hash := sha256.Sum256([]byte(text))
	hashHex := hex.EncodeToString(hash[:])

	existingID, err := w.research.FindDocumentByHash(ctx, hashHex)
	if err != nil {
		return w.fail(ctx, rowID, fmt.Sprintf("dedup lookup failed: %v", err))
	}
	if existingID != "" {
		return w.research.MarkCrawlRow(ctx, rowID, string(models.CrawlCompleted), fmt.Sprintf("duplicate of document %s", existingID))
	}

	docID, err := w.store(ctx, row.URL, title, mimeType, hashHex, text)
	if err != nil {
		return w.fail(ctx, rowID, fmt.Sprintf("store failed: %v", err))
	}

	// The document was just created at StagePending; this records the
	// crawl's own completion in processing_log. stageQueue has no entry
	// for StageCrawling (crawl's input queue carries crawl-row ids, not
	// document ids), so the chunk-queue push below is done by hand.
	if _, err := w.transitioner.Advance(ctx, docID, models.StageCrawling, models.LogStatusCompleted, "crawled and extracted text", time.Since(start)); err != nil {
		slog.Error("crawl: failed to record stage transition", "document_id", docID, "error", err)
	}

	if err := w.queue.Push(ctx, queuestore.QueueChunk, docID); err != nil {
		// The document row and its raw text are already durable, but a
		// lost push here is not re-pushed by
		// pkg/document.Transitioner.DwellSweep: the document sits at
		// StageCrawling, which has no stageQueue entry.
		slog.Error("crawl: document stored but chunk queue push failed", "document_id", docID, "error", err)
	}

	return w.research.MarkCrawlRow(ctx, rowID, string(models.CrawlCompleted), "")
}

func (w *Worker) fail(ctx context.Context, rowID, message string) error {
	if err := w.research.MarkCrawlRow(ctx, rowID, string(models.CrawlFailed), message); err != nil {
		return fmt.Errorf("%s (and failed to mark crawl row: %w)", message, err)
	}
	return errors.New(message)
}

// store writes the extracted text to object storage and creates the
// document row, in that order, so a row never references a blob that
// doesn't exist yet.
func (w *Worker) store(ctx context.Context, sourceURL, title, mimeType, hash, text string) (string, error) {
	docID := uuid.NewString()
	key := objectstore.RawObjectKey(docID)

	if err := w.objects.Put(ctx, key, []byte(text), "text/plain; charset=utf-8"); err != nil {
		return "", fmt.Errorf("failed to write raw text: %w", err)
	}
	if title == "" {
		title = sourceURL
	}
	if err := w.research.CreateDocument(ctx, docID, title, sourceURL, mimeType, hash, key); err != nil {
		return "", fmt.Errorf("failed to create document row: %w", err)
	}
	return docID, nil
}

// fetchAndExtract GETs url, follows redirects via the client's default
// policy, and extracts text + title according to the response's
// Content-Type.
func (w *Worker) fetchAndExtract(ctx context.Context, url string) (text, title, mimeType string, err error) {
	fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", "", fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", "", "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", "", "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return "", "", "", fmt.Errorf("failed to read response body: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	switch {
	case strings.Contains(contentType, "pdf"):
		text, err = extractPDFText(body)
		return text, "", "application/pdf", err
	case strings.Contains(contentType, "html"), contentType == "":
		text, title, err = extractHTML(body)
		return text, title, "text/html", err
	default:
		return "", "", "", fmt.Errorf("unsupported content type %q", contentType)
	}
}

// extractHTML parses an HTML document and returns its visible text
// (script/style/nav/footer/header subtrees excluded) plus its title.
func extractHTML(body []byte) (text, title string, err error) {
	doc, err := html.Parse(strings.NewReader(string(body)))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && tagsToStrip[n.Data] {
			return
		}
		if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
			title = strings.TrimSpace(n.FirstChild.Data)
		}
		if n.Type == html.TextNode {
			if trimmed := strings.TrimSpace(n.Data); trimmed != "" {
				sb.WriteString(trimmed)
				sb.WriteString(" ")
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return strings.TrimSpace(sb.String()), title, nil
}
