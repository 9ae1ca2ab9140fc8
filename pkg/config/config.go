package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
)

// Config is the umbrella configuration object every component's
// main.go loads once at startup and threads through to its workers
// (spec.md §9 "module-level singletons ... passed as context to each
// worker rather than looked up at call time").
type Config struct {
	Database  DatabaseConfig
	Queue     QueueStoreConfig
	Object    ObjectStoreConfig
	LLM       LLMConfig
	Search    SearchConfig
	Stage     StageConfig
	Intervals IntervalConfig
	Thresholds ThresholdConfig
	RateLimits RateLimitConfig
	Safety    SafetyConfig
	Verifier  VerifierConfig
	Monitor   MonitorConfig
}

// DatabaseConfig holds the Postgres connection string and pool sizing.
type DatabaseConfig struct {
	DSN             string `validate:"required"`
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// QueueStoreConfig holds the Redis-compatible work-queue connection.
type QueueStoreConfig struct {
	URL        string `validate:"required"`
	KeyPrefix  string
	PopTimeout time.Duration
}

// ObjectStoreConfig holds the S3-compatible object-store connection.
type ObjectStoreConfig struct {
	Endpoint  string
	Region    string `validate:"required"`
	Bucket    string `validate:"required"`
	AccessKey string
	SecretKey string
	UsePathStyle bool
}

// LLMConfig holds the embedding/reasoning model endpoints and names.
type LLMConfig struct {
	BaseURL          string `validate:"required"`
	EmbeddingModel   string `validate:"required"`
	ReasoningModel   string `validate:"required"`
	EmbedTimeout     time.Duration
	GenerateTimeout  time.Duration
}

// SearchConfig holds the external search-engine endpoint.
type SearchConfig struct {
	BaseURL string `validate:"required"`
	Timeout time.Duration
}

// StageConfig holds per-stage worker/queue naming, shared by every
// stage worker binary (spec.md §6 "worker queue name and next-queue
// name per stage").
type StageConfig struct {
	QueueName     string `validate:"required"`
	NextQueueName string
	PollTimeout   time.Duration
}

// IntervalConfig holds the cycle periods of every control-plane loop.
type IntervalConfig struct {
	OrchestratorCycle  time.Duration
	MonitorInterval    time.Duration
	AuditInterval      time.Duration
	VerifyInterval     time.Duration
	AutonomousInterval time.Duration
}

// ThresholdConfig holds the monitor/orchestrator decision thresholds.
type ThresholdConfig struct {
	QueueStallThreshold           time.Duration
	ErrorRateThreshold            float64
	ProcessingTimeMultiplier      float64
	UnhealthyContainerGracePeriod time.Duration
	MaxGPUQueueItems              int
	DwellBeforeSweep              time.Duration
	MetricsRetention              time.Duration
}

// RateLimitConfig holds the researcher's and healer's TTL rate limits.
type RateLimitConfig struct {
	MaxURLsPerHour       int
	MaxPerDomainPerHour  int
	CooldownSeconds      int
	MaxActionsPerHour    int
	CooldownBetweenActions time.Duration
	AutonomousURLsPerCycle int
}

// SafetyConfig holds the healer's automated-remediation gates.
type SafetyConfig struct {
	AutoFixEnabled bool
	AutoFixAllow   []string
	AutoFixDeny    []string
}

// VerifierConfig holds the external fact-check endpoint and API keys.
type VerifierConfig struct {
	BaseURL string
	APIKeys []string
}

// MonitorConfig holds the monitor's container health-probe targets and
// the healer's restart-command template (spec.md §4.9, Open Question
// (c) — the container runtime is pluggable behind a shelled-out
// command rather than a specific orchestrator API).
type MonitorConfig struct {
	ComponentHealthURLs map[string]string
	HealthProbeTimeout  time.Duration
	RestartCmdTemplate  string
}

var validate = validator.New()

// Load reads all configuration from the environment. The first
// validation failure is returned wrapped in ErrValidationFailed;
// callers should treat any non-nil error as fatal (startup fails fast
// rather than running partially configured).
func Load() (*Config, error) {
	cfg := &Config{}

	dbDSN := getEnv("DATABASE_URL", "")
	maxOpen, err := getEnvInt("DB_MAX_OPEN_CONNS", 25)
	if err != nil {
		return nil, err
	}
	maxIdle, err := getEnvInt("DB_MAX_IDLE_CONNS", 10)
	if err != nil {
		return nil, err
	}
	connLifetime, err := getEnvDuration("DB_CONN_MAX_LIFETIME", time.Hour)
	if err != nil {
		return nil, err
	}
	connIdle, err := getEnvDuration("DB_CONN_MAX_IDLE_TIME", 15*time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.Database = DatabaseConfig{
		DSN: dbDSN, MaxOpenConns: maxOpen, MaxIdleConns: maxIdle,
		ConnMaxLifetime: connLifetime, ConnMaxIdleTime: connIdle,
	}

	popTimeout, err := getEnvDuration("QUEUE_POLL_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.Queue = QueueStoreConfig{
		URL:        getEnv("QUEUE_STORE_URL", "redis://localhost:6379/0"),
		KeyPrefix:  getEnv("QUEUE_KEY_PREFIX", "jobs:"),
		PopTimeout: popTimeout,
	}

	usePathStyle, err := getEnvBool("OBJECT_STORE_PATH_STYLE", true)
	if err != nil {
		return nil, err
	}
	cfg.Object = ObjectStoreConfig{
		Endpoint:     getEnv("OBJECT_STORE_ENDPOINT", ""),
		Region:       getEnv("OBJECT_STORE_REGION", "us-east-1"),
		Bucket:       getEnv("OBJECT_STORE_BUCKET", "refinery-documents"),
		AccessKey:    getEnv("OBJECT_STORE_ACCESS_KEY", ""),
		SecretKey:    getEnv("OBJECT_STORE_SECRET_KEY", ""),
		UsePathStyle: usePathStyle,
	}

	embedTimeout, err := getEnvDuration("LLM_EMBED_TIMEOUT", 120*time.Second)
	if err != nil {
		return nil, err
	}
	generateTimeout, err := getEnvDuration("LLM_GENERATE_TIMEOUT", 300*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.LLM = LLMConfig{
		BaseURL:         getEnv("LLM_BASE_URL", "http://localhost:8081"),
		EmbeddingModel:  getEnv("EMBEDDING_MODEL", "text-embedding-3-small"),
		ReasoningModel:  getEnv("REASONING_MODEL", "gpt-4o-mini"),
		EmbedTimeout:    embedTimeout,
		GenerateTimeout: generateTimeout,
	}

	searchTimeout, err := getEnvDuration("SEARCH_TIMEOUT", 12*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.Search = SearchConfig{
		BaseURL: getEnv("SEARCH_BASE_URL", "http://localhost:8082/search"),
		Timeout: searchTimeout,
	}

	stagePoll, err := getEnvDuration("STAGE_POLL_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.Stage = StageConfig{
		QueueName:     getEnv("STAGE_QUEUE_NAME", ""),
		NextQueueName: getEnv("STAGE_NEXT_QUEUE_NAME", ""),
		PollTimeout:   stagePoll,
	}

	orchCycle, err := getEnvDuration("ORCHESTRATOR_CYCLE", 30*time.Second)
	if err != nil {
		return nil, err
	}
	monInterval, err := getEnvDuration("MONITOR_INTERVAL", 45*time.Second)
	if err != nil {
		return nil, err
	}
	auditInterval, err := getEnvDuration("AUDIT_INTERVAL", 10*time.Minute)
	if err != nil {
		return nil, err
	}
	verifyInterval, err := getEnvDuration("VERIFY_INTERVAL", time.Minute)
	if err != nil {
		return nil, err
	}
	autoInterval, err := getEnvDuration("AUTONOMOUS_INTERVAL", 20*time.Minute)
	if err != nil {
		return nil, err
	}
	cfg.Intervals = IntervalConfig{
		OrchestratorCycle:  orchCycle,
		MonitorInterval:    monInterval,
		AuditInterval:      auditInterval,
		VerifyInterval:     verifyInterval,
		AutonomousInterval: autoInterval,
	}

	queueStall, err := getEnvDuration("QUEUE_STALL_THRESHOLD", 2*time.Minute)
	if err != nil {
		return nil, err
	}
	errRate, err := getEnvFloat("ERROR_RATE_THRESHOLD", 0.15)
	if err != nil {
		return nil, err
	}
	procMult, err := getEnvFloat("PROCESSING_TIME_MULTIPLIER", 3.0)
	if err != nil {
		return nil, err
	}
	unhealthyGrace, err := getEnvDuration("UNHEALTHY_CONTAINER_GRACE_PERIOD", time.Minute)
	if err != nil {
		return nil, err
	}
	maxGPU, err := getEnvInt("MAX_GPU_QUEUE_ITEMS", 20)
	if err != nil {
		return nil, err
	}
	dwell, err := getEnvDuration("STAGE_DWELL_BEFORE_SWEEP", 5*time.Minute)
	if err != nil {
		return nil, err
	}
	metricsRetention, err := getEnvDuration("METRICS_RETENTION", 7*24*time.Hour)
	if err != nil {
		return nil, err
	}
	cfg.Thresholds = ThresholdConfig{
		QueueStallThreshold:           queueStall,
		ErrorRateThreshold:            errRate,
		ProcessingTimeMultiplier:      procMult,
		UnhealthyContainerGracePeriod: unhealthyGrace,
		MaxGPUQueueItems:              maxGPU,
		DwellBeforeSweep:              dwell,
		MetricsRetention:              metricsRetention,
	}

	maxURLsPerHour, err := getEnvInt("MAX_URLS_PER_HOUR", 50)
	if err != nil {
		return nil, err
	}
	maxPerDomain, err := getEnvInt("MAX_PER_DOMAIN_PER_HOUR", 10)
	if err != nil {
		return nil, err
	}
	cooldownSec, err := getEnvInt("COOLDOWN_SECONDS", 5)
	if err != nil {
		return nil, err
	}
	maxActions, err := getEnvInt("MAX_ACTIONS_PER_HOUR", 10)
	if err != nil {
		return nil, err
	}
	cooldownBetween, err := getEnvDuration("COOLDOWN_BETWEEN_ACTIONS", 30*time.Second)
	if err != nil {
		return nil, err
	}
	autoURLs, err := getEnvInt("AUTONOMOUS_URLS_PER_CYCLE", 5)
	if err != nil {
		return nil, err
	}
	cfg.RateLimits = RateLimitConfig{
		MaxURLsPerHour:         maxURLsPerHour,
		MaxPerDomainPerHour:    maxPerDomain,
		CooldownSeconds:        cooldownSec,
		MaxActionsPerHour:      maxActions,
		CooldownBetweenActions: cooldownBetween,
		AutonomousURLsPerCycle: autoURLs,
	}

	autoFixEnabled, err := getEnvBool("AUTO_FIX_ENABLED", false)
	if err != nil {
		return nil, err
	}
	cfg.Safety = SafetyConfig{
		AutoFixEnabled: autoFixEnabled,
		AutoFixAllow:   getEnvList("AUTO_FIX_ALLOW", nil),
		AutoFixDeny:    getEnvList("AUTO_FIX_DENY", nil),
	}

	cfg.Verifier = VerifierConfig{
		BaseURL: getEnv("VERIFIER_BASE_URL", "https://api.openai.com/v1"),
		APIKeys: loadAPIKeys(),
	}

	healthProbeTimeout, err := getEnvDuration("COMPONENT_HEALTH_PROBE_TIMEOUT", 5*time.Second)
	if err != nil {
		return nil, err
	}
	cfg.Monitor = MonitorConfig{
		ComponentHealthURLs: getEnvMap("COMPONENT_HEALTH_URLS", nil),
		HealthProbeTimeout:  healthProbeTimeout,
		RestartCmdTemplate:  getEnv("HEALER_RESTART_CMD_TEMPLATE", ""),
	}

	if err := validate.Struct(cfg.Database); err != nil {
		return nil, fmt.Errorf("%w: database: %w", ErrValidationFailed, err)
	}
	if err := validate.Struct(cfg.Queue); err != nil {
		return nil, fmt.Errorf("%w: queue: %w", ErrValidationFailed, err)
	}
	if err := validate.Struct(cfg.Object); err != nil {
		return nil, fmt.Errorf("%w: object store: %w", ErrValidationFailed, err)
	}
	if err := validate.Struct(cfg.LLM); err != nil {
		return nil, fmt.Errorf("%w: llm: %w", ErrValidationFailed, err)
	}
	if err := validate.Struct(cfg.Search); err != nil {
		return nil, fmt.Errorf("%w: search: %w", ErrValidationFailed, err)
	}

	return cfg, nil
}

// loadAPIKeys implements spec.md §6's three-source precedence for
// verifier keys: OPENAI_API_KEYS (comma list), else OPENAI_API_KEY_N
// (N=1..), else the single OPENAI_API_KEY.
func loadAPIKeys() []string {
	if list := getEnvList("OPENAI_API_KEYS", nil); len(list) > 0 {
		return list
	}
	var keys []string
	for i := 1; ; i++ {
		k := getEnv(fmt.Sprintf("OPENAI_API_KEY_%d", i), "")
		if k == "" {
			break
		}
		keys = append(keys, k)
	}
	if len(keys) > 0 {
		return keys
	}
	if single := getEnv("OPENAI_API_KEY", ""); single != "" {
		return []string{single}
	}
	return nil
}
