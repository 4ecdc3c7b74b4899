package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"cattle-orchestrator/internal/bootstrap"
	"cattle-orchestrator/internal/fleet"
	"cattle-orchestrator/internal/queue"
)

// DefaultSocketPath is where the orchestrator listens unless CLF_SOCKET_PATH
// says otherwise.
const DefaultSocketPath = "/run/clf/orchestrator.sock"

// Config holds shared runtime configuration for the orchestrator, worker
// and client binaries.
type Config struct {
	DBDSN            string
	SocketPath       string
	SocketAllowGroup bool

	WorkerID           string
	WorkerConcurrency  int
	WorkerPollInterval time.Duration
	WorkerLease        time.Duration
	WorkerLeaseRefresh time.Duration
	RetryBase          time.Duration
	RetryMax           time.Duration

	JobsKeepDays        int
	MaintenanceInterval time.Duration
	ReapInterval        time.Duration
	ReapConcurrency     int

	HCloudToken string
	Cattle      CattleConfig

	RedisAddr         string
	RedisPassword     string
	RedisDB           int
	RateLimitCapacity int
	RateLimitRefill   float64

	Archive ArchiveConfig

	LogLevel  string
	LogFormat string
}

// CattleConfig carries spawn defaults.
type CattleConfig struct {
	Image              string
	ServerType         string
	Location           string
	MaxInstances       int
	DefaultTTL         time.Duration
	Labels             map[string]string
	AutoShutdown       bool
	SecretsBaseURL     string
	BootstrapTTL       time.Duration
	IdentitiesRoot     string
	AdminAuthorizedKey []string
}

// ArchiveConfig selects where pruned jobs are exported. Bucket wins over Dir.
type ArchiveConfig struct {
	Bucket    string
	Region    string
	Endpoint  string
	PathStyle bool
	Prefix    string
	Dir       string
}

func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" || a.Dir != "" }

// Load reads configuration from the environment.
func Load() (Config, error) {
	return LoadFrom(os.LookupEnv)
}

// LoadFrom reads configuration through lookup, which has the signature of
// os.LookupEnv.
func LoadFrom(lookup func(string) (string, bool)) (Config, error) {
	e := &env{lookup: lookup}
	cfg := Config{
		DBDSN:            e.str("CLF_DB_DSN", "sqlite:///var/lib/clf/state.sqlite"),
		SocketPath:       e.str("CLF_SOCKET_PATH", DefaultSocketPath),
		SocketAllowGroup: e.boolean("CLF_SOCKET_ALLOW_GROUP", false),

		WorkerID:           e.str("WORKER_ID", ""),
		WorkerConcurrency:  e.integer("CLF_WORKER_CONCURRENCY", 2),
		WorkerPollInterval: e.duration("CLF_WORKER_POLL", time.Second),
		WorkerLease:        e.duration("CLF_WORKER_LEASE", queue.DefaultLease),
		WorkerLeaseRefresh: e.duration("CLF_WORKER_LEASE_REFRESH", 30*time.Second),
		RetryBase:          e.duration("CLF_RETRY_BASE", queue.DefaultRetryPolicy().Base),
		RetryMax:           e.duration("CLF_RETRY_MAX", queue.DefaultRetryPolicy().Max),

		JobsKeepDays:        e.integer("CLF_JOBS_KEEP_DAYS", 30),
		MaintenanceInterval: e.duration("CLF_MAINTENANCE_INTERVAL", time.Minute),
		ReapInterval:        e.duration("CLF_REAP_INTERVAL", 5*time.Minute),
		ReapConcurrency:     e.integer("CLF_REAP_CONCURRENCY", fleet.DefaultConcurrency),

		HCloudToken: e.str("HCLOUD_TOKEN", ""),
		Cattle: CattleConfig{
			Image:          e.str("CLF_CATTLE_IMAGE", ""),
			ServerType:     e.str("CLF_CATTLE_SERVER_TYPE", "cx22"),
			Location:       e.str("CLF_CATTLE_LOCATION", "nbg1"),
			MaxInstances:   e.integer("CLF_CATTLE_MAX_INSTANCES", 10),
			DefaultTTL:     e.ttl("CLF_CATTLE_DEFAULT_TTL", 2*time.Hour),
			Labels:         e.labels("CLF_CATTLE_LABELS_JSON"),
			AutoShutdown:   e.boolean("CLF_CATTLE_AUTO_SHUTDOWN", true),
			SecretsBaseURL: e.baseURL("CLF_CATTLE_SECRETS_BASE_URL"),
			BootstrapTTL:   bootstrap.ClampTTL(e.duration("CLF_CATTLE_BOOTSTRAP_TTL", bootstrap.DefaultTTL)),
			IdentitiesRoot: e.str("CLF_IDENTITIES_ROOT", "/var/lib/clf/identities"),
		},

		RedisAddr:         e.str("REDIS_ADDR", ""),
		RedisPassword:     e.str("REDIS_PASSWORD", ""),
		RedisDB:           e.integer("REDIS_DB", 0),
		RateLimitCapacity: e.integer("CLF_RATE_LIMIT_CAPACITY", 50),
		RateLimitRefill:   e.float("CLF_RATE_LIMIT_REFILL_PER_SEC", 5),

		Archive: ArchiveConfig{
			Bucket:    e.str("CLF_ARCHIVE_BUCKET", ""),
			Region:    e.str("CLF_ARCHIVE_REGION", ""),
			Endpoint:  e.str("CLF_ARCHIVE_ENDPOINT", ""),
			PathStyle: e.boolean("CLF_ARCHIVE_PATH_STYLE", false),
			Prefix:    e.str("CLF_ARCHIVE_PREFIX", "jobs/"),
			Dir:       e.str("CLF_ARCHIVE_DIR", ""),
		},

		LogLevel:  e.str("LOG_LEVEL", "info"),
		LogFormat: e.str("LOG_FORMAT", "json"),
	}
	cfg.Cattle.AdminAuthorizedKey = e.authorizedKeys()

	if e.err != nil {
		return Config{}, e.err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.WorkerConcurrency < 1 || c.WorkerConcurrency > 32:
		return fmt.Errorf("CLF_WORKER_CONCURRENCY must be between 1 and 32, got %d", c.WorkerConcurrency)
	case c.WorkerPollInterval <= 0:
		return errors.New("CLF_WORKER_POLL must be positive")
	case c.WorkerLeaseRefresh <= 0:
		return errors.New("CLF_WORKER_LEASE_REFRESH must be positive")
	case c.WorkerLeaseRefresh >= queue.ClampLease(c.WorkerLease):
		return fmt.Errorf("CLF_WORKER_LEASE_REFRESH (%s) must be shorter than the lease (%s)", c.WorkerLeaseRefresh, queue.ClampLease(c.WorkerLease))
	case c.RetryBase <= 0 || c.RetryMax < c.RetryBase:
		return errors.New("CLF_RETRY_BASE must be positive and not exceed CLF_RETRY_MAX")
	case c.JobsKeepDays < 1:
		return errors.New("CLF_JOBS_KEEP_DAYS must be at least 1")
	case c.MaintenanceInterval <= 0:
		return errors.New("CLF_MAINTENANCE_INTERVAL must be positive")
	case c.ReapInterval < 0 || (c.ReapInterval > 0 && c.ReapInterval < time.Second):
		return errors.New("CLF_REAP_INTERVAL must be 0 (disabled) or at least 1s")
	case c.Cattle.MaxInstances < 1:
		return errors.New("CLF_CATTLE_MAX_INSTANCES must be at least 1")
	case c.RateLimitCapacity < 1 || c.RateLimitRefill <= 0:
		return errors.New("rate limit capacity and refill must be positive")
	}
	return nil
}

// RetryPolicy is the worker retry policy derived from the config.
func (c Config) RetryPolicy() queue.RetryPolicy {
	return queue.RetryPolicy{Base: c.RetryBase, Max: c.RetryMax}
}

// RequireCattle reports an error when the provider settings needed to run
// cattle jobs are missing.
func (c Config) RequireCattle() error {
	if c.HCloudToken == "" {
		return errors.New("missing HCLOUD_TOKEN")
	}
	if c.Cattle.Image == "" {
		return errors.New("missing CLF_CATTLE_IMAGE")
	}
	return nil
}

// env accumulates the first parse error so Load can report it once.
type env struct {
	lookup func(string) (string, bool)
	err    error
}

func (e *env) raw(key string) (string, bool) {
	v, ok := e.lookup(key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) fail(err error) {
	if e.err == nil {
		e.err = err
	}
}

func (e *env) str(key, def string) string {
	if v, ok := e.raw(key); ok {
		return v
	}
	return def
}

func (e *env) integer(key string, def int) int {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		e.fail(fmt.Errorf("invalid int env value for %s: %q", key, v))
		return def
	}
	return i
}

func (e *env) float(key string, def float64) float64 {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(fmt.Errorf("invalid float env value for %s: %q", key, v))
		return def
	}
	return f
}

func (e *env) boolean(key string, def bool) bool {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	}
	e.fail(fmt.Errorf("invalid bool env value for %s: %q", key, v))
	return def
}

func (e *env) duration(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(fmt.Errorf("invalid duration env value for %s: %q", key, v))
		return def
	}
	return d
}

// ttl accepts either a Go duration or the cattle <n>[smhdw] form.
func (e *env) ttl(key string, def time.Duration) time.Duration {
	v, ok := e.raw(key)
	if !ok {
		return def
	}
	if d, err := fleet.ParseTTL(v); err == nil {
		return d
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	e.fail(fmt.Errorf("invalid ttl env value for %s: %q", key, v))
	return def
}

func (e *env) labels(key string) map[string]string {
	out := map[string]string{}
	v, ok := e.raw(key)
	if !ok {
		return out
	}
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		e.fail(fmt.Errorf("invalid %s: %w", key, err))
		return map[string]string{}
	}
	for k, val := range out {
		if !fleet.ValidLabelKey(k) || !fleet.ValidLabelValue(val) {
			e.fail(fmt.Errorf("invalid %s: bad label %q=%q", key, k, val))
		}
	}
	return out
}

func (e *env) baseURL(key string) string {
	v, ok := e.raw(key)
	if !ok {
		return ""
	}
	u, err := url.Parse(v)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		e.fail(fmt.Errorf("invalid %s: must be an http(s) URL, got %q", key, v))
		return ""
	}
	return strings.TrimRight(v, "/")
}

func (e *env) authorizedKeys() []string {
	var lines []string
	if path, ok := e.raw("CLF_ADMIN_AUTHORIZED_KEYS_FILE"); ok {
		raw, err := os.ReadFile(path)
		if err != nil {
			e.fail(fmt.Errorf("read CLF_ADMIN_AUTHORIZED_KEYS_FILE: %w", err))
		}
		lines = append(lines, strings.Split(string(raw), "\n")...)
	}
	if v, ok := e.raw("CLF_ADMIN_AUTHORIZED_KEYS"); ok {
		lines = append(lines, strings.Split(v, "\n")...)
	}
	out := make([]string, 0, len(lines))
	for _, l := range lines {
		l = strings.TrimSpace(l)
		if l != "" && !strings.HasPrefix(l, "#") {
			out = append(out, l)
		}
	}
	return out
}
