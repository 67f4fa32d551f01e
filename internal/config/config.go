// Package config loads and validates linewatch configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/JakeFAU/linewatch/internal/logging"
)

// EnvPrefix prefixes every environment override, e.g. LINEWATCH_AUTH_ADMIN_TOKEN.
const EnvPrefix = "LINEWATCH"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server" yaml:"server"`
	Auth      AuthConfig      `mapstructure:"auth" yaml:"auth"`
	Line      LineConfig      `mapstructure:"line" yaml:"line"`
	Fetcher   FetcherConfig   `mapstructure:"fetcher" yaml:"fetcher"`
	Cache     CacheConfig     `mapstructure:"cache" yaml:"cache"`
	Scheduler SchedulerConfig `mapstructure:"scheduler" yaml:"scheduler"`
	Dispatch  DispatchConfig  `mapstructure:"dispatch" yaml:"dispatch"`
	VAPID     VAPIDConfig     `mapstructure:"vapid" yaml:"vapid"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
	Tracing   TracingConfig   `mapstructure:"tracing" yaml:"tracing"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Addr              string        `mapstructure:"addr" yaml:"addr"`
	ReadHeaderTimeout time.Duration `mapstructure:"read_header_timeout" yaml:"read_header_timeout"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout" yaml:"request_timeout"`
	ShutdownTimeout   time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	AllowedOrigin     string        `mapstructure:"allowed_origin" yaml:"allowed_origin"`
}

// AuthConfig holds the shared secret for operator routes.
type AuthConfig struct {
	AdminToken string `mapstructure:"admin_token" yaml:"admin_token"`
}

// LineConfig describes the monitored line and its status page.
type LineConfig struct {
	Name         string `mapstructure:"name" yaml:"name"`
	URL          string `mapstructure:"url" yaml:"url"`
	Selector     string `mapstructure:"selector" yaml:"selector"`
	SelectorKind string `mapstructure:"selector_kind" yaml:"selector_kind"`
	NormalMarker string `mapstructure:"normal_marker" yaml:"normal_marker"`
	Icon         string `mapstructure:"icon" yaml:"icon"`
	Badge        string `mapstructure:"badge" yaml:"badge"`
}

// FetcherConfig governs page reads and retries.
type FetcherConfig struct {
	Driver         string         `mapstructure:"driver" yaml:"driver"`
	MaxAttempts    int            `mapstructure:"max_attempts" yaml:"max_attempts"`
	BaseDelay      time.Duration  `mapstructure:"base_delay" yaml:"base_delay"`
	MaxDelay       time.Duration  `mapstructure:"max_delay" yaml:"max_delay"`
	AttemptTimeout time.Duration  `mapstructure:"attempt_timeout" yaml:"attempt_timeout"`
	UserAgent      string         `mapstructure:"user_agent" yaml:"user_agent"`
	AcceptLanguage string         `mapstructure:"accept_language" yaml:"accept_language"`
	Headless       HeadlessConfig `mapstructure:"headless" yaml:"headless"`
	Static         StaticConfig   `mapstructure:"static" yaml:"static"`
	Fixture        FixtureConfig  `mapstructure:"fixture" yaml:"fixture"`
	// ProbeBackoff is how long the auto driver goes straight to headless
	// after a promotion.
	ProbeBackoff time.Duration `mapstructure:"probe_backoff" yaml:"probe_backoff"`
}

// HeadlessConfig configures the browser driver.
type HeadlessConfig struct {
	MaxParallel       int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	NavigationTimeout time.Duration `mapstructure:"navigation_timeout" yaml:"navigation_timeout"`
	ElementTimeout    time.Duration `mapstructure:"element_timeout" yaml:"element_timeout"`
	ExecPath          string        `mapstructure:"exec_path" yaml:"exec_path"`
	NoSandbox         bool          `mapstructure:"no_sandbox" yaml:"no_sandbox"`
}

// StaticConfig configures the plain HTTP driver. Selector is CSS.
type StaticConfig struct {
	Selector string        `mapstructure:"selector" yaml:"selector"`
	Timeout  time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// FixtureConfig configures the scripted development driver.
type FixtureConfig struct {
	Texts []string      `mapstructure:"texts" yaml:"texts"`
	Delay time.Duration `mapstructure:"delay" yaml:"delay"`
}

// CacheConfig sets the status cache lifetime.
type CacheConfig struct {
	TTL time.Duration `mapstructure:"ttl" yaml:"ttl"`
}

// SchedulerConfig tunes notification policy and the primary schedule.
type SchedulerConfig struct {
	Cooldown        time.Duration `mapstructure:"cooldown" yaml:"cooldown"`
	MonitorInterval time.Duration `mapstructure:"monitor_interval" yaml:"monitor_interval"`
	CheckTimeout    time.Duration `mapstructure:"check_timeout" yaml:"check_timeout"`
	Cron            CronConfig    `mapstructure:"cron" yaml:"cron"`
}

// CronConfig configures the built-in schedule.
type CronConfig struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Spec     string `mapstructure:"spec" yaml:"spec"`
	Timezone string `mapstructure:"timezone" yaml:"timezone"`
}

// DispatchConfig bounds push fan-out.
type DispatchConfig struct {
	MaxParallel int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	SendTimeout time.Duration `mapstructure:"send_timeout" yaml:"send_timeout"`
	RatePerSec  float64       `mapstructure:"rate_per_sec" yaml:"rate_per_sec"`
	Burst       int           `mapstructure:"burst" yaml:"burst"`
}

// VAPIDConfig holds the application server keys.
type VAPIDConfig struct {
	PublicKey  string        `mapstructure:"public_key" yaml:"public_key"`
	PrivateKey string        `mapstructure:"private_key" yaml:"private_key"`
	Subject    string        `mapstructure:"subject" yaml:"subject"`
	TTL        time.Duration `mapstructure:"ttl" yaml:"ttl"`
	Urgency    string        `mapstructure:"urgency" yaml:"urgency"`
}

// StoreConfig selects the subscriber backend.
type StoreConfig struct {
	Backend  string         `mapstructure:"backend" yaml:"backend"`
	File     FileConfig     `mapstructure:"file" yaml:"file"`
	GCS      GCSConfig      `mapstructure:"gcs" yaml:"gcs"`
	SQLite   SQLiteConfig   `mapstructure:"sqlite" yaml:"sqlite"`
	Postgres PostgresConfig `mapstructure:"postgres" yaml:"postgres"`
}

// FileConfig places the JSON subscriber document on local disk.
type FileConfig struct {
	Dir  string `mapstructure:"dir" yaml:"dir"`
	Name string `mapstructure:"name" yaml:"name"`
}

// GCSConfig places the JSON subscriber document in Cloud Storage.
type GCSConfig struct {
	Bucket string `mapstructure:"bucket" yaml:"bucket"`
	Object string `mapstructure:"object" yaml:"object"`
}

// SQLiteConfig locates the embedded database.
type SQLiteConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// PostgresConfig controls the Postgres connection pool.
type PostgresConfig struct {
	DSN             string        `mapstructure:"dsn" yaml:"dsn"`
	Table           string        `mapstructure:"table" yaml:"table"`
	MaxConns        int32         `mapstructure:"max_conns" yaml:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns" yaml:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime" yaml:"max_conn_lifetime"`
	EnsureSchema    bool          `mapstructure:"ensure_schema" yaml:"ensure_schema"`
}

// EventsConfig selects where status change events go.
type EventsConfig struct {
	Sink           string       `mapstructure:"sink" yaml:"sink"`
	MemoryCapacity int          `mapstructure:"memory_capacity" yaml:"memory_capacity"`
	PubSub         PubSubConfig `mapstructure:"pubsub" yaml:"pubsub"`
}

// PubSubConfig names the Pub/Sub topic.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id" yaml:"project_id"`
	TopicID   string `mapstructure:"topic_id" yaml:"topic_id"`
}

// LoggingConfig toggles zap development features and the minimum level.
type LoggingConfig struct {
	Development bool   `mapstructure:"development" yaml:"development"`
	Level       string `mapstructure:"level" yaml:"level"`
}

// TracingConfig controls OpenTelemetry span sampling.
type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled" yaml:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio" yaml:"sample_ratio"`
}

// Page drivers.
const (
	DriverHeadless = "headless"
	DriverStatic   = "static"
	DriverFixture  = "fixture"
	// DriverAuto probes with the static driver and promotes to headless
	// when the element is rendered by script.
	DriverAuto = "auto"
)

// Store backends.
const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendGCS      = "gcs"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
)

// Event sinks.
const (
	SinkNone   = "none"
	SinkMemory = "memory"
	SinkPubSub = "pubsub"
)

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	l, err := NewLoader(path)
	if err != nil {
		return Config{}, err
	}
	return l.Current(), nil
}

func newViper(path string) (*viper.Viper, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	return v, nil
}

func decode(v *viper.Viper) (Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_header_timeout", "10s")
	v.SetDefault("server.request_timeout", "2m")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.allowed_origin", "*")
	v.SetDefault("auth.admin_token", "")

	v.SetDefault("line.name", "高崎線")
	v.SetDefault("line.url", "https://traininfo.jreast.co.jp/train_info/line.aspx?gid=1&lineid=takasakiline")
	v.SetDefault("line.selector", `//*[@id="contents"]/section/section[2]/section[1]/div/div`)
	v.SetDefault("line.selector_kind", "xpath")
	v.SetDefault("line.normal_marker", "平常運転")
	v.SetDefault("line.icon", "/icons/icon-192x192.png")
	v.SetDefault("line.badge", "/icons/badge-72x72.png")

	v.SetDefault("fetcher.driver", DriverHeadless)
	v.SetDefault("fetcher.max_attempts", 3)
	v.SetDefault("fetcher.base_delay", "1s")
	v.SetDefault("fetcher.max_delay", "10s")
	v.SetDefault("fetcher.attempt_timeout", "30s")
	v.SetDefault("fetcher.user_agent", "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0 Safari/537.36")
	v.SetDefault("fetcher.accept_language", "ja,en;q=0.8")
	v.SetDefault("fetcher.headless.max_parallel", 1)
	v.SetDefault("fetcher.headless.navigation_timeout", "20s")
	v.SetDefault("fetcher.headless.element_timeout", "10s")
	v.SetDefault("fetcher.headless.no_sandbox", false)
	v.SetDefault("fetcher.static.selector", "#contents section section:nth-of-type(2) section:nth-of-type(1) div div")
	v.SetDefault("fetcher.static.timeout", "15s")
	v.SetDefault("fetcher.fixture.delay", "0s")
	v.SetDefault("fetcher.probe_backoff", "1h")

	v.SetDefault("cache.ttl", "60s")

	v.SetDefault("scheduler.cooldown", "5m")
	v.SetDefault("scheduler.monitor_interval", "30m")
	v.SetDefault("scheduler.check_timeout", "2m")
	v.SetDefault("scheduler.cron.enabled", true)
	v.SetDefault("scheduler.cron.spec", "0 7,17 * * 1-5")
	v.SetDefault("scheduler.cron.timezone", "Asia/Tokyo")

	v.SetDefault("dispatch.max_parallel", 16)
	v.SetDefault("dispatch.send_timeout", "10s")
	v.SetDefault("dispatch.rate_per_sec", 0)
	v.SetDefault("dispatch.burst", 1)

	v.SetDefault("vapid.subject", "mailto:admin@example.com")
	v.SetDefault("vapid.ttl", "24h")
	v.SetDefault("vapid.urgency", "high")

	v.SetDefault("store.backend", BackendFile)
	v.SetDefault("store.file.dir", "data")
	v.SetDefault("store.file.name", "subscriptions.json")
	v.SetDefault("store.gcs.object", "linewatch/subscriptions.json")
	v.SetDefault("store.sqlite.path", "data/linewatch.db")
	v.SetDefault("store.postgres.table", "push_subscribers")
	v.SetDefault("store.postgres.ensure_schema", true)

	v.SetDefault("events.sink", SinkMemory)
	v.SetDefault("events.memory_capacity", 256)

	v.SetDefault("logging.development", logging.IsTerminal())
	v.SetDefault("logging.level", "")

	v.SetDefault("tracing.enabled", true)
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr is required")
	}
	if c.Line.URL == "" || c.Line.Selector == "" {
		return errors.New("line.url and line.selector are required")
	}
	switch c.Fetcher.Driver {
	case DriverHeadless, DriverStatic, DriverFixture, DriverAuto:
	default:
		return fmt.Errorf("fetcher.driver %q must be one of headless, static, auto, fixture", c.Fetcher.Driver)
	}
	if c.Fetcher.MaxAttempts <= 0 {
		return errors.New("fetcher.max_attempts must be > 0")
	}
	if c.Fetcher.BaseDelay <= 0 || c.Fetcher.MaxDelay < c.Fetcher.BaseDelay {
		return errors.New("fetcher.base_delay must be > 0 and <= fetcher.max_delay")
	}
	if (c.Fetcher.Driver == DriverHeadless || c.Fetcher.Driver == DriverAuto) && c.Fetcher.Headless.MaxParallel <= 0 {
		return errors.New("fetcher.headless.max_parallel must be > 0 when the headless driver is used")
	}
	if c.Cache.TTL < 0 {
		return errors.New("cache.ttl must be >= 0")
	}
	if c.Scheduler.Cooldown < 0 || c.Scheduler.MonitorInterval <= 0 {
		return errors.New("scheduler.cooldown must be >= 0 and scheduler.monitor_interval > 0")
	}
	if c.Dispatch.MaxParallel <= 0 {
		return errors.New("dispatch.max_parallel must be > 0")
	}
	if (c.VAPID.PublicKey == "") != (c.VAPID.PrivateKey == "") {
		return errors.New("vapid.public_key and vapid.private_key must be set together")
	}
	switch c.Store.Backend {
	case BackendMemory, BackendFile:
	case BackendGCS:
		if c.Store.GCS.Bucket == "" {
			return errors.New("store.gcs.bucket is required for the gcs backend")
		}
	case BackendSQLite:
		if c.Store.SQLite.Path == "" {
			return errors.New("store.sqlite.path is required for the sqlite backend")
		}
	case BackendPostgres:
		if c.Store.Postgres.DSN == "" {
			return errors.New("store.postgres.dsn is required for the postgres backend")
		}
	default:
		return fmt.Errorf("store.backend %q is not supported", c.Store.Backend)
	}
	if c.Logging.Level != "" {
		if _, err := zapcore.ParseLevel(c.Logging.Level); err != nil {
			return fmt.Errorf("logging.level: %w", err)
		}
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		return errors.New("tracing.sample_ratio must be within [0, 1]")
	}
	switch c.Events.Sink {
	case SinkNone, SinkMemory:
	case SinkPubSub:
		if c.Events.PubSub.ProjectID == "" || c.Events.PubSub.TopicID == "" {
			return errors.New("events.pubsub.project_id and topic_id are required for the pubsub sink")
		}
	default:
		return fmt.Errorf("events.sink %q is not supported", c.Events.Sink)
	}
	return nil
}

// Redacted returns a copy with secrets masked, for display.
func (c Config) Redacted() Config {
	const mask = "********"
	out := c
	if out.Auth.AdminToken != "" {
		out.Auth.AdminToken = mask
	}
	if out.VAPID.PrivateKey != "" {
		out.VAPID.PrivateKey = mask
	}
	if out.Store.Postgres.DSN != "" {
		out.Store.Postgres.DSN = mask
	}
	return out
}

// Loader keeps the latest valid Config and can follow edits to the file.
type Loader struct {
	v    *viper.Viper
	path string

	mu  sync.RWMutex
	cfg Config
}

// NewLoader reads and validates the configuration at path (optional).
func NewLoader(path string) (*Loader, error) {
	v, err := newViper(path)
	if err != nil {
		return nil, err
	}
	cfg, err := decode(v)
	if err != nil {
		return nil, err
	}
	return &Loader{v: v, path: path, cfg: cfg}, nil
}

// Current returns the latest valid configuration.
func (l *Loader) Current() Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

// AdminToken returns the current operator token.
func (l *Loader) AdminToken() string {
	return l.Current().Auth.AdminToken
}

// Watch follows the config file. Valid edits replace the current Config and
// are passed to onChange; invalid edits are reported to onError and the
// previous Config stays in effect. Only settings read through Current after
// startup (the admin token) take effect without a restart.
func (l *Loader) Watch(onChange func(Config), onError func(error)) {
	if l.path == "" {
		return
	}
	l.v.OnConfigChange(func(evt fsnotify.Event) {
		if !evt.Has(fsnotify.Write) && !evt.Has(fsnotify.Create) {
			return
		}
		cfg, err := decode(l.v)
		if err != nil {
			if onError != nil {
				onError(fmt.Errorf("reload %s: %w", evt.Name, err))
			}
			return
		}
		l.mu.Lock()
		l.cfg = cfg
		l.mu.Unlock()
		if onChange != nil {
			onChange(cfg)
		}
	})
	l.v.WatchConfig()
}
