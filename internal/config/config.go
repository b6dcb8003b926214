package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"restock_monitor/internal/browser"
	"restock_monitor/internal/fault"
	"restock_monitor/internal/model"
)

type Config struct {
	Server    ServerConfig      `yaml:"server"`
	Storage   StorageConfig     `yaml:"storage"`
	Log       LogConfig         `yaml:"log"`
	Monitor   MonitorConfig     `yaml:"monitor"`
	Retry     RetryConfig       `yaml:"retry"`
	Fetch     FetchConfig       `yaml:"fetch"`
	Browser   BrowserConfig     `yaml:"browser"`
	Site      SiteConfig        `yaml:"site"`
	Notify    NotifyConfig      `yaml:"notify"`
	Artifacts ArtifactConfig    `yaml:"artifacts"`
	Metrics   MetricsConfig     `yaml:"metrics"`
	Markers   MarkerConfig      `yaml:"markers"`
	Selectors browser.Selectors `yaml:"selectors"`
	Tasks     []TaskConfig      `yaml:"tasks"`
}

type ServerConfig struct {
	// Addr 为空时不启动状态接口。
	Addr string     `yaml:"addr"`
	Cors CorsConfig `yaml:"cors"`
}

type CorsConfig struct {
	AllowOrigins     []string `yaml:"allowOrigins"`
	AllowCredentials bool     `yaml:"allowCredentials"`
}

type StorageConfig struct {
	SQLitePath string `yaml:"sqlitePath"`
}

type LogConfig struct {
	Development bool `yaml:"development"`
	BufferSize  int  `yaml:"bufferSize"`
}

type MonitorConfig struct {
	CheckIntervalMs       int `yaml:"checkIntervalMs"`
	IntervalJitterMs      int `yaml:"intervalJitterMs"`
	Workers               int `yaml:"workers"`
	SessionErrorThreshold int `yaml:"sessionErrorThreshold"`
	MaxStepsPerAttempt    int `yaml:"maxStepsPerAttempt"`
	HistorySize           int `yaml:"historySize"`
	// MaxSessionRebuilds 为 0 表示会话失效后不重建直接停止；不填默认 3。
	MaxSessionRebuilds *int `yaml:"maxSessionRebuilds"`
}

func (c MonitorConfig) CheckInterval() time.Duration {
	if c.CheckIntervalMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.CheckIntervalMs) * time.Millisecond
}

// SessionRebuilds is how many times a worker may rebuild its session before
// the loop stops.
func (c MonitorConfig) SessionRebuilds() int {
	if c.MaxSessionRebuilds == nil {
		return 3
	}
	if *c.MaxSessionRebuilds < 0 {
		return 0
	}
	return *c.MaxSessionRebuilds
}

func (c MonitorConfig) IntervalJitter() time.Duration {
	if c.IntervalJitterMs <= 0 {
		return 0
	}
	return time.Duration(c.IntervalJitterMs) * time.Millisecond
}

type RetryConfig struct {
	MaxAttempts         int     `yaml:"maxAttempts"`
	BaseDelayMs         int     `yaml:"baseDelayMs"`
	BackoffFactor       float64 `yaml:"backoffFactor"`
	JitterMinMs         int     `yaml:"jitterMinMs"`
	JitterMaxMs         int     `yaml:"jitterMaxMs"`
	VolumeBaseDelayMs   int     `yaml:"volumeBaseDelayMs"`
	VolumeBackoffFactor float64 `yaml:"volumeBackoffFactor"`
}

func (c RetryConfig) Policy() model.RetryPolicy {
	ms := func(v int) time.Duration { return time.Duration(v) * time.Millisecond }
	return model.RetryPolicy{
		MaxAttempts:         c.MaxAttempts,
		BaseDelay:           ms(c.BaseDelayMs),
		BackoffFactor:       c.BackoffFactor,
		JitterMin:           ms(c.JitterMinMs),
		JitterMax:           ms(c.JitterMaxMs),
		VolumeBaseDelay:     ms(c.VolumeBaseDelayMs),
		VolumeBackoffFactor: c.VolumeBackoffFactor,
	}
}

// merge 用任务级覆盖项替换全局默认值（只替换非零字段）。
func (c RetryConfig) merge(override *RetryConfig) RetryConfig {
	if override == nil {
		return c
	}
	out := c
	if override.MaxAttempts > 0 {
		out.MaxAttempts = override.MaxAttempts
	}
	if override.BaseDelayMs > 0 {
		out.BaseDelayMs = override.BaseDelayMs
	}
	if override.BackoffFactor > 0 {
		out.BackoffFactor = override.BackoffFactor
	}
	if override.JitterMinMs > 0 {
		out.JitterMinMs = override.JitterMinMs
	}
	if override.JitterMaxMs > 0 {
		out.JitterMaxMs = override.JitterMaxMs
	}
	if override.VolumeBaseDelayMs > 0 {
		out.VolumeBaseDelayMs = override.VolumeBaseDelayMs
	}
	if override.VolumeBackoffFactor > 0 {
		out.VolumeBackoffFactor = override.VolumeBackoffFactor
	}
	return out
}

const (
	ChannelTLS     = "tls"
	ChannelBrowser = "browser"
	ChannelPlain   = "plain"
)

type FetchConfig struct {
	TimeoutMs        int      `yaml:"timeoutMs"`
	MinContentLength int      `yaml:"minContentLength"`
	Channels         []string `yaml:"channels"`
	UserAgent        string   `yaml:"userAgent"`
	Proxy            string   `yaml:"proxy"`
	QPS              float64  `yaml:"qps"`
	Burst            int      `yaml:"burst"`
	TLSProfile       string   `yaml:"tlsProfile"`
	PlainRetries     int      `yaml:"plainRetries"`
}

func (c FetchConfig) Timeout() time.Duration {
	if c.TimeoutMs <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func (c FetchConfig) ChannelEnabled(name string) bool {
	for _, ch := range c.Channels {
		if strings.EqualFold(strings.TrimSpace(ch), name) {
			return true
		}
	}
	return false
}

type BrowserConfig struct {
	Enabled       bool   `yaml:"enabled"`
	Headless      bool   `yaml:"headless"`
	ProfileDir    string `yaml:"profileDir"`
	BinPath       string `yaml:"binPath"`
	WaitTimeoutMs int    `yaml:"waitTimeoutMs"`
	PollMs        int    `yaml:"pollMs"`
	ActionDelay   struct {
		MinMs int `yaml:"minMs"`
		MaxMs int `yaml:"maxMs"`
	} `yaml:"actionDelay"`
	ChallengeWaitMs int `yaml:"challengeWaitMs"`
}

func (c BrowserConfig) WaitTimeout() time.Duration {
	if c.WaitTimeoutMs <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.WaitTimeoutMs) * time.Millisecond
}

func (c BrowserConfig) Poll() time.Duration {
	if c.PollMs <= 0 {
		return 250 * time.Millisecond
	}
	return time.Duration(c.PollMs) * time.Millisecond
}

func (c BrowserConfig) ChallengeWait() time.Duration {
	if c.ChallengeWaitMs <= 0 {
		return 20 * time.Second
	}
	return time.Duration(c.ChallengeWaitMs) * time.Millisecond
}

type SiteConfig struct {
	// LoginURL 设置后，未登录的购买任务会先走一遍登录页。
	LoginURL string `yaml:"loginURL"`
}

type NotifyConfig struct {
	QueueSize         int         `yaml:"queueSize"`
	DiscordWebhookURL string      `yaml:"discordWebhookURL"`
	DiscordUsername   string      `yaml:"discordUsername"`
	Email             EmailConfig `yaml:"email"`
}

type EmailConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Address  string `yaml:"address"`
	AuthCode string `yaml:"authCode"`
	To       string `yaml:"to"`
}

type ArtifactConfig struct {
	Dir       string `yaml:"dir"`
	QueueSize int    `yaml:"queueSize"`
}

type MetricsConfig struct {
	Enabled    bool `yaml:"enabled"`
	IntervalMs int  `yaml:"intervalMs"`
}

func (c MetricsConfig) Interval() time.Duration {
	if c.IntervalMs <= 0 {
		return 60 * time.Second
	}
	return time.Duration(c.IntervalMs) * time.Millisecond
}

type MarkerConfig struct {
	Challenge     []string `yaml:"challenge"`
	Blocked       []string `yaml:"blocked"`
	Available     []string `yaml:"available"`
	Unavailable   []string `yaml:"unavailable"`
	Auth          []string `yaml:"auth"`
	AuthError     []string `yaml:"authError"`
	Authenticated []string `yaml:"authenticated"`
	VolumeLimited []string `yaml:"volumeLimited"`
	Added         []string `yaml:"added"`
	Confirmed     []string `yaml:"confirmed"`
}

type TaskConfig struct {
	ID            string       `yaml:"id"`
	Name          string       `yaml:"name"`
	URL           string       `yaml:"url"`
	Variant       string       `yaml:"variant"`
	Quantity      int          `yaml:"quantity"`
	Mode          string       `yaml:"mode"`
	PaymentMethod string       `yaml:"paymentMethod"`
	Email         string       `yaml:"email"`
	Password      string       `yaml:"password"`
	Retry         *RetryConfig `yaml:"retry"`
}

// Load 读取配置：先加载同目录与工作目录下的 .env，再展开 ${VAR}，最后补默认值并校验。
func Load(path string) (Config, error) {
	loadDotEnv(path)

	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fault.Wrap(fault.KindConfiguration, "read", err)
	}
	return Parse(b)
}

func Parse(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal([]byte(os.ExpandEnv(string(b))), &cfg); err != nil {
		return Config{}, fault.Wrap(fault.KindConfiguration, "parse", err)
	}
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func loadDotEnv(configPath string) {
	candidates := []string{filepath.Join(filepath.Dir(configPath), ".env"), ".env"}
	seen := make(map[string]bool)
	for _, p := range candidates {
		abs, err := filepath.Abs(p)
		if err != nil || seen[abs] {
			continue
		}
		seen[abs] = true
		if _, err := os.Stat(abs); err != nil {
			continue
		}
		// godotenv.Load 不覆盖已存在的环境变量
		_ = godotenv.Load(abs)
	}
}

func (c *Config) applyDefaults() {
	if c.Storage.SQLitePath == "" {
		c.Storage.SQLitePath = "./data/restock_monitor.db"
	}
	if c.Log.BufferSize <= 0 {
		c.Log.BufferSize = 500
	}
	if c.Monitor.Workers <= 0 {
		c.Monitor.Workers = 1
	}
	if c.Monitor.SessionErrorThreshold <= 0 {
		c.Monitor.SessionErrorThreshold = 5
	}
	if c.Monitor.MaxStepsPerAttempt <= 0 {
		c.Monitor.MaxStepsPerAttempt = 12
	}
	if c.Monitor.HistorySize <= 0 {
		c.Monitor.HistorySize = 50
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry.MaxAttempts = 3
	}
	if c.Retry.BaseDelayMs <= 0 {
		c.Retry.BaseDelayMs = 5000
	}
	if c.Retry.BackoffFactor <= 0 {
		c.Retry.BackoffFactor = 2
	}
	if c.Retry.JitterMinMs <= 0 && c.Retry.JitterMaxMs <= 0 {
		c.Retry.JitterMinMs = 1000
		c.Retry.JitterMaxMs = 5000
	}
	if c.Retry.VolumeBaseDelayMs <= 0 {
		c.Retry.VolumeBaseDelayMs = 15000
	}
	if c.Retry.VolumeBackoffFactor <= 0 {
		c.Retry.VolumeBackoffFactor = 1.5
	}
	if len(c.Fetch.Channels) == 0 {
		c.Fetch.Channels = []string{ChannelTLS, ChannelBrowser, ChannelPlain}
	}
	if c.Fetch.MinContentLength <= 0 {
		c.Fetch.MinContentLength = 1000
	}
	if c.Fetch.QPS <= 0 {
		c.Fetch.QPS = 1
	}
	if c.Fetch.Burst <= 0 {
		c.Fetch.Burst = 2
	}
	if c.Browser.ActionDelay.MinMs <= 0 && c.Browser.ActionDelay.MaxMs <= 0 {
		c.Browser.ActionDelay.MinMs = 300
		c.Browser.ActionDelay.MaxMs = 900
	}
	if c.Notify.QueueSize <= 0 {
		c.Notify.QueueSize = 100
	}
	if c.Notify.DiscordUsername == "" {
		c.Notify.DiscordUsername = "Restock Monitor"
	}
	if c.Artifacts.Dir == "" {
		c.Artifacts.Dir = "./data/artifacts"
	}
	if c.Artifacts.QueueSize <= 0 {
		c.Artifacts.QueueSize = 32
	}
	c.Markers.applyDefaults()
	c.Selectors = mergeSelectors(DefaultSelectors(), c.Selectors)
}

func (m *MarkerConfig) applyDefaults() {
	d := DefaultMarkers()
	fill := func(dst *[]string, def []string) {
		if len(*dst) == 0 {
			*dst = def
		}
	}
	fill(&m.Challenge, d.Challenge)
	fill(&m.Blocked, d.Blocked)
	fill(&m.Available, d.Available)
	fill(&m.Unavailable, d.Unavailable)
	fill(&m.Auth, d.Auth)
	fill(&m.AuthError, d.AuthError)
	fill(&m.Authenticated, d.Authenticated)
	fill(&m.VolumeLimited, d.VolumeLimited)
	fill(&m.Added, d.Added)
	fill(&m.Confirmed, d.Confirmed)
}

func mergeSelectors(defaults, user browser.Selectors) browser.Selectors {
	out := make(browser.Selectors, len(defaults)+len(user))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range user {
		if len(v) > 0 {
			out[k] = v
		}
	}
	return out
}

func (c Config) validate() error {
	bad := func(format string, args ...any) error {
		return fault.Newf(fault.KindConfiguration, "validate", format, args...)
	}
	if len(c.Tasks) == 0 {
		return bad("tasks: at least one task is required")
	}
	for _, ch := range c.Fetch.Channels {
		switch strings.ToLower(strings.TrimSpace(ch)) {
		case ChannelTLS, ChannelBrowser, ChannelPlain:
		default:
			return bad("fetch.channels: unknown channel %q", ch)
		}
	}
	if c.Fetch.ChannelEnabled(ChannelBrowser) && !c.Browser.Enabled && len(c.Fetch.Channels) == 1 {
		return bad("fetch.channels: browser channel requires browser.enabled")
	}
	ids := make(map[string]int)
	for i, t := range c.Tasks {
		if strings.TrimSpace(t.URL) == "" {
			return bad("tasks[%d].url is required", i)
		}
		if !strings.HasPrefix(t.URL, "http://") && !strings.HasPrefix(t.URL, "https://") {
			return bad("tasks[%d].url must be http(s): %q", i, t.URL)
		}
		if t.Quantity < 0 {
			return bad("tasks[%d].quantity must be >= 1", i)
		}
		mode := model.TaskMode(strings.ToLower(strings.TrimSpace(t.Mode)))
		switch mode {
		case "", model.TaskModePurchase, model.TaskModeMonitor:
		default:
			return bad("tasks[%d].mode: unknown mode %q", i, t.Mode)
		}
		if mode != model.TaskModeMonitor && !c.Browser.Enabled {
			return bad("tasks[%d]: purchase mode requires browser.enabled", i)
		}
		if (t.Email == "") != (t.Password == "") {
			return bad("tasks[%d]: email and password must be set together", i)
		}
		id := taskID(t)
		if j, dup := ids[id]; dup {
			return bad("tasks[%d] duplicates tasks[%d] (id %s)", i, j, id)
		}
		ids[id] = i
	}
	if c.Notify.Email.Enabled && strings.TrimSpace(c.Notify.Email.Address) == "" {
		return bad("notify.email.address is required when email is enabled")
	}
	return nil
}

func taskID(t TaskConfig) string {
	if id := strings.TrimSpace(t.ID); id != "" {
		return id
	}
	return model.TaskID(t.URL, t.Variant)
}

// BuildTasks converts the validated task list into immutable model tasks.
func (c Config) BuildTasks() []model.Task {
	out := make([]model.Task, 0, len(c.Tasks))
	for _, t := range c.Tasks {
		qty := t.Quantity
		if qty <= 0 {
			qty = 1
		}
		mode := model.TaskMode(strings.ToLower(strings.TrimSpace(t.Mode)))
		if mode == "" {
			mode = model.TaskModePurchase
		}
		task := model.Task{
			ID:            taskID(t),
			Name:          strings.TrimSpace(t.Name),
			URL:           strings.TrimSpace(t.URL),
			Variant:       strings.TrimSpace(t.Variant),
			Quantity:      qty,
			Mode:          mode,
			PaymentMethod: strings.TrimSpace(t.PaymentMethod),
			Retry:         c.Retry.merge(t.Retry).Policy(),
		}
		if t.Email != "" {
			task.Credentials = &model.Credentials{Email: t.Email, Password: t.Password}
		}
		out = append(out, task)
	}
	return out
}

func (c Config) String() string {
	return fmt.Sprintf("tasks=%d workers=%d interval=%s channels=%v", len(c.Tasks), c.Monitor.Workers, c.Monitor.CheckInterval(), c.Fetch.Channels)
}
