package offline

import (
	"fmt"
	"net/url"
	"os"
	"path"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port int `yaml:"port"`
		// Origin serves the application shell (navigations, static assets).
		Origin string `yaml:"origin"`
		// Backend is the data API. Its host is never cached.
		Backend       string `yaml:"backend"`
		BackendPrefix string `yaml:"backendPrefix"`
	} `yaml:"server"`

	Cache struct {
		Version     string   `yaml:"version"`
		Path        string   `yaml:"path"`
		Precache    []string `yaml:"precache"`
		OfflinePage string   `yaml:"offlinePage"`
		Static      []string `yaml:"static"`
		RAM         struct {
			Max string `yaml:"max"`
		} `yaml:"ram"`
	} `yaml:"cache"`

	Queue struct {
		Driver      string `yaml:"driver"`
		Path        string `yaml:"path"`
		MaxAttempts int    `yaml:"maxAttempts"`
		Backoff     struct {
			Initial string `yaml:"initial"`
			Max     string `yaml:"max"`
		} `yaml:"backoff"`
		Redis struct {
			Addr     string `yaml:"addr"`
			Password string `yaml:"password"`
			DB       int    `yaml:"db"`
			Prefix   string `yaml:"prefix"`
		} `yaml:"redis"`
	} `yaml:"queue"`

	Sync struct {
		Enabled      *bool  `yaml:"enabled"`
		Tag          string `yaml:"tag"`
		ProbeEvery   string `yaml:"probeEvery"`
		ProbePath    string `yaml:"probePath"`
		DrainOnStart *bool  `yaml:"drainOnStart"`
	} `yaml:"sync"`

	Push struct {
		Title string `yaml:"title"`
		Icon  string `yaml:"icon"`
		Badge string `yaml:"badge"`
	} `yaml:"push"`

	Logging struct {
		Level         string `yaml:"level"`
		Format        string `yaml:"format"`
		LogStatsEvery string `yaml:"logStatsEvery"`
	} `yaml:"logging"`

	Metrics struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`

	// compiled
	originURL        *url.URL
	backendURL       *url.URL
	staticMatchers   []assetMatcher
	ramMax           int64
	backoffInitial   time.Duration
	backoffMax       time.Duration
	probeEvery       time.Duration
	logStatsEveryDur time.Duration
}

const (
	DefaultCacheVersion = "collectr-v1"
	DefaultSyncTag      = "sync-collection"
	DefaultOfflinePage  = "/offline.html"
)

var defaultStatic = []string{
	"PathPrefix(/_next/static/)",
	"PathPrefix(/icons/)",
	"Ext(.png|.jpg|.jpeg|.gif|.svg|.webp|.ico|.woff|.woff2)",
}

func LoadConfig(p string) (Config, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, applies defaults and compiles matchers and
// durations. The returned Config is ready for NewService.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.compile(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) compile() error {
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.Origin == "" {
		return fmt.Errorf("server.origin is required")
	}
	if cfg.Server.Backend == "" {
		return fmt.Errorf("server.backend is required")
	}
	cfg.Server.Origin = strings.TrimRight(cfg.Server.Origin, "/")
	cfg.Server.Backend = strings.TrimRight(cfg.Server.Backend, "/")
	var err error
	if cfg.originURL, err = parseAbsURL(cfg.Server.Origin); err != nil {
		return fmt.Errorf("server.origin: %w", err)
	}
	if cfg.backendURL, err = parseAbsURL(cfg.Server.Backend); err != nil {
		return fmt.Errorf("server.backend: %w", err)
	}
	if cfg.Server.BackendPrefix == "" {
		cfg.Server.BackendPrefix = "/api/"
	}

	if cfg.Cache.Version == "" {
		cfg.Cache.Version = DefaultCacheVersion
	}
	if strings.ContainsRune(cfg.Cache.Version, 0) {
		return fmt.Errorf("cache.version must not contain NUL")
	}
	if cfg.Cache.Path == "" {
		cfg.Cache.Path = "./data/cache"
	}
	if cfg.Cache.OfflinePage == "" {
		cfg.Cache.OfflinePage = DefaultOfflinePage
	}
	if !strings.HasPrefix(cfg.Cache.OfflinePage, "/") {
		return fmt.Errorf("cache.offlinePage must be an absolute path")
	}
	if !containsString(cfg.Cache.Precache, cfg.Cache.OfflinePage) {
		cfg.Cache.Precache = append(cfg.Cache.Precache, cfg.Cache.OfflinePage)
	}
	if len(cfg.Cache.Static) == 0 {
		cfg.Cache.Static = append([]string(nil), defaultStatic...)
	}
	cfg.staticMatchers = cfg.staticMatchers[:0]
	for i, expr := range cfg.Cache.Static {
		ms, err := parseMatch(expr)
		if err != nil {
			return fmt.Errorf("cache.static[%d]: %w", i, err)
		}
		cfg.staticMatchers = append(cfg.staticMatchers, ms...)
	}
	if cfg.Cache.RAM.Max == "" {
		cfg.Cache.RAM.Max = "32mb"
	}
	if cfg.ramMax, err = parseBytes(cfg.Cache.RAM.Max); err != nil {
		return fmt.Errorf("cache.ram.max: %w", err)
	}

	switch cfg.Queue.Driver {
	case "":
		cfg.Queue.Driver = "leveldb"
	case "leveldb", "redis":
	default:
		return fmt.Errorf("queue.driver: unknown driver %q", cfg.Queue.Driver)
	}
	if cfg.Queue.Path == "" {
		cfg.Queue.Path = "./data/queue"
	}
	if cfg.Queue.Driver == "redis" && cfg.Queue.Redis.Addr == "" {
		return fmt.Errorf("queue.redis.addr is required for the redis driver")
	}
	if cfg.Queue.Redis.Prefix == "" {
		cfg.Queue.Redis.Prefix = "collectr:queue"
	}
	if cfg.Queue.MaxAttempts <= 0 {
		cfg.Queue.MaxAttempts = 8
	}
	if cfg.backoffInitial, err = durationOr(cfg.Queue.Backoff.Initial, 2*time.Second); err != nil {
		return fmt.Errorf("queue.backoff.initial: %w", err)
	}
	if cfg.backoffMax, err = durationOr(cfg.Queue.Backoff.Max, 10*time.Minute); err != nil {
		return fmt.Errorf("queue.backoff.max: %w", err)
	}
	if cfg.backoffMax < cfg.backoffInitial {
		return fmt.Errorf("queue.backoff.max must be >= queue.backoff.initial")
	}

	if cfg.Sync.Tag == "" {
		cfg.Sync.Tag = DefaultSyncTag
	}
	if cfg.Sync.Enabled == nil {
		cfg.Sync.Enabled = boolPtr(true)
	}
	if cfg.Sync.DrainOnStart == nil {
		cfg.Sync.DrainOnStart = boolPtr(true)
	}
	if cfg.Sync.ProbePath == "" {
		cfg.Sync.ProbePath = "/"
	}
	if cfg.probeEvery, err = durationOr(cfg.Sync.ProbeEvery, 30*time.Second); err != nil {
		return fmt.Errorf("sync.probeEvery: %w", err)
	}

	if cfg.Push.Title == "" {
		cfg.Push.Title = "CollectR"
	}
	if cfg.Push.Icon == "" {
		cfg.Push.Icon = "/icons/icon-192x192.png"
	}
	if cfg.Push.Badge == "" {
		cfg.Push.Badge = "/icons/badge-72x72.png"
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.LogStatsEvery != "" {
		d, err := time.ParseDuration(cfg.Logging.LogStatsEvery)
		if err != nil {
			return fmt.Errorf("logging.logStatsEvery: %w", err)
		}
		cfg.logStatsEveryDur = d
	}
	if cfg.Metrics.Enabled == nil {
		cfg.Metrics.Enabled = boolPtr(true)
	}
	return nil
}

// SyncEnabled reports whether background sync registrations are honored.
func (cfg *Config) SyncEnabled() bool { return cfg.Sync.Enabled == nil || *cfg.Sync.Enabled }

func (cfg *Config) MetricsEnabled() bool { return cfg.Metrics.Enabled == nil || *cfg.Metrics.Enabled }

// IsBackend reports whether u targets the data API host.
func (cfg *Config) IsBackend(u *url.URL) bool {
	if u == nil || cfg.backendURL == nil {
		return false
	}
	return strings.EqualFold(u.Host, cfg.backendURL.Host)
}

// IsStatic reports whether the path matches one of the cache-first rules.
func (cfg *Config) IsStatic(u *url.URL) bool {
	if u == nil {
		return false
	}
	for _, m := range cfg.staticMatchers {
		if m.Match(u.Path) {
			return true
		}
	}
	return false
}

// originRef resolves an app-shell path against the configured origin.
func (cfg *Config) originRef(p string) string {
	return cfg.Server.Origin + p
}

type assetMatcher struct {
	Prefix string
	Ext    string
}

func (m assetMatcher) Match(p string) bool {
	if m.Prefix != "" {
		return strings.HasPrefix(p, m.Prefix)
	}
	return strings.EqualFold(path.Ext(p), m.Ext)
}

// parseMatch understands "PathPrefix(/a/)|Ext(.png|.svg)".
func parseMatch(expr string) ([]assetMatcher, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("empty match")
	}

	var out []assetMatcher
	for _, p := range splitTopLevel(expr) {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		switch {
		case strings.HasPrefix(p, "PathPrefix(") && strings.HasSuffix(p, ")"):
			inside := strings.TrimSpace(strings.TrimSuffix(strings.TrimPrefix(p, "PathPrefix("), ")"))
			if inside == "" || !strings.HasPrefix(inside, "/") {
				return nil, fmt.Errorf("invalid prefix %q", inside)
			}
			out = append(out, assetMatcher{Prefix: inside})
		case strings.HasPrefix(p, "Ext(") && strings.HasSuffix(p, ")"):
			inside := strings.TrimSuffix(strings.TrimPrefix(p, "Ext("), ")")
			for _, ext := range strings.Split(inside, "|") {
				ext = strings.TrimSpace(ext)
				if !strings.HasPrefix(ext, ".") || len(ext) < 2 {
					return nil, fmt.Errorf("invalid extension %q", ext)
				}
				out = append(out, assetMatcher{Ext: ext})
			}
		default:
			return nil, fmt.Errorf("only PathPrefix(...) and Ext(...) supported, got %q", p)
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("no valid matchers")
	}
	return out, nil
}

// splitTopLevel splits on '|' outside parentheses.
func splitTopLevel(s string) []string {
	var out []string
	depth, start := 0, 0
	for i, r := range s {
		switch r {
		case '(':
			depth++
		case ')':
			if depth > 0 {
				depth--
			}
		case '|':
			if depth == 0 {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	return append(out, s[start:])
}

func parseAbsURL(raw string) (*url.URL, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("absolute URL required, got %q", raw)
	}
	return u, nil
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if strings.TrimSpace(s) == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration")
	}
	return d, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func boolPtr(v bool) *bool { return &v }
