package config

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Server   ServerConfig
	Site     SiteConfig
	Crawl    CrawlConfig
	Browser  BrowserConfig
	Identity IdentityConfig
	Session  SessionConfig
	Storage  StorageConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Logging  LoggingConfig
}

type ServerConfig struct {
	Port            string
	Host            string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
	AllowedOrigins  []string
}

type SiteConfig struct {
	Origin     string
	SearchPath string
	// Key names the persisted session for this site.
	Key string
}

type CrawlConfig struct {
	InitialPageBudget int
	PageBudgetStep    int
	MaxAttempts       int
	MaxItemsPerPage   int
	DetailWorkers     int
	SettleMin         time.Duration
	SettleMax         time.Duration
	Timeout           time.Duration
}

type BrowserConfig struct {
	Headless       bool
	ViewportWidth  int
	ViewportHeight int
	AcceptLanguage string
	TimezoneID     string
	Locale         string
	Humanize       bool
	ListingWait    time.Duration
	DetailWait     time.Duration
	AssistWait     time.Duration
}

type IdentityConfig struct {
	UserAgents  []string
	Proxies     []string
	AssistProxy string
}

type SessionConfig struct {
	Backend string
	Dir     string
	Prefix  string
	TTL     time.Duration
	Persist bool
}

type StorageConfig struct {
	DataDir string
}

type DatabaseConfig struct {
	Enabled  bool
	Host     string
	Port     int
	User     string
	Password string
	DBName   string
	SSLMode  string
	MaxConns int
}

type RedisConfig struct {
	Enabled       bool
	Addr          string
	Password      string
	DB            int
	RelayInterval time.Duration
	RelayBatch    int
}

type LoggingConfig struct {
	Level  string
	Format string
}

// Load reads .env (if present) and then the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            getEnvOrDefault("SERVER_PORT", "8080"),
			Host:            getEnvOrDefault("SERVER_HOST", "0.0.0.0"),
			ReadTimeout:     getDurationOrDefault("SERVER_READ_TIMEOUT", 30*time.Second),
			WriteTimeout:    getDurationOrDefault("SERVER_WRITE_TIMEOUT", 11*time.Minute),
			ShutdownTimeout: getDurationOrDefault("SERVER_SHUTDOWN_TIMEOUT", 10*time.Second),
			AllowedOrigins:  getStringSliceOrDefault("CORS_ALLOWED_ORIGINS", []string{"http://localhost:*", "https://localhost:*"}),
		},
		Site: SiteConfig{
			Origin:     getEnvOrDefault("SITE_ORIGIN", "https://www.example.com"),
			SearchPath: getEnvOrDefault("SITE_SEARCH_PATH", "/search"),
			Key:        getEnvOrDefault("SITE_KEY", "default"),
		},
		Crawl: CrawlConfig{
			InitialPageBudget: getIntOrDefault("CRAWL_INITIAL_PAGE_BUDGET", 8),
			PageBudgetStep:    getIntOrDefault("CRAWL_PAGE_BUDGET_STEP", 4),
			MaxAttempts:       getIntOrDefault("CRAWL_MAX_ATTEMPTS", 3),
			MaxItemsPerPage:   getIntOrDefault("CRAWL_MAX_ITEMS_PER_PAGE", 0),
			DetailWorkers:     getIntOrDefault("CRAWL_DETAIL_WORKERS", 3),
			SettleMin:         getDurationOrDefault("CRAWL_SETTLE_MIN", 2*time.Second),
			SettleMax:         getDurationOrDefault("CRAWL_SETTLE_MAX", 5*time.Second),
			Timeout:           getDurationOrDefault("CRAWL_TIMEOUT", 600*time.Second),
		},
		Browser: BrowserConfig{
			Headless:       getBoolOrDefault("BROWSER_HEADLESS", true),
			ViewportWidth:  getIntOrDefault("BROWSER_VIEWPORT_WIDTH", 1920),
			ViewportHeight: getIntOrDefault("BROWSER_VIEWPORT_HEIGHT", 1080),
			AcceptLanguage: getEnvOrDefault("BROWSER_ACCEPT_LANGUAGE", "en-US,en;q=0.9"),
			TimezoneID:     getEnvOrDefault("BROWSER_TIMEZONE", "America/New_York"),
			Locale:         getEnvOrDefault("BROWSER_LOCALE", "en-US"),
			Humanize:       getBoolOrDefault("BROWSER_HUMANIZE", true),
			ListingWait:    getDurationOrDefault("BROWSER_LISTING_WAIT", 30*time.Second),
			DetailWait:     getDurationOrDefault("BROWSER_DETAIL_WAIT", 20*time.Second),
			AssistWait:     getDurationOrDefault("BROWSER_ASSIST_WAIT", 300*time.Second),
		},
		Identity: IdentityConfig{
			UserAgents:  getStringSliceOrDefault("SCRAPER_USER_AGENTS", nil),
			Proxies:     getStringSliceOrDefault("SCRAPER_PROXIES", getStringSliceOrDefault("PROXY_LIST", nil)),
			AssistProxy: getEnvOrDefault("ASSIST_PROXY", ""),
		},
		Session: SessionConfig{
			Backend: getEnvOrDefault("SESSION_BACKEND", "file"),
			Dir:     getEnvOrDefault("SESSION_DIR", "data/sessions"),
			Prefix:  getEnvOrDefault("SESSION_REDIS_PREFIX", "scraper:session:"),
			TTL:     getDurationOrDefault("SESSION_TTL", 0),
			Persist: getBoolOrDefault("SESSION_PERSIST", true),
		},
		Storage: StorageConfig{
			DataDir: getEnvOrDefault("DATA_DIR", "data"),
		},
		Database: DatabaseConfig{
			Enabled:  getBoolOrDefault("DB_ENABLED", true),
			Host:     getEnvOrDefault("DB_HOST", "localhost"),
			Port:     getIntOrDefault("DB_PORT", 5432),
			User:     getEnvOrDefault("DB_USER", "postgres"),
			Password: getEnvOrDefault("DB_PASSWORD", ""),
			DBName:   getEnvOrDefault("DB_NAME", "storefront_scraper"),
			SSLMode:  getEnvOrDefault("DB_SSL_MODE", "disable"),
			MaxConns: getIntOrDefault("DB_MAX_CONNS", 10),
		},
		Redis: RedisConfig{
			Enabled:       getBoolOrDefault("REDIS_ENABLED", true),
			Addr:          getEnvOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:      getEnvOrDefault("REDIS_PASSWORD", ""),
			DB:            getIntOrDefault("REDIS_DB", 0),
			RelayInterval: getDurationOrDefault("OUTBOX_POLL_INTERVAL", 5*time.Second),
			RelayBatch:    getIntOrDefault("OUTBOX_BATCH_SIZE", 100),
		},
		Logging: LoggingConfig{
			Level:  getEnvOrDefault("LOG_LEVEL", "info"),
			Format: getEnvOrDefault("LOG_FORMAT", "json"),
		},
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	u, err := url.Parse(c.Site.Origin)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("SITE_ORIGIN must be an absolute URL, got %q", c.Site.Origin)
	}

	if c.Crawl.InitialPageBudget < 1 {
		return fmt.Errorf("CRAWL_INITIAL_PAGE_BUDGET must be at least 1")
	}

	if c.Crawl.PageBudgetStep < 0 {
		return fmt.Errorf("CRAWL_PAGE_BUDGET_STEP cannot be negative")
	}

	if c.Crawl.MaxAttempts < 1 {
		return fmt.Errorf("CRAWL_MAX_ATTEMPTS must be at least 1")
	}

	if c.Crawl.DetailWorkers < 1 {
		return fmt.Errorf("CRAWL_DETAIL_WORKERS must be at least 1")
	}

	if c.Crawl.SettleMin > c.Crawl.SettleMax {
		return fmt.Errorf("CRAWL_SETTLE_MIN cannot be greater than CRAWL_SETTLE_MAX")
	}

	switch c.Session.Backend {
	case "file":
	case "redis":
		if !c.Redis.Enabled {
			return fmt.Errorf("SESSION_BACKEND=redis requires REDIS_ENABLED")
		}
	default:
		return fmt.Errorf("SESSION_BACKEND must be file or redis, got %q", c.Session.Backend)
	}

	if c.Database.Enabled && c.Database.DBName == "" {
		return fmt.Errorf("DB_NAME is required when the database is enabled")
	}

	return nil
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntOrDefault(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getBoolOrDefault(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getDurationOrDefault(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getStringSliceOrDefault splits on commas and drops blank entries.
func getStringSliceOrDefault(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
