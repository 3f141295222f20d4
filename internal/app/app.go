// Package app assembles the scraper from configuration. Both binaries build
// through it so the HTTP server and the CLI run the same stack.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/maltedev/storefront-scraper/internal/antibot"
	"github.com/maltedev/storefront-scraper/internal/api"
	"github.com/maltedev/storefront-scraper/internal/artifacts"
	"github.com/maltedev/storefront-scraper/internal/browser"
	"github.com/maltedev/storefront-scraper/internal/config"
	"github.com/maltedev/storefront-scraper/internal/crawler"
	"github.com/maltedev/storefront-scraper/internal/database"
	"github.com/maltedev/storefront-scraper/internal/events"
	"github.com/maltedev/storefront-scraper/internal/extract"
	"github.com/maltedev/storefront-scraper/internal/fetch"
	"github.com/maltedev/storefront-scraper/internal/gate"
	"github.com/maltedev/storefront-scraper/internal/identity"
	"github.com/maltedev/storefront-scraper/internal/imageprobe"
	"github.com/maltedev/storefront-scraper/internal/parser"
	"github.com/maltedev/storefront-scraper/internal/ratelimit"
	"github.com/maltedev/storefront-scraper/internal/scrape"
	"github.com/maltedev/storefront-scraper/internal/session"
	"github.com/redis/go-redis/v9"
)

var detailWaitFor = []string{"script#__NEXT_DATA__", "h1"}

type App struct {
	Service   *scrape.Service
	Products  *database.ProductRepository
	Artifacts *artifacts.Store
	Relay     *database.Relay

	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// Build connects every collaborator. On error anything already opened is
// closed again.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *App, err error) {
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	canon, err := parser.NewCanonicalizer(cfg.Site.Origin)
	if err != nil {
		return nil, fmt.Errorf("failed to parse site origin: %w", err)
	}

	rotator, err := identity.NewRotator(cfg.Identity.UserAgents, cfg.Identity.Proxies)
	if err != nil {
		return nil, fmt.Errorf("failed to build identity pool: %w", err)
	}
	assistProxy, err := parseAssistProxy(cfg.Identity.AssistProxy)
	if err != nil {
		return nil, err
	}

	a.Artifacts, err = artifacts.NewStore(cfg.Storage.DataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		a.closers = append(a.closers, func() { _ = redisClient.Close() })

		if err := redisClient.Ping(ctx).Err(); err != nil {
			return nil, fmt.Errorf("failed to connect to redis: %w", err)
		}
	}

	sessions, err := openSessions(cfg.Session, redisClient)
	if err != nil {
		return nil, err
	}

	b, err := browser.New(browserOptions(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}
	a.closers = append(a.closers, func() { _ = b.Close() })

	fetcher := browser.NewFetcher(b, sessions, a.Artifacts, logger)

	chain := extract.NewChain(
		[]extract.Strategy{
			extract.NewStructuredStrategy(extract.DefaultStructuredPaths(), canon, logger),
			extract.NewDOMStrategy(extract.DefaultListingRules(), canon, logger),
		},
		extract.NewDetailExtractor(extract.DefaultDetailRules(), canon, logger),
		&extract.PageDetailFetcher{
			Fetcher:  fetcher,
			Identity: rotator.Next,
			Site:     cfg.Site.Key,
			WaitFor:  detailWaitFor,
			Timeout:  cfg.Browser.DetailWait,
		},
		cfg.Crawl.DetailWorkers,
		logger,
	)

	g := gate.New(canon, logger)
	detector := antibot.NewDetector()
	paginator := crawler.NewPaginator(canon, cfg.Site.SearchPath)

	c := crawler.New(crawler.Deps{
		Fetcher:   fetcher,
		Chain:     chain,
		Gate:      g,
		Detector:  detector,
		Identity:  rotator,
		Pacer:     ratelimit.NewAdaptiveLimiter(cfg.Crawl.SettleMin, cfg.Crawl.SettleMax),
		Paginator: paginator,
		Artifacts: a.Artifacts,
	}, crawlerOptions(cfg), logger)

	deps := scrape.Deps{
		Crawler:   c,
		Fetcher:   fetcher,
		Chain:     chain,
		Gate:      g,
		Detector:  detector,
		Paginator: paginator,
		Identity:  rotator,
		Sessions:  sessions,
	}

	if cfg.Database.Enabled {
		if err := a.openDatabase(ctx, redisClient, &deps); err != nil {
			return nil, err
		}
	}

	a.Service = scrape.NewService(deps, scrape.Options{
		DataDir:       cfg.Storage.DataDir,
		Timeout:       cfg.Crawl.Timeout,
		AssistTimeout: cfg.Browser.AssistWait,
		Site:          cfg.Site.Key,
		WaitFor:       crawler.DefaultOptions().WaitFor,
		AssistProxy:   assistProxy,
	}, logger)

	logger.Info("application built",
		"origin", cfg.Site.Origin,
		"session_backend", cfg.Session.Backend,
		"database", cfg.Database.Enabled,
		"redis", cfg.Redis.Enabled,
		"proxies", len(cfg.Identity.Proxies))
	return a, nil
}

func (a *App) openDatabase(ctx context.Context, redisClient *redis.Client, deps *scrape.Deps) error {
	cfg := a.cfg
	db, err := database.New(ctx, database.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.DBName,
		SSLMode:  cfg.Database.SSLMode,
		MaxConns: int32(cfg.Database.MaxConns),
	})
	if err != nil {
		return fmt.Errorf("failed to connect to database: %w", err)
	}
	a.closers = append(a.closers, db.Close)

	if err := db.EnsureSchema(ctx); err != nil {
		return err
	}

	userAgent := identity.DefaultUserAgents[0]
	if len(cfg.Identity.UserAgents) > 0 {
		userAgent = cfg.Identity.UserAgents[0]
	}
	a.Products = database.NewProductRepository(db, imageprobe.New(5*time.Second, userAgent, a.logger), a.logger)
	deps.Sink = a.Products

	outbox := database.NewOutboxRepository(db)
	deps.Publisher = events.NewPublisher(db, outbox, a.logger)

	if redisClient != nil {
		a.Relay = database.NewRelay(outbox, redisClient, a.logger, database.RelayConfig{
			PollInterval: cfg.Redis.RelayInterval,
			BatchSize:    cfg.Redis.RelayBatch,
		})
	}
	return nil
}

// Handler returns the HTTP API. Optional stores that were not configured are
// left out rather than passed as typed nils.
func (a *App) Handler() http.Handler {
	var products api.ProductLister
	if a.Products != nil {
		products = a.Products
	}
	var outbox api.OutboxStats
	if a.Relay != nil {
		outbox = a.Relay
	}

	h := api.NewHandlers(a.Service, products, a.Artifacts, outbox, a.logger)
	return api.NewRouter(h, api.RouterOptions{
		AllowedOrigins: a.cfg.Server.AllowedOrigins,
		RequestTimeout: requestTimeout(a.cfg),
	})
}

// StartRelay drains the outbox until ctx ends. It is a no-op without redis.
func (a *App) StartRelay(ctx context.Context) {
	if a.Relay == nil {
		return
	}
	go func() {
		if err := a.Relay.Start(ctx); err != nil && err != context.Canceled {
			a.logger.Error("relay stopped with error", "error", err)
		}
	}()
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func browserOptions(cfg *config.Config) *browser.Options {
	opts := browser.DefaultOptions()
	opts.Headless = cfg.Browser.Headless
	opts.Timeout = cfg.Browser.ListingWait
	opts.ViewportWidth = cfg.Browser.ViewportWidth
	opts.ViewportHeight = cfg.Browser.ViewportHeight
	opts.AcceptLanguage = cfg.Browser.AcceptLanguage
	opts.TimezoneID = cfg.Browser.TimezoneID
	opts.Locale = cfg.Browser.Locale
	opts.Humanize = cfg.Browser.Humanize
	opts.PerContextProxy = len(cfg.Identity.Proxies) > 0 || cfg.Identity.AssistProxy != ""
	return opts
}

func crawlerOptions(cfg *config.Config) crawler.Options {
	opts := crawler.DefaultOptions()
	opts.InitialPageBudget = cfg.Crawl.InitialPageBudget
	opts.PageBudgetStep = cfg.Crawl.PageBudgetStep
	opts.MaxAttempts = cfg.Crawl.MaxAttempts
	opts.MaxItemsPerPage = cfg.Crawl.MaxItemsPerPage
	opts.Site = cfg.Site.Key
	opts.ListingTimeout = cfg.Browser.ListingWait
	opts.PersistSession = cfg.Session.Persist
	return opts
}

func openSessions(cfg config.SessionConfig, client *redis.Client) (session.Store, error) {
	switch cfg.Backend {
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis session backend needs a redis connection")
		}
		return session.NewRedisStore(client, cfg.Prefix, cfg.TTL), nil
	default:
		store, err := session.NewFileStore(cfg.Dir)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
}

func parseAssistProxy(raw string) (*fetch.Proxy, error) {
	if raw == "" {
		return nil, nil
	}
	p, err := identity.ParseProxy(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid ASSIST_PROXY: %w", err)
	}
	return p, nil
}

// requestTimeout leaves headroom over the longest request, a crawl or an
// interactive session.
func requestTimeout(cfg *config.Config) time.Duration {
	longest := cfg.Crawl.Timeout
	if assist := cfg.Browser.AssistWait + cfg.Browser.AssistWait/2; assist > longest {
		longest = assist
	}
	return longest + time.Minute
}
