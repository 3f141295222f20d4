package api

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/maltedev/storefront-scraper/internal/artifacts"
	"github.com/maltedev/storefront-scraper/internal/database"
	"github.com/maltedev/storefront-scraper/internal/models"
	"github.com/maltedev/storefront-scraper/internal/scrape"
)

// ScrapeService runs crawl and assist requests.
type ScrapeService interface {
	Scrape(ctx context.Context, req scrape.CrawlRequest) (*scrape.CrawlResponse, error)
	Assist(ctx context.Context, req scrape.AssistRequest) (*scrape.CrawlResponse, error)
}

// ProductLister reads stored products.
type ProductLister interface {
	ListProducts(ctx context.Context, limit int, query string) ([]models.StoredProduct, error)
	AllProducts(ctx context.Context) ([]models.StoredProduct, error)
}

// ArtifactResolver maps a debug file name to a path.
type ArtifactResolver interface {
	Resolve(name string) (string, error)
}

// OutboxStats reports relay backlog for the health endpoint.
type OutboxStats interface {
	PendingCount(ctx context.Context) (int64, error)
	DeadLetterCount(ctx context.Context) (int64, error)
}

type Handlers struct {
	scraper   ScrapeService
	products  ProductLister
	artifacts ArtifactResolver
	outbox    OutboxStats
	validate  *validator.Validate
	logger    *slog.Logger
}

// NewHandlers wires the handlers. products and outbox may be nil when no
// database is configured.
func NewHandlers(scraper ScrapeService, products ProductLister, artifacts ArtifactResolver, outbox OutboxStats, logger *slog.Logger) *Handlers {
	return &Handlers{
		scraper:   scraper,
		products:  products,
		artifacts: artifacts,
		outbox:    outbox,
		validate:  validator.New(),
		logger:    logger.With("component", "api"),
	}
}

// ScrapeRequest is accepted as JSON or as form fields.
type ScrapeRequest struct {
	SearchTerm  string   `json:"search_term" validate:"required,max=200"`
	NumProducts int      `json:"num_products" validate:"gte=0"`
	MinPrice    *float64 `json:"min_price" validate:"omitempty,gte=0"`
	MaxPrice    *float64 `json:"max_price" validate:"omitempty,gte=0"`
	Debug       bool     `json:"debug"`
}

type AssistRequest struct {
	SearchTerm  string `json:"search_term" validate:"required,max=200"`
	NumProducts int    `json:"num_products" validate:"gte=0"`
	Proxy       string `json:"proxy" validate:"omitempty,max=500"`
}

type ProductsResponse struct {
	Count    int                    `json:"count"`
	Products []models.StoredProduct `json:"products"`
}

func (h *Handlers) Scrape(w http.ResponseWriter, r *http.Request) {
	var req ScrapeRequest
	if err := decodeRequest(r, &req, scrapeForm); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.SearchTerm = strings.TrimSpace(req.SearchTerm)
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	resp, err := h.scraper.Scrape(r.Context(), scrape.CrawlRequest{
		SearchTerm:  req.SearchTerm,
		NumProducts: req.NumProducts,
		MinPrice:    req.MinPrice,
		MaxPrice:    req.MaxPrice,
		Debug:       req.Debug,
	})
	if err != nil {
		h.respondScrapeError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) Assist(w http.ResponseWriter, r *http.Request) {
	var req AssistRequest
	if err := decodeRequest(r, &req, assistForm); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.SearchTerm = strings.TrimSpace(req.SearchTerm)
	if err := h.validate.Struct(req); err != nil {
		h.respondError(w, http.StatusBadRequest, validationMessage(err))
		return
	}

	resp, err := h.scraper.Assist(r.Context(), scrape.AssistRequest{
		SearchTerm:  req.SearchTerm,
		NumProducts: req.NumProducts,
		Proxy:       req.Proxy,
	})
	if err != nil {
		h.respondScrapeError(w, err)
		return
	}
	h.respondJSON(w, http.StatusOK, resp)
}

func (h *Handlers) DebugArtifact(w http.ResponseWriter, r *http.Request) {
	if h.artifacts == nil {
		h.respondError(w, http.StatusNotFound, "not found")
		return
	}
	path, err := h.artifacts.Resolve(chi.URLParam(r, "filename"))
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			h.respondError(w, http.StatusNotFound, "not found")
			return
		}
		h.logger.Error("failed to resolve artifact", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to read artifact")
		return
	}
	http.ServeFile(w, r, path)
}

func (h *Handlers) ListProducts(w http.ResponseWriter, r *http.Request) {
	if h.products == nil {
		h.respondError(w, http.StatusServiceUnavailable, "product store not configured")
		return
	}
	limit, err := strconv.Atoi(r.URL.Query().Get("limit"))
	if err != nil {
		limit = database.DefaultListLimit
	}

	products, err := h.products.ListProducts(r.Context(), database.ClampLimit(limit), r.URL.Query().Get("q"))
	if err != nil {
		h.logger.Error("failed to list products", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list products")
		return
	}
	if products == nil {
		products = []models.StoredProduct{}
	}
	h.respondJSON(w, http.StatusOK, ProductsResponse{Count: len(products), Products: products})
}

func (h *Handlers) DownloadCSV(w http.ResponseWriter, r *http.Request) {
	if h.products == nil {
		h.respondError(w, http.StatusServiceUnavailable, "product store not configured")
		return
	}
	products, err := h.products.AllProducts(r.Context())
	if err != nil {
		h.logger.Error("failed to load products", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to load products")
		return
	}
	if len(products) == 0 {
		h.respondError(w, http.StatusNotFound, "no products")
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="products.csv"`)
	w.WriteHeader(http.StatusOK)

	cw := csv.NewWriter(w)
	_ = cw.Write([]string{"id", "name", "price", "link", "image", "scraped_at"})
	for _, p := range products {
		price := ""
		if p.Price != nil {
			price = strconv.FormatFloat(*p.Price, 'f', 2, 64)
		}
		_ = cw.Write([]string{
			strconv.FormatInt(p.ID, 10),
			p.Name,
			price,
			p.Link,
			p.Image,
			p.ScrapedAt.UTC().Format(time.RFC3339),
		})
	}
	cw.Flush()
	if err := cw.Error(); err != nil {
		h.logger.Error("failed to write csv", "error", err)
	}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	status := http.StatusOK

	if h.outbox != nil {
		pending, _ := h.outbox.PendingCount(r.Context())
		dead, _ := h.outbox.DeadLetterCount(r.Context())
		health["outbox"] = map[string]int64{"pending": pending, "dead_letter": dead}

		if pending > 1000 {
			health["status"] = "warning"
			health["message"] = "high number of pending outbox events"
		}
		if dead > 100 {
			health["status"] = "error"
			health["message"] = "high number of dead letter events"
			status = http.StatusServiceUnavailable
		}
	}
	h.respondJSON(w, status, health)
}

func (h *Handlers) respondScrapeError(w http.ResponseWriter, err error) {
	var failed *scrape.FailedError
	switch {
	case errors.Is(err, scrape.ErrInvalidInput):
		h.respondError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, scrape.ErrTimedOut):
		h.respondError(w, http.StatusGatewayTimeout, "timed out")
	case errors.Is(err, scrape.ErrOutputMissing):
		h.respondError(w, http.StatusInternalServerError, "output missing")
	case errors.As(err, &failed):
		h.logger.Error("scrape failed", "error", err)
		h.respondJSON(w, http.StatusInternalServerError, map[string]string{
			"error":  "scrape failed",
			"detail": failed.Detail,
		})
	default:
		h.logger.Error("request failed", "error", err)
		h.respondError(w, http.StatusInternalServerError, "scrape failed")
	}
}

func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid request"
	}
	fe := verrs[0]
	field := toSnake(fe.Field())
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "gte":
		return field + " must be at least " + fe.Param()
	case "max":
		return field + " is too long"
	default:
		return field + " is invalid"
	}
}

func toSnake(s string) string {
	var b strings.Builder
	for i, r := range s {
		if r >= 'A' && r <= 'Z' {
			if i > 0 {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		b.WriteRune(r)
	}
	return b.String()
}
