package database

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/maltedev/storefront-scraper/internal/models"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 500
)

// ImageSizer reports image sizes in KB keyed by URL.
type ImageSizer interface {
	Sizes(ctx context.Context, urls []string) map[string]int
}

// ProductRepository is the result sink: products keyed by canonical link.
type ProductRepository struct {
	db     *DB
	images ImageSizer
	logger *slog.Logger
}

// NewProductRepository creates the repository. A nil sizer stores sizes as 0.
func NewProductRepository(db *DB, images ImageSizer, logger *slog.Logger) *ProductRepository {
	return &ProductRepository{
		db:     db,
		images: images,
		logger: logger.With("component", "product_repository"),
	}
}

// Known values are never replaced by empty ones, so a re-upsert of a sparser
// record keeps what an earlier run found.
const upsertProductSQL = `
	INSERT INTO products (
		name, price, image, link, shipping, description,
		search_term, source, is_complete, scraped_at
	) VALUES (
		$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
	)
	ON CONFLICT (link) DO UPDATE SET
		name        = COALESCE(NULLIF(EXCLUDED.name, ''), products.name),
		price       = COALESCE(EXCLUDED.price, products.price),
		image       = COALESCE(NULLIF(EXCLUDED.image, ''), products.image),
		shipping    = COALESCE(NULLIF(EXCLUDED.shipping, ''), products.shipping),
		description = COALESCE(NULLIF(EXCLUDED.description, ''), products.description),
		search_term = COALESCE(NULLIF(EXCLUDED.search_term, ''), products.search_term),
		source      = EXCLUDED.source,
		is_complete = products.is_complete OR EXCLUDED.is_complete,
		scraped_at  = EXCLUDED.scraped_at,
		updated_at  = NOW()
	RETURNING id, is_complete, (xmax = 0) AS inserted`

const upsertImageSQL = `
	INSERT INTO image_urls (product_id, url, size_kb, position)
	VALUES ($1, $2, $3, $4)
	ON CONFLICT (product_id, url) DO UPDATE SET
		size_kb  = GREATEST(image_urls.size_kb, EXCLUDED.size_kb),
		position = EXCLUDED.position`

// UpsertProducts writes records in one transaction and reports, per record,
// whether a row was created or updated. Re-upserting a link updates its row.
func (r *ProductRepository) UpsertProducts(ctx context.Context, records []models.ProductRecord, searchTerm string) ([]models.SaveResult, error) {
	if len(records) == 0 {
		return nil, nil
	}

	sizes := r.probeImages(ctx, records)
	results := make([]models.SaveResult, 0, len(records))

	err := r.db.Transaction(ctx, func(tx pgx.Tx) error {
		for _, rec := range records {
			res, err := upsertOne(ctx, tx, rec, searchTerm, sizes)
			if err != nil {
				return err
			}
			results = append(results, res)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrPersistence, err)
	}

	created := 0
	for _, res := range results {
		if res.Action == models.SaveCreated {
			created++
		}
	}
	r.logger.Info("products upserted",
		"search_term", searchTerm,
		"count", len(results),
		"created", created,
		"updated", len(results)-created)

	return results, nil
}

func upsertOne(ctx context.Context, tx pgx.Tx, rec models.ProductRecord, searchTerm string, sizes map[string]int) (models.SaveResult, error) {
	if rec.Link == "" {
		return models.SaveResult{}, fmt.Errorf("record %q has no link", rec.Name)
	}
	term := rec.SearchTerm
	if term == "" {
		term = searchTerm
	}
	complete := rec.Name != "" && rec.Image != "" && rec.Link != ""

	res := models.SaveResult{Link: rec.Link}
	var inserted bool
	err := tx.QueryRow(ctx, upsertProductSQL,
		rec.Name, rec.Price, rec.Image, rec.Link, rec.Shipping, rec.Description,
		term, string(rec.Source), complete, rec.ScrapedAt,
	).Scan(&res.ID, &res.IsComplete, &inserted)
	if err != nil {
		return models.SaveResult{}, fmt.Errorf("failed to upsert product %s: %w", rec.Link, err)
	}

	res.Action = models.SaveUpdated
	if inserted {
		res.Action = models.SaveCreated
	}

	for pos, u := range rec.ImageURLs() {
		if _, err := tx.Exec(ctx, upsertImageSQL, res.ID, u, sizes[u], pos); err != nil {
			return models.SaveResult{}, fmt.Errorf("failed to upsert image %s: %w", u, err)
		}
	}
	return res, nil
}

// probeImages runs before the transaction so no network wait holds a connection.
func (r *ProductRepository) probeImages(ctx context.Context, records []models.ProductRecord) map[string]int {
	if r.images == nil {
		return map[string]int{}
	}
	var urls []string
	for i := range records {
		urls = append(urls, records[i].ImageURLs()...)
	}
	return r.images.Sizes(ctx, urls)
}

// ClampLimit applies the listing default and cap.
func ClampLimit(limit int) int {
	switch {
	case limit <= 0:
		return DefaultListLimit
	case limit > MaxListLimit:
		return MaxListLimit
	default:
		return limit
	}
}

const productColumns = `id, name, price, image, link, shipping, description, search_term, is_complete, scraped_at`

// ListProducts returns the newest products, optionally filtered by a
// case-insensitive name match.
func (r *ProductRepository) ListProducts(ctx context.Context, limit int, query string) ([]models.StoredProduct, error) {
	query = strings.TrimSpace(query)
	sql := `SELECT ` + productColumns + ` FROM products
		WHERE ($2 = '' OR name ILIKE '%' || $2 || '%')
		ORDER BY scraped_at DESC, id DESC
		LIMIT $1`

	rows, err := r.db.pool.Query(ctx, sql, ClampLimit(limit), query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to list products: %w", ErrPersistence, err)
	}
	return scanProducts(rows)
}

// AllProducts returns every product in id order.
func (r *ProductRepository) AllProducts(ctx context.Context) ([]models.StoredProduct, error) {
	rows, err := r.db.pool.Query(ctx, `SELECT `+productColumns+` FROM products ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load products: %w", ErrPersistence, err)
	}
	return scanProducts(rows)
}

func scanProducts(rows pgx.Rows) ([]models.StoredProduct, error) {
	defer rows.Close()

	var products []models.StoredProduct
	for rows.Next() {
		var p models.StoredProduct
		if err := rows.Scan(
			&p.ID, &p.Name, &p.Price, &p.Image, &p.Link, &p.Shipping,
			&p.Description, &p.SearchTerm, &p.IsComplete, &p.ScrapedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}
	return products, nil
}
