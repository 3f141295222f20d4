package database

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/maltedev/storefront-scraper/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_DSN(t *testing.T) {
	cfg := Config{Host: "db", Port: 5433, User: "scraper", Password: "p@ss:word", Database: "products"}
	assert.Equal(t, "postgres://scraper:p%40ss%3Aword@db:5433/products?sslmode=disable", cfg.DSN())

	cfg.SSLMode = "require"
	assert.Contains(t, cfg.DSN(), "sslmode=require")
}

func TestClampLimit(t *testing.T) {
	assert.Equal(t, DefaultListLimit, ClampLimit(0))
	assert.Equal(t, DefaultListLimit, ClampLimit(-3))
	assert.Equal(t, 20, ClampLimit(20))
	assert.Equal(t, MaxListLimit, ClampLimit(10_000))
}

type fixedSizer map[string]int

func (f fixedSizer) Sizes(_ context.Context, urls []string) map[string]int {
	out := make(map[string]int, len(urls))
	for _, u := range urls {
		out[u] = f[u]
	}
	return out
}

func productRecord(link, name string, price float64) models.ProductRecord {
	return models.ProductRecord{
		Name:      name,
		Price:     price,
		Image:     link + "/main.jpg",
		Images:    []string{link + "/main.jpg", link + "/alt.jpg"},
		Link:      link,
		Source:    models.SourceDOM,
		ScrapedAt: time.Now().UTC(),
	}
}

func TestProductRepository_Upsert(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	link := "https://www.example.com/ip/1"
	repo := NewProductRepository(db, fixedSizer{link + "/main.jpg": 120}, slog.Default())

	first, err := repo.UpsertProducts(ctx, []models.ProductRecord{productRecord(link, "Wallet", 9.99)}, "wallet")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, models.SaveCreated, first[0].Action)
	assert.True(t, first[0].IsComplete)

	sparse := productRecord(link, "", 12.5)
	sparse.Image = ""
	sparse.Images = nil
	second, err := repo.UpsertProducts(ctx, []models.ProductRecord{sparse}, "wallet")
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, models.SaveUpdated, second[0].Action)
	assert.Equal(t, first[0].ID, second[0].ID)
	assert.True(t, second[0].IsComplete)

	products, err := repo.ListProducts(ctx, 10, "WALL")
	require.NoError(t, err)
	require.Len(t, products, 1)
	assert.Equal(t, "Wallet", products[0].Name)
	assert.Equal(t, link+"/main.jpg", products[0].Image)
	require.NotNil(t, products[0].Price)
	assert.InDelta(t, 12.5, *products[0].Price, 0.001)

	var sizeKB int
	err = db.QueryRow(ctx, `SELECT size_kb FROM image_urls WHERE url = $1`, link+"/main.jpg").Scan(&sizeKB)
	require.NoError(t, err)
	assert.Equal(t, 120, sizeKB)

	none, err := repo.ListProducts(ctx, 10, "sofa")
	require.NoError(t, err)
	assert.Empty(t, none)

	all, err := repo.AllProducts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestProductRepository_UpsertEmpty(t *testing.T) {
	repo := NewProductRepository(nil, nil, slog.Default())
	results, err := repo.UpsertProducts(context.Background(), nil, "wallet")
	require.NoError(t, err)
	assert.Nil(t, results)
}
