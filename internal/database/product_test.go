package database

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/product-scraper/internal/models"
)

func sampleRecord() *models.ProductRecord {
	rating := 4.5
	reviews := 120
	rec := models.NewProductRecord("shopify", "https://shop.example/products/trail-runner")
	rec.Title = "Trail Runner"
	rec.Brand = "Acme"
	rec.Price = &models.Price{Amount: 89.95, Currency: "EUR"}
	rec.Availability = "in stock"
	rec.Rating = &rating
	rec.ReviewCount = &reviews
	rec.Images = []string{"https://cdn.shop.example/1.jpg", "https://cdn.shop.example/2.jpg"}
	return rec
}

func TestNewScrapedProduct(t *testing.T) {
	rec := sampleRecord()

	p, err := NewScrapedProduct("task-1", rec.SourceURL, "https://shop.example/products/trail-runner", "shopify", 0.9, rec)
	require.NoError(t, err)

	assert.Equal(t, "task-1", p.TaskID)
	assert.Equal(t, "shopify", p.Platform)
	assert.Equal(t, "shopify", p.DetectedPlatform)
	assert.Equal(t, 0.9, p.PlatformConfidence)
	assert.Equal(t, "Trail Runner", p.Title)
	require.NotNil(t, p.Price)
	assert.Equal(t, 89.95, *p.Price)
	assert.Equal(t, "EUR", p.Currency)
	assert.Equal(t, rec.ExtractedAt, p.ScrapedAt)
	assert.JSONEq(t, `["https://cdn.shop.example/1.jpg","https://cdn.shop.example/2.jpg"]`, string(p.ImageURLs))

	decoded, err := p.DecodeRecord()
	require.NoError(t, err)
	assert.Equal(t, rec.Title, decoded.Title)
	assert.Equal(t, rec.Images, decoded.Images)
}

func TestNewScrapedProduct_Defaults(t *testing.T) {
	rec := models.NewProductRecord(models.GenericPlatform, "https://jd.example/item/1")
	rec.Title = "Phone"
	rec.Images = nil
	rec.ExtractedAt = time.Time{}

	p, err := NewScrapedProduct("task-2", rec.SourceURL, rec.SourceURL, "", 0, rec)
	require.NoError(t, err)

	assert.Nil(t, p.Price)
	assert.Empty(t, p.Currency)
	assert.Equal(t, models.GenericPlatform, p.DetectedPlatform)
	assert.False(t, p.ScrapedAt.IsZero())
	assert.JSONEq(t, `[]`, string(p.ImageURLs))

	_, err = NewScrapedProduct("task-3", "u", "u", "", 0, nil)
	assert.Error(t, err)
}

func TestProductRepository_Upsert(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	repo := NewProductRepository(db)
	rec := sampleRecord()
	normalized := "https://shop.example/products/trail-runner"

	first, err := NewScrapedProduct("task-1", rec.SourceURL, normalized, "shopify", 0.9, rec)
	require.NoError(t, err)
	require.NoError(t, db.Transaction(ctx, func(tx pgx.Tx) error {
		return repo.UpsertWithTx(ctx, tx, first)
	}))

	rec.Price = &models.Price{Amount: 79.95, Currency: "EUR"}
	second, err := NewScrapedProduct("task-2", rec.SourceURL, normalized, "shopify", 0.9, rec)
	require.NoError(t, err)
	require.NoError(t, db.Transaction(ctx, func(tx pgx.Tx) error {
		return repo.UpsertWithTx(ctx, tx, second)
	}))

	assert.Equal(t, first.ID, second.ID, "same normalized url keeps one row")

	stored, err := repo.GetByURL(ctx, normalized)
	require.NoError(t, err)
	assert.Equal(t, "task-2", stored.TaskID)
	require.NotNil(t, stored.Price)
	assert.Equal(t, 79.95, *stored.Price)

	var images []string
	require.NoError(t, json.Unmarshal(stored.ImageURLs, &images))
	assert.Len(t, images, 2)

	list, err := repo.ListRecent(ctx, "shopify", 10)
	require.NoError(t, err)
	assert.Len(t, list, 1)

	_, err = repo.GetByURL(ctx, "https://shop.example/missing")
	assert.ErrorIs(t, err, ErrProductNotFound)
}
