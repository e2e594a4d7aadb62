package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/product-scraper/internal/models"
)

var ErrProductNotFound = errors.New("product not found")

// ScrapedProduct is one row of scraped_products. The full record is kept
// as JSON next to the columns used for filtering.
type ScrapedProduct struct {
	ID                 uuid.UUID       `db:"id"`
	TaskID             string          `db:"task_id"`
	URL                string          `db:"url"`
	NormalizedURL      string          `db:"normalized_url"`
	Platform           string          `db:"platform"`
	DetectedPlatform   string          `db:"detected_platform"`
	PlatformConfidence float64         `db:"platform_confidence"`
	Title              string          `db:"title"`
	Brand              string          `db:"brand"`
	Price              *float64        `db:"price"`
	Currency           string          `db:"currency"`
	Availability       string          `db:"availability"`
	Rating             *float64        `db:"rating"`
	ReviewCount        *int            `db:"review_count"`
	ImageURLs          json.RawMessage `db:"image_urls"`
	Record             json.RawMessage `db:"record"`
	ScrapedAt          time.Time       `db:"scraped_at"`
	CreatedAt          time.Time       `db:"created_at"`
	UpdatedAt          time.Time       `db:"updated_at"`
}

// NewScrapedProduct flattens rec into a row.
func NewScrapedProduct(taskID, url, normalizedURL, detectedPlatform string, confidence float64, rec *models.ProductRecord) (*ScrapedProduct, error) {
	if rec == nil {
		return nil, errors.New("record is required")
	}
	record, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal record: %w", err)
	}
	images := rec.Images
	if images == nil {
		images = []string{}
	}
	imageURLs, err := json.Marshal(images)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image urls: %w", err)
	}

	p := &ScrapedProduct{
		ID:                 uuid.New(),
		TaskID:             taskID,
		URL:                url,
		NormalizedURL:      normalizedURL,
		Platform:           rec.Platform,
		DetectedPlatform:   detectedPlatform,
		PlatformConfidence: confidence,
		Title:              rec.Title,
		Brand:              rec.Brand,
		Availability:       rec.Availability,
		Rating:             rec.Rating,
		ReviewCount:        rec.ReviewCount,
		ImageURLs:          imageURLs,
		Record:             record,
		ScrapedAt:          rec.ExtractedAt,
	}
	if rec.Price != nil {
		amount := rec.Price.Amount
		p.Price = &amount
		p.Currency = rec.Price.Currency
	}
	if p.ScrapedAt.IsZero() {
		p.ScrapedAt = time.Now().UTC()
	}
	if p.DetectedPlatform == "" {
		p.DetectedPlatform = p.Platform
	}
	return p, nil
}

// DecodeRecord unmarshals the stored record.
func (p *ScrapedProduct) DecodeRecord() (*models.ProductRecord, error) {
	var rec models.ProductRecord
	if err := json.Unmarshal(p.Record, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode record: %w", err)
	}
	return &rec, nil
}

// ProductRepository handles scraped product persistence
type ProductRepository struct {
	db *DB
}

func NewProductRepository(db *DB) *ProductRepository {
	return &ProductRepository{db: db}
}

// UpsertWithTx inserts p or refreshes the row for the same normalized URL.
// p.ID and the timestamps are set from the stored row.
func (r *ProductRepository) UpsertWithTx(ctx context.Context, tx pgx.Tx, p *ScrapedProduct) error {
	if p.NormalizedURL == "" {
		return errors.New("normalized url is required")
	}
	if p.ID == uuid.Nil {
		p.ID = uuid.New()
	}

	query := `
		INSERT INTO scraped_products (
			id, task_id, url, normalized_url, platform, detected_platform,
			platform_confidence, title, brand, price, currency, availability,
			rating, review_count, image_urls, record, scraped_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17
		)
		ON CONFLICT (normalized_url) DO UPDATE SET
			task_id = EXCLUDED.task_id,
			url = EXCLUDED.url,
			platform = EXCLUDED.platform,
			detected_platform = EXCLUDED.detected_platform,
			platform_confidence = EXCLUDED.platform_confidence,
			title = EXCLUDED.title,
			brand = EXCLUDED.brand,
			price = EXCLUDED.price,
			currency = EXCLUDED.currency,
			availability = EXCLUDED.availability,
			rating = EXCLUDED.rating,
			review_count = EXCLUDED.review_count,
			image_urls = EXCLUDED.image_urls,
			record = EXCLUDED.record,
			scraped_at = EXCLUDED.scraped_at,
			updated_at = NOW()
		RETURNING id, created_at, updated_at`

	err := tx.QueryRow(ctx, query,
		p.ID, p.TaskID, p.URL, p.NormalizedURL, p.Platform, p.DetectedPlatform,
		p.PlatformConfidence, p.Title, p.Brand, p.Price, p.Currency, p.Availability,
		p.Rating, p.ReviewCount, p.ImageURLs, p.Record, p.ScrapedAt,
	).Scan(&p.ID, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert product: %w", err)
	}

	return nil
}

const productColumns = `
	id, task_id, url, normalized_url, platform, detected_platform,
	platform_confidence, COALESCE(title, ''), COALESCE(brand, ''), price,
	COALESCE(currency, ''), COALESCE(availability, ''), rating, review_count,
	image_urls, record, scraped_at, created_at, updated_at`

func scanProduct(row pgx.Row) (*ScrapedProduct, error) {
	p := &ScrapedProduct{}
	err := row.Scan(
		&p.ID, &p.TaskID, &p.URL, &p.NormalizedURL, &p.Platform, &p.DetectedPlatform,
		&p.PlatformConfidence, &p.Title, &p.Brand, &p.Price,
		&p.Currency, &p.Availability, &p.Rating, &p.ReviewCount,
		&p.ImageURLs, &p.Record, &p.ScrapedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// GetByURL returns the latest row for a normalized URL.
func (r *ProductRepository) GetByURL(ctx context.Context, normalizedURL string) (*ScrapedProduct, error) {
	query := `SELECT ` + productColumns + ` FROM scraped_products WHERE normalized_url = $1`

	p, err := scanProduct(r.db.pool.QueryRow(ctx, query, normalizedURL))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProductNotFound
		}
		return nil, fmt.Errorf("failed to get product: %w", err)
	}
	return p, nil
}

// ListRecent returns the newest rows, optionally for one platform.
func (r *ProductRepository) ListRecent(ctx context.Context, platform string, limit int) ([]*ScrapedProduct, error) {
	if limit <= 0 {
		limit = 50
	}

	query := `SELECT ` + productColumns + `
		FROM scraped_products
		WHERE ($1 = '' OR platform = $1)
		ORDER BY scraped_at DESC
		LIMIT $2`

	rows, err := r.db.pool.Query(ctx, query, platform, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list products: %w", err)
	}
	defer rows.Close()

	var products []*ScrapedProduct
	for rows.Next() {
		p, err := scanProduct(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan product: %w", err)
		}
		products = append(products, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating rows: %w", err)
	}

	return products, nil
}
