package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/product-scraper/internal/database"
	"github.com/maltedev/product-scraper/internal/models"
	"github.com/maltedev/product-scraper/internal/scheduler"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypeProductExtracted is published for every freshly extracted record
	EventTypeProductExtracted EventType = "PRODUCT_EXTRACTED"

	aggregateType = "product"
	payloadSource = "scraper"
)

// ProductExtractedPayload is the PRODUCT_EXTRACTED event body. Images
// carries every image URL so downstream consumers can fetch them without
// reading the products table.
type ProductExtractedPayload struct {
	EventID            string        `json:"event_id"`
	EventType          string        `json:"event_type"`
	Timestamp          time.Time     `json:"timestamp"`
	TaskID             string        `json:"task_id"`
	URL                string        `json:"url"`
	NormalizedURL      string        `json:"normalized_url"`
	Platform           string        `json:"platform"`
	DetectedPlatform   string        `json:"detected_platform"`
	PlatformConfidence float64       `json:"platform_confidence"`
	Title              string        `json:"title,omitempty"`
	Brand              string        `json:"brand,omitempty"`
	SKU                string        `json:"sku,omitempty"`
	Price              *models.Price `json:"price,omitempty"`
	Availability       string        `json:"availability,omitempty"`
	Rating             *float64      `json:"rating,omitempty"`
	ReviewCount        *int          `json:"review_count,omitempty"`
	Images             []string      `json:"images"`
	Source             string        `json:"source"`
}

type txRunner interface {
	Transaction(ctx context.Context, fn func(pgx.Tx) error) error
}

type outboxWriter interface {
	InsertWithTx(ctx context.Context, tx pgx.Tx, event *database.OutboxEvent) error
}

type productWriter interface {
	UpsertWithTx(ctx context.Context, tx pgx.Tx, p *database.ScrapedProduct) error
}

// Publisher persists extracted products and their events using the
// transactional outbox pattern.
type Publisher struct {
	db       txRunner
	products productWriter
	outbox   outboxWriter
	stream   string
	logger   *slog.Logger
}

// NewPublisher creates a new event publisher with database connection
func NewPublisher(db *database.DB, stream string, logger *slog.Logger) *Publisher {
	return newPublisher(db, database.NewProductRepository(db), database.NewOutboxRepository(db), stream, logger)
}

func newPublisher(db txRunner, products productWriter, outbox outboxWriter, stream string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	if stream == "" {
		stream = database.DefaultTargetStream
	}
	return &Publisher{
		db:       db,
		products: products,
		outbox:   outbox,
		stream:   stream,
		logger:   logger.With("component", "event_publisher"),
	}
}

// RecordProduct stores the row and queues a PRODUCT_EXTRACTED event in one
// transaction.
func (p *Publisher) RecordProduct(ctx context.Context, snap scheduler.Snapshot) error {
	if snap.Record == nil {
		return errors.New("snapshot has no record")
	}

	row, err := database.NewScrapedProduct(snap.ID, snap.URL, snap.NormalizedURL, snap.Platform, snap.Confidence, snap.Record)
	if err != nil {
		return err
	}

	payload := newPayload(snap)
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	outboxEvent := &database.OutboxEvent{
		AggregateType: aggregateType,
		AggregateID:   snap.NormalizedURL,
		EventType:     string(EventTypeProductExtracted),
		Payload:       data,
		TargetStream:  p.stream,
	}

	err = p.db.Transaction(ctx, func(tx pgx.Tx) error {
		if err := p.products.UpsertWithTx(ctx, tx, row); err != nil {
			return err
		}
		return p.outbox.InsertWithTx(ctx, tx, outboxEvent)
	})
	if err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	p.logger.Info("product recorded",
		"task_id", snap.ID,
		"event_id", payload.EventID,
		"product_id", row.ID,
		"platform", payload.Platform,
		"images", len(payload.Images),
		"outbox_id", outboxEvent.ID)

	return nil
}

func newPayload(snap scheduler.Snapshot) *ProductExtractedPayload {
	rec := snap.Record
	images := append([]string{}, rec.Images...)

	payload := &ProductExtractedPayload{
		EventID:            uuid.New().String(),
		EventType:          string(EventTypeProductExtracted),
		Timestamp:          time.Now().UTC(),
		TaskID:             snap.ID,
		URL:                snap.URL,
		NormalizedURL:      snap.NormalizedURL,
		Platform:           rec.Platform,
		DetectedPlatform:   snap.Platform,
		PlatformConfidence: snap.Confidence,
		Title:              rec.Title,
		Brand:              rec.Brand,
		SKU:                rec.SKU,
		Availability:       rec.Availability,
		Rating:             rec.Rating,
		ReviewCount:        rec.ReviewCount,
		Images:             images,
		Source:             payloadSource,
	}
	if rec.Price != nil {
		price := *rec.Price
		payload.Price = &price
	}
	if payload.DetectedPlatform == "" {
		payload.DetectedPlatform = rec.Platform
	}
	return payload
}
