package models

import (
	"time"
)

// GenericPlatform is the platform id used when no signature matched.
const GenericPlatform = "generic"

type ProductRecord struct {
	Title          string            `json:"title,omitempty"`
	Price          *Price            `json:"price,omitempty"`
	Description    string            `json:"description,omitempty"`
	Images         []string          `json:"images"`
	Availability   string            `json:"availability,omitempty"`
	Rating         *float64          `json:"rating,omitempty"`
	ReviewCount    *int              `json:"review_count,omitempty"`
	Seller         string            `json:"seller,omitempty"`
	Brand          string            `json:"brand,omitempty"`
	SKU            string            `json:"sku,omitempty"`
	Category       string            `json:"category,omitempty"`
	Specifications map[string]string `json:"specifications"`
	RawData        map[string]any    `json:"raw_data,omitempty"`

	Platform    string    `json:"platform"`
	SourceURL   string    `json:"source_url"`
	ExtractedAt time.Time `json:"extracted_at"`
}

type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency,omitempty"`
}

func NewProductRecord(platform, sourceURL string) *ProductRecord {
	return &ProductRecord{
		Images:         make([]string, 0),
		Specifications: make(map[string]string),
		Platform:       platform,
		SourceURL:      sourceURL,
		ExtractedAt:    time.Now().UTC(),
	}
}

func (p *Price) IsValid() bool {
	return p != nil && p.Amount >= 0
}

// HasData reports whether any content field was populated.
func (r *ProductRecord) HasData() bool {
	if r == nil {
		return false
	}
	return r.Title != "" ||
		r.Price != nil ||
		r.Description != "" ||
		len(r.Images) > 0 ||
		r.Availability != "" ||
		r.Rating != nil ||
		r.ReviewCount != nil ||
		r.Seller != "" ||
		r.Brand != "" ||
		r.SKU != "" ||
		r.Category != "" ||
		len(r.Specifications) > 0
}

// Clone returns a deep copy so cached snapshots stay immutable.
func (r *ProductRecord) Clone() *ProductRecord {
	if r == nil {
		return nil
	}
	c := *r
	if r.Price != nil {
		p := *r.Price
		c.Price = &p
	}
	if r.Rating != nil {
		v := *r.Rating
		c.Rating = &v
	}
	if r.ReviewCount != nil {
		v := *r.ReviewCount
		c.ReviewCount = &v
	}
	c.Images = append(make([]string, 0, len(r.Images)), r.Images...)
	c.Specifications = make(map[string]string, len(r.Specifications))
	for k, v := range r.Specifications {
		c.Specifications[k] = v
	}
	if r.RawData != nil {
		c.RawData = make(map[string]any, len(r.RawData))
		for k, v := range r.RawData {
			c.RawData[k] = v
		}
	}
	return &c
}

// Validate lists missing fields a downstream consumer usually needs.
func (r *ProductRecord) Validate() []string {
	var problems []string

	if r.Title == "" {
		problems = append(problems, "title is missing")
	}

	if !r.Price.IsValid() {
		problems = append(problems, "price is missing")
	}

	if len(r.Images) == 0 {
		problems = append(problems, "no images")
	}

	return problems
}
