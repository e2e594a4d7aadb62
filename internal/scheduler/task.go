package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/maltedev/product-scraper/internal/models"
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

func ParseStatus(s string) (Status, bool) {
	switch st := Status(s); st {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return st, true
	}
	return "", false
}

// Request is what a caller submits.
type Request struct {
	URL            string `json:"url"`
	ForceRefresh   bool   `json:"force_refresh"`
	BlockImages    bool   `json:"block_images"`
	Proxy          string `json:"proxy,omitempty"`
	UserAgent      string `json:"user_agent,omitempty"`
	TargetLanguage string `json:"target_language,omitempty"`
}

// Snapshot is a read-only copy of a task.
type Snapshot struct {
	ID            string                `json:"task_id"`
	URL           string                `json:"url"`
	NormalizedURL string                `json:"normalized_url"`
	Status        Status                `json:"status"`
	Message       string                `json:"message,omitempty"`
	Record        *models.ProductRecord `json:"product_info"`
	Error         *models.Error         `json:"error"`
	CacheHit      bool                  `json:"cache_hit"`
	Platform      string                `json:"detected_platform"`
	Confidence    float64               `json:"platform_confidence"`
	Indicators    []string              `json:"platform_indicators"`
	Attempts      int                   `json:"attempts"`
	Options       Request               `json:"options"`
	History       []Status              `json:"history"`
	CreatedAt     time.Time             `json:"created_at"`
	UpdatedAt     time.Time             `json:"updated_at"`
	StartedAt     *time.Time            `json:"started_at,omitempty"`
	FinishedAt    *time.Time            `json:"completed_at,omitempty"`
}

// task is owned by the Scheduler. Every field below mu is guarded by it.
type task struct {
	id         string
	normalized string
	req        Request

	mu              sync.Mutex
	status          Status
	history         []Status
	message         string
	record          *models.ProductRecord
	err             *models.Error
	cacheHit        bool
	platform        string
	confidence      float64
	indicators      []string
	attempts        int
	createdAt       time.Time
	updatedAt       time.Time
	startedAt       *time.Time
	finishedAt      *time.Time
	cancel          context.CancelFunc
	cancelRequested bool
}

func newTask(id, normalized string, req Request, now time.Time) *task {
	return &task{
		id:         id,
		normalized: normalized,
		req:        req,
		status:     StatusPending,
		history:    []Status{StatusPending},
		platform:   models.GenericPlatform,
		indicators: []string{},
		createdAt:  now,
		updatedAt:  now,
	}
}

// setStatusLocked moves the task forward. Terminal states and pending are
// never re-entered.
func (t *task) setStatusLocked(to Status, now time.Time) bool {
	if t.status.Terminal() || to == StatusPending || t.status == to {
		return false
	}
	t.status = to
	t.history = append(t.history, to)
	t.updatedAt = now
	switch {
	case to == StatusRunning:
		t.startedAt = &now
	case to.Terminal():
		t.finishedAt = &now
	}
	return true
}

func (t *task) snapshot() Snapshot {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *task) snapshotLocked() Snapshot {
	snap := Snapshot{
		ID:            t.id,
		URL:           t.req.URL,
		NormalizedURL: t.normalized,
		Status:        t.status,
		Message:       t.message,
		Record:        t.record.Clone(),
		CacheHit:      t.cacheHit,
		Platform:      t.platform,
		Confidence:    t.confidence,
		Indicators:    append([]string{}, t.indicators...),
		Attempts:      t.attempts,
		Options:       t.req,
		History:       append([]Status{}, t.history...),
		CreatedAt:     t.createdAt,
		UpdatedAt:     t.updatedAt,
	}
	if t.err != nil {
		e := *t.err
		snap.Error = &e
	}
	if t.startedAt != nil {
		v := *t.startedAt
		snap.StartedAt = &v
	}
	if t.finishedAt != nil {
		v := *t.finishedAt
		snap.FinishedAt = &v
	}
	return snap
}
