package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Sink receives observability events. Implementations must not block.
type Sink interface {
	TaskTransition(status string)
	TaskFinished(platform, status string, took time.Duration)
	FetchAttempt(host, outcome string, took time.Duration)
	ChallengeAttempt(strategy string, resolved bool)
	CacheLookup(hit bool)
	IdentityReleased(outcome string)
	Extraction(platform string, fields int)
	QueueDepth(n int)
}

// Nop discards everything.
type Nop struct{}

func (Nop) TaskTransition(string)                        {}
func (Nop) TaskFinished(string, string, time.Duration)   {}
func (Nop) FetchAttempt(string, string, time.Duration)   {}
func (Nop) ChallengeAttempt(string, bool)                {}
func (Nop) CacheLookup(bool)                             {}
func (Nop) IdentityReleased(string)                      {}
func (Nop) Extraction(string, int)                       {}
func (Nop) QueueDepth(int)                               {}

type Prometheus struct {
	taskTransitions   *prometheus.CounterVec
	taskDuration      *prometheus.HistogramVec
	fetchAttempts     *prometheus.CounterVec
	fetchDuration     *prometheus.HistogramVec
	challengeAttempts *prometheus.CounterVec
	cacheLookups      *prometheus.CounterVec
	identityReleases  *prometheus.CounterVec
	extractedFields   *prometheus.HistogramVec
	queueDepth        prometheus.Gauge
}

// NewPrometheus registers the scraper metrics on reg.
func NewPrometheus(reg prometheus.Registerer) *Prometheus {
	f := promauto.With(reg)
	return &Prometheus{
		taskTransitions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_task_transitions_total",
				Help: "Task state transitions by target status.",
			},
			[]string{"status"},
		),
		taskDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_task_duration_seconds",
				Help:    "Time from claim to terminal state.",
				Buckets: []float64{1, 5, 10, 15, 30, 60, 120},
			},
			[]string{"platform", "status"},
		),
		fetchAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_fetch_attempts_total",
				Help: "Browser navigation attempts by outcome.",
			},
			[]string{"outcome"},
		),
		fetchDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_fetch_duration_seconds",
				Help:    "Duration of a single navigation attempt.",
				Buckets: []float64{1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"host"},
		),
		challengeAttempts: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_challenge_attempts_total",
				Help: "Challenge resolution attempts by strategy and result.",
			},
			[]string{"strategy", "result"},
		),
		cacheLookups: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_cache_lookups_total",
				Help: "Result cache lookups.",
			},
			[]string{"result"},
		),
		identityReleases: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "scraper_identity_releases_total",
				Help: "Identity leases returned to the pool by outcome.",
			},
			[]string{"outcome"},
		),
		extractedFields: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "scraper_extracted_fields",
				Help:    "Number of populated fields per extracted record.",
				Buckets: []float64{0, 1, 2, 4, 6, 8, 10, 12},
			},
			[]string{"platform"},
		),
		queueDepth: f.NewGauge(prometheus.GaugeOpts{
			Name: "scraper_queue_depth",
			Help: "Tasks waiting for a worker.",
		}),
	}
}

func (p *Prometheus) TaskTransition(status string) {
	p.taskTransitions.WithLabelValues(status).Inc()
}

func (p *Prometheus) TaskFinished(platform, status string, took time.Duration) {
	p.taskDuration.WithLabelValues(platform, status).Observe(took.Seconds())
}

func (p *Prometheus) FetchAttempt(host, outcome string, took time.Duration) {
	p.fetchAttempts.WithLabelValues(outcome).Inc()
	p.fetchDuration.WithLabelValues(host).Observe(took.Seconds())
}

func (p *Prometheus) ChallengeAttempt(strategy string, resolved bool) {
	result := "unresolved"
	if resolved {
		result = "resolved"
	}
	p.challengeAttempts.WithLabelValues(strategy, result).Inc()
}

func (p *Prometheus) CacheLookup(hit bool) {
	result := "miss"
	if hit {
		result = "hit"
	}
	p.cacheLookups.WithLabelValues(result).Inc()
}

func (p *Prometheus) IdentityReleased(outcome string) {
	p.identityReleases.WithLabelValues(outcome).Inc()
}

func (p *Prometheus) Extraction(platform string, fields int) {
	p.extractedFields.WithLabelValues(platform).Observe(float64(fields))
}

func (p *Prometheus) QueueDepth(n int) {
	p.queueDepth.Set(float64(n))
}
