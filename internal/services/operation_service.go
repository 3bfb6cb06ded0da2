// Package services – OperationService
//
// OperationService turns operation records reported by agents into automatic
// feed posts. Which records matter is decided by a Classifier and the text by
// a ContentGenerator; both are external policies injected at construction.
// Each source may auto-post at most once per window, except alerts, which
// always go through.
package services

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/tbourn/agent-feed/internal/domain"
)

// OperationRecord is one action reported by an agent.
type OperationRecord struct {
	SourceID      string         `json:"source_id"`
	OperationType string         `json:"operation_type"`
	Status        string         `json:"status"`
	Metadata      map[string]any `json:"metadata,omitempty"`
}

// Classification is a Classifier's verdict on a record.
type Classification struct {
	Significant bool
	PostType    domain.PostType
	Category    string
	Channel     string // optional channel name for the generated post
}

// Classifier decides whether a record deserves a post and of which type.
type Classifier interface {
	Classify(ctx context.Context, rec OperationRecord) Classification
}

// ContentGenerator renders a record as post text. The text is redacted
// before it is stored.
type ContentGenerator interface {
	Generate(ctx context.Context, rec OperationRecord) (string, error)
}

// Submit outcomes.
const (
	OutcomePosted         = "posted"
	OutcomeNotSignificant = "not_significant"
	OutcomeRateLimited    = "rate_limited"
)

var autoPosts = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "agentfeed_feed_auto_posts_total",
		Help: "Operation records by auto-post outcome (posted, not_significant, rate_limited).",
	},
	[]string{"outcome"},
)

func init() {
	prometheus.MustRegister(autoPosts)
}

// SubmitResult reports the outcome of SubmitOperationRecord. Post is set
// only when Outcome is OutcomePosted.
type SubmitResult struct {
	Outcome string       `json:"outcome"`
	Post    *domain.Post `json:"post,omitempty"`
}

// OperationService gates automatic posts.
type OperationService struct {
	Feed       *FeedService
	Classifier Classifier
	Generator  ContentGenerator
	Log        zerolog.Logger

	window   time.Duration
	limiters *lru.Cache[string, *rate.Limiter]
}

// maxTrackedSources bounds the per-source limiter cache. An evicted source
// simply starts a fresh window.
const maxTrackedSources = 10000

// NewOperationService returns a service allowing one auto post per source
// per window. A non-positive window disables rate limiting.
func NewOperationService(feed *FeedService, c Classifier, g ContentGenerator, window time.Duration) *OperationService {
	limiters, _ := lru.New[string, *rate.Limiter](maxTrackedSources)
	return &OperationService{
		Feed:       feed,
		Classifier: c,
		Generator:  g,
		Log:        zerolog.Nop(),
		window:     window,
		limiters:   limiters,
	}
}

// SubmitOperationRecord classifies rec and, if it is significant and the
// source is within its allowance, generates and creates a post.
func (s *OperationService) SubmitOperationRecord(ctx context.Context, rec OperationRecord) (*SubmitResult, error) {
	ctx, span := s.Feed.tracer().Start(ctx, "SubmitOperationRecord",
		trace.WithAttributes(
			attribute.String("source.id", rec.SourceID),
			attribute.String("operation.type", rec.OperationType),
		),
	)
	defer span.End()

	rec.SourceID = strings.TrimSpace(rec.SourceID)
	rec.OperationType = strings.TrimSpace(rec.OperationType)
	if rec.SourceID == "" || rec.OperationType == "" {
		return nil, ErrInvalidOperation
	}

	cls := s.Classifier.Classify(ctx, rec)
	if !cls.Significant {
		autoPosts.WithLabelValues(OutcomeNotSignificant).Inc()
		return &SubmitResult{Outcome: OutcomeNotSignificant}, nil
	}
	if !cls.PostType.Valid() {
		cls.PostType = domain.PostStatus
	}

	var tok *windowToken
	if !cls.PostType.BypassesRateLimit() {
		var ok bool
		if tok, ok = s.reserve(rec.SourceID); !ok {
			autoPosts.WithLabelValues(OutcomeRateLimited).Inc()
			s.Log.Info().
				Str("source_id", rec.SourceID).
				Str("operation_type", rec.OperationType).
				Msg("auto post suppressed by per-source window")
			return &SubmitResult{Outcome: OutcomeRateLimited}, nil
		}
	}

	content, err := s.Generator.Generate(ctx, rec)
	if err != nil {
		tok.release()
		return nil, fmt.Errorf("generate content: %w", err)
	}
	res, err := s.Feed.CreatePost(ctx, CreatePostInput{
		SenderID: rec.SourceID,
		Content:  content,
		PostType: string(cls.PostType),
		Channel:  cls.Channel,
		Category: cls.Category,
	})
	if err != nil {
		tok.release()
		return nil, err
	}
	autoPosts.WithLabelValues(OutcomePosted).Inc()
	return &SubmitResult{Outcome: OutcomePosted, Post: res.Post}, nil
}

// windowToken is a source's claim on its current window. Releasing it hands
// the window back so a failed post does not count.
type windowToken struct {
	r  *rate.Reservation
	at time.Time
}

// release is a no-op on a nil token.
func (t *windowToken) release() {
	if t == nil {
		return
	}
	// CancelAt restores nothing for instants before the given time, so
	// cancel at the reservation's own instant.
	t.r.CancelAt(t.at)
}

// reserve claims the source's token for the current window. A nil token with
// ok set means the window is disabled.
func (s *OperationService) reserve(sourceID string) (*windowToken, bool) {
	if s.window <= 0 {
		return nil, true
	}
	lim, ok := s.limiters.Get(sourceID)
	if !ok {
		// PeekOrAdd keeps the first limiter when two submissions race.
		fresh := rate.NewLimiter(rate.Every(s.window), 1)
		if prev, found, _ := s.limiters.PeekOrAdd(sourceID, fresh); found {
			lim = prev
		} else {
			lim = fresh
		}
	}
	at := time.Now()
	r := lim.ReserveN(at, 1)
	if !r.OK() {
		return nil, false
	}
	if r.DelayFrom(at) > 0 {
		r.CancelAt(at)
		return nil, false
	}
	return &windowToken{r: r, at: at}, true
}

// ----------------------------------------------------------------------------
// Default policies

// OperationSet classifies records whose operation type is in a configured
// set as significant. Statuses in the failure table produce alerts.
type OperationSet struct {
	ops map[string]struct{}
}

// failureStatuses are statuses that turn a significant record into an alert.
var failureStatuses = map[string]struct{}{
	"failed":    {},
	"failure":   {},
	"error":     {},
	"violation": {},
	"blocked":   {},
}

func NewOperationSet(ops []string) *OperationSet {
	m := make(map[string]struct{}, len(ops))
	for _, op := range ops {
		if op = strings.ToLower(strings.TrimSpace(op)); op != "" {
			m[op] = struct{}{}
		}
	}
	return &OperationSet{ops: m}
}

func (c *OperationSet) Classify(_ context.Context, rec OperationRecord) Classification {
	op := strings.ToLower(rec.OperationType)
	if _, ok := c.ops[op]; !ok {
		return Classification{}
	}
	pt := domain.PostStatus
	if _, bad := failureStatuses[strings.ToLower(strings.TrimSpace(rec.Status))]; bad {
		pt = domain.PostAlert
	}
	return Classification{Significant: true, PostType: pt, Category: op}
}

// TemplateGenerator renders "<source> <operation>: <status> (k=v, ...)" with
// metadata keys sorted.
type TemplateGenerator struct{}

func (TemplateGenerator) Generate(_ context.Context, rec OperationRecord) (string, error) {
	var b strings.Builder
	b.WriteString(rec.SourceID)
	b.WriteByte(' ')
	b.WriteString(rec.OperationType)
	if st := strings.TrimSpace(rec.Status); st != "" {
		b.WriteString(": ")
		b.WriteString(st)
	}
	if len(rec.Metadata) > 0 {
		keys := make([]string, 0, len(rec.Metadata))
		for k := range rec.Metadata {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteString(" (")
		for i, k := range keys {
			if i > 0 {
				b.WriteString(", ")
			}
			fmt.Fprintf(&b, "%s=%v", k, rec.Metadata[k])
		}
		b.WriteByte(')')
	}
	return b.String(), nil
}
