package services

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/tbourn/agent-feed/internal/domain"
	"github.com/tbourn/agent-feed/internal/repo"
)

type stubGenerator struct {
	text string
	err  error
}

func (g stubGenerator) Generate(context.Context, OperationRecord) (string, error) {
	return g.text, g.err
}

func newTestOps(t *testing.T, window time.Duration) (*OperationService, *fakeBus) {
	t.Helper()
	feed, b := newTestFeed(t)
	ops := NewOperationService(feed, NewOperationSet([]string{"deploy", "Rollback "}), TemplateGenerator{}, window)
	return ops, b
}

func TestSubmit_NotSignificant(t *testing.T) {
	ops, b := newTestOps(t, time.Minute)
	res, err := ops.SubmitOperationRecord(context.Background(), OperationRecord{SourceID: "agent-1", OperationType: "heartbeat", Status: "ok"})
	if err != nil || res.Outcome != OutcomeNotSignificant || res.Post != nil {
		t.Fatalf("res=%+v err=%v", res, err)
	}
	if len(b.snapshot()) != 0 {
		t.Fatalf("insignificant record produced a post")
	}
}

func TestSubmit_RateLimitedPerSource(t *testing.T) {
	ops, b := newTestOps(t, time.Hour)
	ctx := context.Background()
	rec := OperationRecord{SourceID: "agent-1", OperationType: "deploy", Status: "succeeded"}

	first, err := ops.SubmitOperationRecord(ctx, rec)
	if err != nil || first.Outcome != OutcomePosted {
		t.Fatalf("first: %+v err=%v", first, err)
	}
	if first.Post.PostType != domain.PostStatus || first.Post.SenderID != "agent-1" {
		t.Fatalf("post = %+v", first.Post)
	}
	if first.Post.Category == nil || *first.Post.Category != "deploy" {
		t.Fatalf("category not set from operation type")
	}

	second, err := ops.SubmitOperationRecord(ctx, rec)
	if err != nil || second.Outcome != OutcomeRateLimited || second.Post != nil {
		t.Fatalf("second within window: %+v err=%v", second, err)
	}

	// another source has its own window
	other, _ := ops.SubmitOperationRecord(ctx, OperationRecord{SourceID: "agent-2", OperationType: "rollback"})
	if other.Outcome != OutcomePosted {
		t.Fatalf("independent source limited: %+v", other)
	}
	if n := len(b.snapshot()); n != 2 {
		t.Fatalf("broadcasts = %d; want 2", n)
	}
}

func TestSubmit_AlertsBypassRateLimit(t *testing.T) {
	ops, _ := newTestOps(t, time.Hour)
	ctx := context.Background()
	_, _ = ops.SubmitOperationRecord(ctx, OperationRecord{SourceID: "agent-1", OperationType: "deploy", Status: "ok"})

	for i := 0; i < 3; i++ {
		res, err := ops.SubmitOperationRecord(ctx, OperationRecord{SourceID: "agent-1", OperationType: "deploy", Status: "FAILED"})
		if err != nil || res.Outcome != OutcomePosted || res.Post.PostType != domain.PostAlert {
			t.Fatalf("alert %d: %+v err=%v", i, res, err)
		}
	}
	// the status window is still in force
	if res, _ := ops.SubmitOperationRecord(ctx, OperationRecord{SourceID: "agent-1", OperationType: "deploy"}); res.Outcome != OutcomeRateLimited {
		t.Fatalf("status post after window use: %+v", res)
	}
}

func TestSubmit_WindowExpiresAndZeroWindowDisables(t *testing.T) {
	ops, _ := newTestOps(t, 50*time.Millisecond)
	ctx := context.Background()
	rec := OperationRecord{SourceID: "a", OperationType: "deploy"}
	_, _ = ops.SubmitOperationRecord(ctx, rec)
	if res, _ := ops.SubmitOperationRecord(ctx, rec); res.Outcome != OutcomeRateLimited {
		t.Fatalf("expected limit inside window")
	}
	time.Sleep(80 * time.Millisecond)
	if res, _ := ops.SubmitOperationRecord(ctx, rec); res.Outcome != OutcomePosted {
		t.Fatalf("window did not expire: %+v", res)
	}

	unlimited, _ := newTestOps(t, 0)
	for i := 0; i < 3; i++ {
		if res, _ := unlimited.SubmitOperationRecord(ctx, rec); res.Outcome != OutcomePosted {
			t.Fatalf("zero window should not limit")
		}
	}
}

func TestSubmit_GeneratedContentIsRedacted(t *testing.T) {
	ops, _ := newTestOps(t, time.Minute)
	ops.Generator = stubGenerator{text: "deployed by ops@corp.example.com"}
	res, err := ops.SubmitOperationRecord(context.Background(), OperationRecord{SourceID: "a", OperationType: "deploy"})
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(res.Post.Content, "ops@corp.example.com") {
		t.Fatalf("generated content leaked: %q", res.Post.Content)
	}
}

func TestSubmit_Errors(t *testing.T) {
	ops, _ := newTestOps(t, time.Minute)
	ctx := context.Background()
	if _, err := ops.SubmitOperationRecord(ctx, OperationRecord{OperationType: "deploy"}); !errors.Is(err, ErrInvalidOperation) {
		t.Fatalf("missing source err = %v", err)
	}
	if _, err := ops.SubmitOperationRecord(ctx, OperationRecord{SourceID: "a", OperationType: "  "}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("missing op type err = %v", err)
	}

	ops.Generator = stubGenerator{err: errors.New("model offline")}
	if _, err := ops.SubmitOperationRecord(ctx, OperationRecord{SourceID: "a", OperationType: "deploy"}); err == nil || !strings.Contains(err.Error(), "model offline") {
		t.Fatalf("generator error not surfaced: %v", err)
	}

	ops2, _ := newTestOps(t, time.Minute)
	ops2.Generator = stubGenerator{text: "   "}
	if _, err := ops2.SubmitOperationRecord(ctx, OperationRecord{SourceID: "a", OperationType: "deploy"}); !errors.Is(err, ErrEmptyContent) {
		t.Fatalf("empty generated content err = %v", err)
	}
}

func TestTemplateGenerator(t *testing.T) {
	got, err := TemplateGenerator{}.Generate(context.Background(), OperationRecord{
		SourceID:      "agent-7",
		OperationType: "deploy",
		Status:        "succeeded",
		Metadata:      map[string]any{"service": "billing", "attempt": 2},
	})
	if err != nil {
		t.Fatal(err)
	}
	if want := "agent-7 deploy: succeeded (attempt=2, service=billing)"; got != want {
		t.Fatalf("got %q; want %q", got, want)
	}
	if got, _ := (TemplateGenerator{}).Generate(context.Background(), OperationRecord{SourceID: "a", OperationType: "b"}); got != "a b" {
		t.Fatalf("minimal = %q", got)
	}
}

func TestOperationSet_Classify(t *testing.T) {
	c := NewOperationSet([]string{" Deploy", "", "escalation"})
	ctx := context.Background()
	if got := c.Classify(ctx, OperationRecord{OperationType: "DEPLOY", Status: "ok"}); !got.Significant || got.PostType != domain.PostStatus || got.Category != "deploy" {
		t.Fatalf("deploy = %+v", got)
	}
	if got := c.Classify(ctx, OperationRecord{OperationType: "escalation", Status: " Blocked "}); got.PostType != domain.PostAlert {
		t.Fatalf("blocked escalation = %+v", got)
	}
	if got := c.Classify(ctx, OperationRecord{OperationType: "lint"}); got.Significant {
		t.Fatalf("unknown op significant")
	}
}

func TestSubmit_FailedPostKeepsWindowOpen(t *testing.T) {
	ops, b := newTestOps(t, time.Hour)
	ctx := context.Background()
	rec := OperationRecord{SourceID: "agent-1", OperationType: "deploy", Status: "succeeded"}

	ops.Generator = stubGenerator{err: errors.New("nlg down")}
	if _, err := ops.SubmitOperationRecord(ctx, rec); err == nil {
		t.Fatalf("generator failure not surfaced")
	}

	ops.Feed.Repo = failingInsert{}
	ops.Generator = TemplateGenerator{}
	if _, err := ops.SubmitOperationRecord(ctx, rec); !errors.Is(err, ErrPersistence) {
		t.Fatalf("persistence failure err = %v", err)
	}

	ops.Feed.Repo = repo.Store{}
	res, err := ops.SubmitOperationRecord(ctx, rec)
	if err != nil || res.Outcome != OutcomePosted {
		t.Fatalf("first successful post was limited: %+v err=%v", res, err)
	}
	if res, _ := ops.SubmitOperationRecord(ctx, rec); res.Outcome != OutcomeRateLimited {
		t.Fatalf("window not consumed by the successful post: %+v", res)
	}
	if n := len(b.snapshot()); n != 1 {
		t.Fatalf("broadcasts = %d; want 1", n)
	}
}
