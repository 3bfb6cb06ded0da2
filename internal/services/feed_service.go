// Package services – FeedService
//
// FeedService owns the post submission pipeline
//
//	received → redacted → persisted → broadcast attempted → acknowledged
//
// and the read side of the feed. Persistence failures abort before anything
// is broadcast; broadcast failures are logged and never undo a persisted
// post. Public methods are OpenTelemetry-instrumented.
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/text/unicode/norm"
	"gorm.io/gorm"

	"github.com/tbourn/agent-feed/internal/domain"
	"github.com/tbourn/agent-feed/internal/redact"
	"github.com/tbourn/agent-feed/internal/repo"
	"github.com/tbourn/agent-feed/internal/search"
)

// FeedRepo is the persistence contract required by FeedService.
type FeedRepo interface {
	InsertPost(ctx context.Context, db *gorm.DB, p *domain.Post) error
	GetPost(ctx context.Context, db *gorm.DB, id string) (*domain.Post, error)
	GetFeed(ctx context.Context, db *gorm.DB, f repo.FeedFilter, offset, limit int) ([]domain.Post, int64, error)
	GetFeedCursor(ctx context.Context, db *gorm.DB, f repo.FeedFilter, cursor string, limit int) (*repo.CursorPage, error)
	FeedStats(ctx context.Context, db *gorm.DB, f repo.FeedFilter) (int64, *time.Time, error)
	ListRecentPublic(ctx context.Context, db *gorm.DB, limit int) ([]domain.Post, error)

	CreateChannel(ctx context.Context, db *gorm.DB, name string, isPublic bool) (*domain.Channel, bool, error)
	GetChannel(ctx context.Context, db *gorm.DB, id string) (*domain.Channel, error)
	ListChannels(ctx context.Context, db *gorm.DB) ([]domain.Channel, error)
	AddChannelMember(ctx context.Context, db *gorm.DB, channelID, memberID string, kind domain.MemberKind) error
	IsChannelMember(ctx context.Context, db *gorm.DB, channelID, memberID string) (bool, error)

	AddReply(ctx context.Context, db *gorm.DB, postID, senderID, content string) (*domain.Reply, error)
	ListReplies(ctx context.Context, db *gorm.DB, postID string) ([]domain.Reply, error)
	AddReaction(ctx context.Context, db *gorm.DB, postID, actorID, kind string) (bool, error)
	ListReactions(ctx context.Context, db *gorm.DB, postID string) ([]domain.Reaction, error)
	CountReactions(ctx context.Context, db *gorm.DB, postID string) ([]repo.ReactionCount, error)

	GetIdempotency(ctx context.Context, db *gorm.DB, senderID, key string, at time.Time) (*domain.Idempotency, error)
	CreateIdempotency(ctx context.Context, db *gorm.DB, senderID, key, postID string, status int, ttl time.Duration) (*domain.Idempotency, error)
}

// Broadcaster publishes feed events. *bus.Bus implements it.
type Broadcaster interface {
	BroadcastPost(ctx context.Context, p *domain.Post) (int, error)
	BroadcastReply(ctx context.Context, parent *domain.Post, r *domain.Reply) (int, error)
}

// Sanitizer masks sensitive content. *redact.Redactor implements it.
type Sanitizer interface {
	Redact(text string) redact.Result
}

// PostIndex is the search index. *search.Index implements it.
type PostIndex interface {
	Add(postID, content string) bool
	TopK(query string, k int) []search.Result
}

const (
	maxCategoryRunes = 64
	maxReactionRunes = 64
	statusCreated    = 201
)

// FeedService coordinates the feed store, redactor, bus, and search index.
type FeedService struct {
	DB       *gorm.DB
	Repo     FeedRepo
	Bus      Broadcaster // nil disables broadcasting
	Redactor Sanitizer
	Index    PostIndex // nil disables search
	Log      zerolog.Logger

	MaxContentRunes int
	DefaultPageSize int
	MaxPageSize     int
	IdempotencyTTL  time.Duration

	// ImplicitChannelsPublic is the visibility of channels created by a
	// post naming an unknown channel.
	ImplicitChannelsPublic bool

	// now is the service clock; tests replace it.
	now func() time.Time
}

// NewFeedService constructs a FeedService with defaults matching config.
func NewFeedService(db *gorm.DB, r FeedRepo, b Broadcaster, red Sanitizer) *FeedService {
	return &FeedService{
		DB:                     db,
		Repo:                   r,
		Bus:                    b,
		Redactor:               red,
		Log:                    zerolog.Nop(),
		MaxContentRunes:        4000,
		DefaultPageSize:        20,
		MaxPageSize:            100,
		IdempotencyTTL:         24 * time.Hour,
		ImplicitChannelsPublic: true,
		now:                    func() time.Time { return time.Now().UTC() },
	}
}

func (s *FeedService) tracer() trace.Tracer { return otel.Tracer("services/FeedService") }

// CreatePostInput is one post submission.
type CreatePostInput struct {
	SenderID string
	Content  string
	PostType string // empty means status

	// At most one of Channel (a name, created on first use) and ChannelID.
	Channel   string
	ChannelID string

	IsPublic *bool // nil means public
	Category string

	// IdempotencyKey makes retries of the same submission return the
	// original post instead of creating another.
	IdempotencyKey string
}

// CreatePostResult reports what CreatePost did.
type CreatePostResult struct {
	Post      *domain.Post
	Redacted  bool // content contained sensitive values
	Delivered int  // local transports that received the event
	Replayed  bool // returned from an earlier submission with the same key
}

// CreatePost validates, redacts, persists, and broadcasts a post.
func (s *FeedService) CreatePost(ctx context.Context, in CreatePostInput) (*CreatePostResult, error) {
	ctx, span := s.tracer().Start(ctx, "CreatePost",
		trace.WithAttributes(
			attribute.String("sender.id", in.SenderID),
			attribute.String("post.type", in.PostType),
		),
	)
	defer span.End()

	// received: validate and normalize
	sender := strings.TrimSpace(in.SenderID)
	if sender == "" {
		return nil, ErrInvalidSender
	}
	pt, err := domain.ParsePostType(in.PostType)
	if err != nil {
		return nil, ErrInvalidPostType
	}
	content, err := s.validContent(in.Content)
	if err != nil {
		return nil, err
	}
	category := strings.TrimSpace(in.Category)
	if utf8.RuneCountInString(category) > maxCategoryRunes {
		return nil, ErrInvalidCategory
	}

	key := strings.TrimSpace(in.IdempotencyKey)
	if key != "" {
		if res, ok := s.replay(ctx, sender, key); ok {
			return res, nil
		}
	}

	// redaction-applied
	red := s.Redactor.Redact(content)

	p := &domain.Post{
		SenderID: sender,
		Content:  red.RedactedText,
		PostType: pt,
		IsPublic: in.IsPublic == nil || *in.IsPublic,
	}
	if category != "" {
		p.Category = &category
	}

	// persisted: the implicit channel, the post, and the idempotency record
	// commit together or not at all
	err = s.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		ch, err := s.resolveChannel(ctx, tx, sender, in.Channel, in.ChannelID)
		if err != nil {
			return err
		}
		if ch != nil {
			p.ChannelID = &ch.ID
			p.IsPublic = p.IsPublic && ch.IsPublic
		}
		if err := s.Repo.InsertPost(ctx, tx, p); err != nil {
			return persistence(err)
		}
		if key != "" {
			if _, err := s.Repo.CreateIdempotency(ctx, tx, sender, key, p.ID, statusCreated, s.IdempotencyTTL); err != nil {
				if errors.Is(err, repo.ErrDuplicate) {
					return errKeyTaken
				}
				return persistence(err)
			}
		}
		return nil
	})
	if errors.Is(err, errKeyTaken) {
		// a concurrent retry with the same key committed first
		if res, ok := s.replay(ctx, sender, key); ok {
			return res, nil
		}
		return nil, persistence(err)
	}
	if err != nil {
		if errors.Is(err, ErrInvalidInput) || errors.Is(err, ErrNotFound) {
			return nil, err
		}
		if !errors.Is(err, ErrPersistence) {
			err = persistence(err) // commit failed
		}
		span.RecordError(err)
		s.Log.Error().Err(err).Str("sender_id", sender).Msg("post persistence failed; not broadcasting")
		return nil, err
	}
	span.SetAttributes(attribute.String("post.id", p.ID))

	// broadcast-attempted
	res := &CreatePostResult{Post: p, Redacted: red.HasSensitiveContent}
	res.Delivered = s.broadcastPost(ctx, p)

	if s.Index != nil && p.IsPublic {
		s.Index.Add(p.ID, p.Content)
	}
	return res, nil
}

// replay returns the post recorded for (sender, key), if any.
func (s *FeedService) replay(ctx context.Context, sender, key string) (*CreatePostResult, bool) {
	rec, err := s.Repo.GetIdempotency(ctx, s.DB, sender, key, s.now())
	if err != nil || rec == nil {
		return nil, false
	}
	p, err := s.Repo.GetPost(ctx, s.DB, rec.PostID)
	if err != nil {
		return nil, false
	}
	return &CreatePostResult{Post: p, Replayed: true}, true
}

func (s *FeedService) broadcastPost(ctx context.Context, p *domain.Post) int {
	if s.Bus == nil {
		return 0
	}
	n, err := s.Bus.BroadcastPost(ctx, p)
	if err != nil {
		s.Log.Warn().Err(err).Str("post_id", p.ID).Msg("broadcast failed; post remains persisted")
	}
	return n
}

// resolveChannel returns the target channel, creating it by name if needed.
// The creator of an implicitly created channel becomes its first member.
func (s *FeedService) resolveChannel(ctx context.Context, db *gorm.DB, sender, name, id string) (*domain.Channel, error) {
	id = strings.TrimSpace(id)
	name = strings.TrimSpace(name)
	switch {
	case id != "":
		ch, err := s.Repo.GetChannel(ctx, db, id)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return nil, ErrChannelNotFound
			}
			return nil, persistence(err)
		}
		return ch, nil
	case name != "":
		ch, created, err := s.Repo.CreateChannel(ctx, db, name, s.ImplicitChannelsPublic)
		if err != nil {
			if errors.Is(err, repo.ErrInvalidName) {
				return nil, ErrInvalidChannelName
			}
			return nil, persistence(err)
		}
		if created {
			if err := s.Repo.AddChannelMember(ctx, db, ch.ID, sender, domain.MemberAgent); err != nil {
				return nil, persistence(err)
			}
			s.Log.Info().Str("channel_id", ch.ID).Str("sender_id", sender).Msg("channel created on first post")
		}
		return ch, nil
	}
	return nil, nil
}

// validContent normalizes content and enforces the emptiness and size rules.
func (s *FeedService) validContent(raw string) (string, error) {
	c := normalizeContent(raw)
	if c == "" {
		return "", ErrEmptyContent
	}
	if s.MaxContentRunes > 0 && utf8.RuneCountInString(c) > s.MaxContentRunes {
		return "", ErrContentTooLong
	}
	return c, nil
}

// normalizeContent applies NFC, drops control characters other than
// newline and tab, and trims surrounding whitespace.
func normalizeContent(s string) string {
	s = norm.NFC.String(s)
	s = strings.Map(func(r rune) rune {
		if r == '\n' || r == '\t' {
			return r
		}
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, s)
	return strings.TrimSpace(s)
}

// ----------------------------------------------------------------------------
// Reads

// FeedQuery selects a feed page. Only posts ReaderID may see are returned,
// and a filter naming a private channel requires membership.
type FeedQuery struct {
	Filter   repo.FeedFilter
	ReaderID string
	Page     int
	PageSize int
}

// GetFeed returns one offset page (newest first) and the total match count.
func (s *FeedService) GetFeed(ctx context.Context, q FeedQuery) ([]domain.Post, int64, error) {
	ctx, span := s.tracer().Start(ctx, "GetFeed",
		trace.WithAttributes(
			attribute.Int("page", q.Page),
			attribute.Int("page_size", q.PageSize),
		),
	)
	defer span.End()

	if err := s.checkChannelRead(ctx, q.ReaderID, q.Filter.ChannelID); err != nil {
		return nil, 0, err
	}
	page := q.Page
	if page < 1 {
		page = 1
	}
	size := s.clampPageSize(q.PageSize)
	posts, total, err := s.Repo.GetFeed(ctx, s.DB, q.Filter.ForReader(q.ReaderID), (page-1)*size, size)
	if err != nil {
		return nil, 0, persistence(err)
	}
	return posts, total, nil
}

// GetFeedCursor returns the page strictly older than cursor. A missing or
// malformed cursor yields the first page.
func (s *FeedService) GetFeedCursor(ctx context.Context, f repo.FeedFilter, readerID, cursor string, limit int) (*repo.CursorPage, error) {
	ctx, span := s.tracer().Start(ctx, "GetFeedCursor",
		trace.WithAttributes(attribute.Int("limit", limit)),
	)
	defer span.End()

	if err := s.checkChannelRead(ctx, readerID, f.ChannelID); err != nil {
		return nil, err
	}
	page, err := s.Repo.GetFeedCursor(ctx, s.DB, f.ForReader(readerID), cursor, s.clampPageSize(limit))
	if err != nil {
		return nil, persistence(err)
	}
	return page, nil
}

// FeedETag returns a weak validator that changes whenever a post matching f
// and visible to readerID is added.
func (s *FeedService) FeedETag(ctx context.Context, f repo.FeedFilter, readerID string) (string, error) {
	count, newest, err := s.Repo.FeedStats(ctx, s.DB, f.ForReader(readerID))
	if err != nil {
		return "", persistence(err)
	}
	var ts int64
	if newest != nil {
		ts = newest.UnixNano()
	}
	return fmt.Sprintf(`W/"%d-%d"`, count, ts), nil
}

// GetPost returns one post. Posts in a private channel require membership;
// a non-public post outside any channel is shown only to its sender.
func (s *FeedService) GetPost(ctx context.Context, id, readerID string) (*domain.Post, error) {
	ctx, span := s.tracer().Start(ctx, "GetPost", trace.WithAttributes(attribute.String("post.id", id)))
	defer span.End()

	p, err := s.getPost(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.ChannelID != nil {
		if err := s.checkChannelRead(ctx, readerID, *p.ChannelID); err != nil {
			return nil, err
		}
	} else if !p.IsPublic && (readerID == "" || readerID != p.SenderID) {
		return nil, ErrForbidden
	}
	return p, nil
}

func (s *FeedService) getPost(ctx context.Context, id string) (*domain.Post, error) {
	p, err := s.Repo.GetPost(ctx, s.DB, strings.TrimSpace(id))
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrPostNotFound
		}
		return nil, persistence(err)
	}
	return p, nil
}

// CanRead reports whether readerID may read the channel's posts: always
// for public channels, otherwise only for members.
func (s *FeedService) CanRead(ctx context.Context, readerID, channelID string) (bool, error) {
	ch, err := s.Repo.GetChannel(ctx, s.DB, channelID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, ErrChannelNotFound
		}
		return false, persistence(err)
	}
	if ch.IsPublic {
		return true, nil
	}
	if readerID == "" {
		return false, nil
	}
	ok, err := s.Repo.IsChannelMember(ctx, s.DB, channelID, readerID)
	if err != nil {
		return false, persistence(err)
	}
	return ok, nil
}

func (s *FeedService) checkChannelRead(ctx context.Context, readerID, channelID string) error {
	if channelID == "" {
		return nil
	}
	ok, err := s.CanRead(ctx, readerID, channelID)
	if err != nil {
		return err
	}
	if !ok {
		return ErrForbidden
	}
	return nil
}

// PageSize is the page size a read with requested size n will use.
func (s *FeedService) PageSize(n int) int { return s.clampPageSize(n) }

func (s *FeedService) clampPageSize(n int) int {
	if n <= 0 {
		n = s.DefaultPageSize
	}
	if s.MaxPageSize > 0 && n > s.MaxPageSize {
		n = s.MaxPageSize
	}
	if n <= 0 {
		n = 20
	}
	return n
}

// ----------------------------------------------------------------------------
// Replies and reactions

// AddReply redacts and stores a reply, increments the parent's reply count,
// and publishes a new_reply event on the parent's topics.
func (s *FeedService) AddReply(ctx context.Context, postID, senderID, content string) (*domain.Reply, error) {
	ctx, span := s.tracer().Start(ctx, "AddReply",
		trace.WithAttributes(
			attribute.String("post.id", postID),
			attribute.String("sender.id", senderID),
		),
	)
	defer span.End()

	sender := strings.TrimSpace(senderID)
	if sender == "" {
		return nil, ErrInvalidSender
	}
	c, err := s.validContent(content)
	if err != nil {
		return nil, err
	}
	redacted := s.Redactor.Redact(c).RedactedText

	r, err := s.Repo.AddReply(ctx, s.DB, postID, sender, redacted)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrPostNotFound
		}
		span.RecordError(err)
		return nil, persistence(err)
	}

	if s.Bus != nil {
		parent, err := s.Repo.GetPost(ctx, s.DB, postID)
		if err != nil {
			s.Log.Warn().Err(err).Str("post_id", postID).Msg("reply stored; parent reload failed, not broadcasting")
			return r, nil
		}
		if _, err := s.Bus.BroadcastReply(ctx, parent, r); err != nil {
			s.Log.Warn().Err(err).Str("post_id", postID).Msg("reply broadcast failed")
		}
	}
	return r, nil
}

// ListReplies returns a post's replies oldest first.
func (s *FeedService) ListReplies(ctx context.Context, postID, readerID string) ([]domain.Reply, error) {
	if _, err := s.GetPost(ctx, postID, readerID); err != nil {
		return nil, err
	}
	out, err := s.Repo.ListReplies(ctx, s.DB, postID)
	if err != nil {
		return nil, persistence(err)
	}
	return out, nil
}

// AddReaction records (post, actor, kind). Repeats are no-ops; created
// reports whether a new reaction was stored.
func (s *FeedService) AddReaction(ctx context.Context, postID, actorID, kind string) (bool, error) {
	actor := strings.TrimSpace(actorID)
	if actor == "" {
		return false, ErrInvalidSender
	}
	kind = strings.ToLower(strings.TrimSpace(kind))
	if kind == "" || utf8.RuneCountInString(kind) > maxReactionRunes {
		return false, ErrInvalidReaction
	}
	created, err := s.Repo.AddReaction(ctx, s.DB, postID, actor, kind)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, ErrPostNotFound
		}
		return false, persistence(err)
	}
	return created, nil
}

// ReactionSummary lists a post's reactions with per-kind counts.
type ReactionSummary struct {
	Reactions []domain.Reaction    `json:"reactions"`
	Counts    []repo.ReactionCount `json:"counts"`
}

func (s *FeedService) ListReactions(ctx context.Context, postID, readerID string) (*ReactionSummary, error) {
	if _, err := s.GetPost(ctx, postID, readerID); err != nil {
		return nil, err
	}
	rs, err := s.Repo.ListReactions(ctx, s.DB, postID)
	if err != nil {
		return nil, persistence(err)
	}
	counts, err := s.Repo.CountReactions(ctx, s.DB, postID)
	if err != nil {
		return nil, persistence(err)
	}
	return &ReactionSummary{Reactions: rs, Counts: counts}, nil
}

// ----------------------------------------------------------------------------
// Channels

// CreateChannel is idempotent on equivalent names; created reports whether
// a new channel was inserted.
func (s *FeedService) CreateChannel(ctx context.Context, name string, isPublic bool) (*domain.Channel, bool, error) {
	ch, created, err := s.Repo.CreateChannel(ctx, s.DB, name, isPublic)
	if err != nil {
		if errors.Is(err, repo.ErrInvalidName) {
			return nil, false, ErrInvalidChannelName
		}
		return nil, false, persistence(err)
	}
	return ch, created, nil
}

func (s *FeedService) GetChannel(ctx context.Context, id string) (*domain.Channel, error) {
	ch, err := s.Repo.GetChannel(ctx, s.DB, id)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return nil, ErrChannelNotFound
		}
		return nil, persistence(err)
	}
	return ch, nil
}

func (s *FeedService) ListChannels(ctx context.Context) ([]domain.Channel, error) {
	out, err := s.Repo.ListChannels(ctx, s.DB)
	if err != nil {
		return nil, persistence(err)
	}
	return out, nil
}

// AddChannelMember adds an agent or user to a channel; repeats are no-ops.
func (s *FeedService) AddChannelMember(ctx context.Context, channelID, memberID, kind string) error {
	memberID = strings.TrimSpace(memberID)
	if memberID == "" {
		return ErrInvalidSender
	}
	k := domain.MemberKind(strings.ToLower(strings.TrimSpace(kind)))
	if k == "" {
		k = domain.MemberAgent
	}
	if !k.Valid() {
		return ErrInvalidMemberKind
	}
	if err := s.Repo.AddChannelMember(ctx, s.DB, channelID, memberID, k); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return ErrChannelNotFound
		}
		return persistence(err)
	}
	return nil
}

// ----------------------------------------------------------------------------
// Search

// SearchHit is one matching post.
type SearchHit struct {
	Post  *domain.Post `json:"post"`
	Score float64      `json:"score"`
}

// Search ranks indexed public posts against q. Posts that no longer load
// are skipped.
func (s *FeedService) Search(ctx context.Context, q string, k int) ([]SearchHit, error) {
	ctx, span := s.tracer().Start(ctx, "Search", trace.WithAttributes(attribute.Int("k", k)))
	defer span.End()

	if s.Index == nil {
		return []SearchHit{}, nil
	}
	results := s.Index.TopK(q, s.clampPageSize(k))
	hits := make([]SearchHit, 0, len(results))
	for _, r := range results {
		p, err := s.Repo.GetPost(ctx, s.DB, r.PostID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				continue
			}
			return nil, persistence(err)
		}
		hits = append(hits, SearchHit{Post: p, Score: r.Score})
	}
	return hits, nil
}

// WarmSearch indexes up to limit of the most recent public posts and
// returns how many were indexed.
func (s *FeedService) WarmSearch(ctx context.Context, limit int) (int, error) {
	if s.Index == nil || limit <= 0 {
		return 0, nil
	}
	posts, err := s.Repo.ListRecentPublic(ctx, s.DB, limit)
	if err != nil {
		return 0, persistence(err)
	}
	n := 0
	// oldest first so eviction order matches creation order
	for i := len(posts) - 1; i >= 0; i-- {
		if s.Index.Add(posts[i].ID, posts[i].Content) {
			n++
		}
	}
	return n, nil
}
