// Package search provides a small, deterministic, concurrency-safe in-memory
// search index over feed posts.
//
//   - No logging in the library (callers decide how/what to log)
//   - Functional options for tuning
//   - Unicode-aware tokenization with optional stop-word removal
//   - Incremental: posts are added as they are persisted
//   - Deterministic scoring and sorting (stable order for ties)
//   - Bounded: the oldest documents are evicted past the configured cap
//
// Scoring uses Jaccard similarity between the query token set and each
// post's token set: score = |Q ∩ P| / |Q ∪ P|.
package search

import (
	"sort"
	"sync"
	"unicode/utf8"
)

// Result is one ranked post.
type Result struct {
	PostID  string  `json:"post_id"`
	Snippet string  `json:"snippet"`
	Score   float64 `json:"score"`
}

// Searcher is the read side used by the feed service.
type Searcher interface {
	TopK(query string, k int) []Result
}

// ----------------------------------------------------------------------------
// Options

type Option func(*config)

type config struct {
	minRunes     int
	stopwords    map[string]struct{}
	maxDocs      int
	snippetRunes int
}

func defaultConfig() config {
	return config{
		minRunes:     1,
		stopwords:    nil,
		maxDocs:      10000,
		snippetRunes: 160,
	}
}

// WithMinRunes skips posts shorter than n runes after preprocessing.
func WithMinRunes(n int) Option {
	return func(c *config) {
		if n >= 0 {
			c.minRunes = n
		}
	}
}

func WithStopwords(words []string) Option {
	return func(c *config) {
		m := make(map[string]struct{}, len(words))
		for _, w := range words {
			if w = foldToken(w); w != "" {
				m[w] = struct{}{}
			}
		}
		if len(m) > 0 {
			c.stopwords = m
		}
	}
}

// WithMaxDocs caps the number of indexed posts; the oldest are evicted first.
func WithMaxDocs(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.maxDocs = n
		}
	}
}

func WithSnippetRunes(n int) Option {
	return func(c *config) {
		if n > 0 {
			c.snippetRunes = n
		}
	}
}

// ----------------------------------------------------------------------------
// Implementation

type doc struct {
	id      string
	snippet string
	tokens  map[string]struct{}
	seq     uint64
}

// Index is a mutable post index. The zero value is not usable; call New.
type Index struct {
	cfg config

	mu   sync.RWMutex
	docs map[string]*doc
	seq  uint64
}

func New(opts ...Option) *Index {
	cfg := defaultConfig()
	for _, o := range opts {
		o(&cfg)
	}
	return &Index{cfg: cfg, docs: make(map[string]*doc)}
}

// Add indexes (or re-indexes) a post's content. It reports whether the post
// was indexed; empty or too-short content is skipped.
func (i *Index) Add(postID, content string) bool {
	if postID == "" {
		return false
	}
	text := Preprocess(content)
	if text == "" || utf8.RuneCountInString(text) < i.cfg.minRunes {
		return false
	}
	toks := tokenize(text, i.cfg.stopwords)
	if len(toks) == 0 {
		return false
	}

	i.mu.Lock()
	defer i.mu.Unlock()
	i.seq++
	i.docs[postID] = &doc{
		id:      postID,
		snippet: Snippet(text, i.cfg.snippetRunes),
		tokens:  toks,
		seq:     i.seq,
	}
	if len(i.docs) > i.cfg.maxDocs {
		i.evictOldestLocked()
	}
	return true
}

// Remove drops a post from the index.
func (i *Index) Remove(postID string) {
	i.mu.Lock()
	delete(i.docs, postID)
	i.mu.Unlock()
}

func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.docs)
}

func (i *Index) evictOldestLocked() {
	var oldest *doc
	for _, d := range i.docs {
		if oldest == nil || d.seq < oldest.seq {
			oldest = d
		}
	}
	if oldest != nil {
		delete(i.docs, oldest.id)
	}
}

// TopK returns up to k best-matching posts by Jaccard similarity. Ties are
// broken by newer post first, then by post id.
func (i *Index) TopK(q string, k int) []Result {
	if k <= 0 {
		k = 3
	}
	qTokens := tokenize(Preprocess(q), i.cfg.stopwords)
	if len(qTokens) == 0 {
		return nil
	}
	qLen := len(qTokens)

	type scored struct {
		d     *doc
		score float64
	}

	i.mu.RLock()
	buf := make([]scored, 0, min(k*4, len(i.docs)))
	for _, d := range i.docs {
		over := overlap(qTokens, d.tokens)
		if over == 0 {
			continue
		}
		union := float64(qLen + len(d.tokens) - over)
		if union <= 0 {
			continue
		}
		buf = append(buf, scored{d: d, score: float64(over) / union})
	}
	i.mu.RUnlock()

	if len(buf) == 0 {
		return nil
	}
	sort.Slice(buf, func(a, b int) bool {
		if buf[a].score != buf[b].score {
			return buf[a].score > buf[b].score
		}
		if buf[a].d.seq != buf[b].d.seq {
			return buf[a].d.seq > buf[b].d.seq
		}
		return buf[a].d.id < buf[b].d.id
	})

	if k > len(buf) {
		k = len(buf)
	}
	out := make([]Result, k)
	for n := 0; n < k; n++ {
		out[n] = Result{PostID: buf[n].d.id, Snippet: buf[n].d.snippet, Score: buf[n].score}
	}
	return out
}

// ----------------------------------------------------------------------------
// Helpers

func tokenize(s string, stop map[string]struct{}) map[string]struct{} {
	words := wordRE.FindAllString(foldToken(s), -1)
	if len(words) == 0 {
		return nil
	}
	out := make(map[string]struct{}, len(words))
	for _, w := range words {
		if stop != nil {
			if _, skip := stop[w]; skip {
				continue
			}
		}
		out[w] = struct{}{}
	}
	return out
}

func overlap(a, b map[string]struct{}) int {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	n := 0
	if len(a) > len(b) {
		a, b = b, a
	}
	for k := range a {
		if _, ok := b[k]; ok {
			n++
		}
	}
	return n
}
