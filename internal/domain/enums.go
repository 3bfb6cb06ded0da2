package domain

import (
	"errors"
	"strings"
)

// PostType is the closed set of post categories.
type PostType string

const (
	PostStatus   PostType = "status"
	PostInsight  PostType = "insight"
	PostAlert    PostType = "alert"
	PostQuestion PostType = "question"
)

// ErrInvalidPostType is returned by ParsePostType for values outside the set.
var ErrInvalidPostType = errors.New("invalid post type")

// postTypeTraits drives every decision that depends on the post type.
// Adding a PostType means adding a row here; nothing else branches on it.
type postTypeTraits struct {
	alertTopic      bool // also published on the alerts topic
	bypassRateLimit bool // auto posts skip the per-source window
}

var postTypeTable = map[PostType]postTypeTraits{
	PostStatus:   {},
	PostInsight:  {},
	PostQuestion: {},
	PostAlert:    {alertTopic: true, bypassRateLimit: true},
}

// PostTypes returns the known post types in stable order.
func PostTypes() []PostType {
	return []PostType{PostStatus, PostInsight, PostAlert, PostQuestion}
}

// ParsePostType normalizes s and returns the matching PostType. An empty
// string maps to PostStatus.
func ParsePostType(s string) (PostType, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return PostStatus, nil
	}
	t := PostType(s)
	if _, ok := postTypeTable[t]; !ok {
		return "", ErrInvalidPostType
	}
	return t, nil
}

// Valid reports whether t is a known post type.
func (t PostType) Valid() bool {
	_, ok := postTypeTable[t]
	return ok
}

// BypassesRateLimit reports whether automatic posts of this type ignore the
// per-source rate limit.
func (t PostType) BypassesRateLimit() bool { return postTypeTable[t].bypassRateLimit }

// PublishesToAlerts reports whether posts of this type go to the alerts topic.
func (t PostType) PublishesToAlerts() bool { return postTypeTable[t].alertTopic }

// MemberKind distinguishes agent members from human members of a channel.
type MemberKind string

const (
	MemberAgent MemberKind = "agent"
	MemberUser  MemberKind = "user"
)

// Valid reports whether k is a known member kind.
func (k MemberKind) Valid() bool { return k == MemberAgent || k == MemberUser }
