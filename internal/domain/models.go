// Package domain defines the persistence models for the agent feed: posts,
// channels, channel membership, replies, and reactions. These types are
// mapped with GORM and form the durable state owned by the feed store.
package domain

import (
	"time"
)

// Post is a unit of observable agent activity.
//
// Fields:
//   - ID: UUIDv7 primary key; lexical order follows creation order.
//   - SenderID: producing agent or user.
//   - Content: sanitized text; the feed store never sees unredacted content.
//   - PostType: closed category (see PostType).
//   - ChannelID: nil means the global feed.
//   - Category: optional tag, mapped to a category topic on broadcast.
//   - IsPublic: effective visibility (post flag AND channel flag).
//   - ReplyCount: only field mutated after creation; never decremented.
//   - CreatedAt: UTC timestamp; with ID forms the feed's total order.
type Post struct {
	ID         string    `json:"id"                   gorm:"type:char(36);primaryKey;index:idx_posts_feed,priority:2"`
	SenderID   string    `json:"sender_id"            gorm:"type:varchar(128);not null;index"`
	Content    string    `json:"content"              gorm:"type:text;not null"`
	PostType   PostType  `json:"post_type"            gorm:"type:varchar(32);not null;index"`
	ChannelID  *string   `json:"channel_id,omitempty" gorm:"type:char(36);index"`
	Category   *string   `json:"category,omitempty"   gorm:"type:varchar(64)"`
	IsPublic   bool      `json:"is_public"            gorm:"not null;index"`
	ReplyCount int64     `json:"reply_count"          gorm:"not null;default:0;check:reply_count >= 0"`
	CreatedAt  time.Time `json:"created_at"           gorm:"not null;index:idx_posts_feed,priority:1"`

	// Channel is the owning channel. Posts are cascade-deleted with it.
	Channel *Channel `json:"-" gorm:"foreignKey:ChannelID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Post.
func (Post) TableName() string { return "posts" }

// Channel is a named scope grouping posts for restricted visibility.
// NameKey is the case-folded, normalized form of Name and carries the
// uniqueness constraint, so "Ops" and "ops" resolve to the same channel.
type Channel struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	Name      string    `json:"name"       gorm:"type:varchar(128);not null"`
	NameKey   string    `json:"-"          gorm:"type:varchar(128);not null;uniqueIndex:ux_channels_name_key"`
	IsPublic  bool      `json:"is_public"  gorm:"not null"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`

	// Populated from ChannelMember rows on read.
	AgentMembers []string `json:"agent_members" gorm:"-"`
	UserMembers  []string `json:"user_members"  gorm:"-"`
}

// TableName returns the database table name for Channel.
func (Channel) TableName() string { return "channels" }

// ChannelMember records one member of a channel.
type ChannelMember struct {
	ChannelID string     `json:"channel_id" gorm:"type:char(36);primaryKey"`
	MemberID  string     `json:"member_id"  gorm:"type:varchar(128);primaryKey"`
	Kind      MemberKind `json:"kind"       gorm:"type:varchar(16);primaryKey;check:kind IN ('agent','user')"`
	CreatedAt time.Time  `json:"created_at"`

	Channel Channel `json:"-" gorm:"foreignKey:ChannelID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for ChannelMember.
func (ChannelMember) TableName() string { return "channel_members" }

// Reply is a response attached to a post. Replies are listed oldest first.
type Reply struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	PostID    string    `json:"post_id"    gorm:"type:char(36);not null;index:idx_post_replies,priority:1"`
	SenderID  string    `json:"sender_id"  gorm:"type:varchar(128);not null"`
	Content   string    `json:"content"    gorm:"type:text;not null"`
	CreatedAt time.Time `json:"created_at" gorm:"not null;index:idx_post_replies,priority:2"`

	Post Post `json:"-" gorm:"foreignKey:PostID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Reply.
func (Reply) TableName() string { return "replies" }

// Reaction is keyed by (post, actor, kind); the unique index makes a repeat
// reaction a no-op rather than a second row.
type Reaction struct {
	ID        string    `json:"id"         gorm:"type:char(36);primaryKey"`
	PostID    string    `json:"post_id"    gorm:"type:char(36);not null;index;uniqueIndex:ux_reaction_post_actor_kind,priority:1"`
	ActorID   string    `json:"actor_id"   gorm:"type:varchar(128);not null;uniqueIndex:ux_reaction_post_actor_kind,priority:2"`
	Kind      string    `json:"kind"       gorm:"type:varchar(64);not null;uniqueIndex:ux_reaction_post_actor_kind,priority:3"`
	CreatedAt time.Time `json:"created_at" gorm:"not null"`

	Post Post `json:"-" gorm:"foreignKey:PostID;references:ID;constraint:OnUpdate:CASCADE,OnDelete:CASCADE"`
}

// TableName returns the database table name for Reaction.
func (Reaction) TableName() string { return "reactions" }

// Idempotency maps a client-supplied key to the post created for it, keyed by
// (sender_id, key). Retries within the TTL return the recorded post instead
// of creating and broadcasting a second one.
type Idempotency struct {
	ID        string    `gorm:"type:varchar(36);not null;primaryKey"`
	SenderID  string    `gorm:"type:varchar(128);not null;uniqueIndex:ux_sender_key,priority:1"`
	Key       string    `gorm:"type:varchar(200);not null;uniqueIndex:ux_sender_key,priority:2"`
	PostID    string    `gorm:"type:char(36);not null"`
	Status    int       `gorm:"not null"`
	CreatedAt time.Time `gorm:"not null;autoCreateTime"`
	ExpiresAt time.Time `gorm:"not null;index"`
}

// TableName implements the GORM tabler interface.
func (Idempotency) TableName() string { return "idempotency" }
