package repo

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/tbourn/agent-feed/internal/domain"
)

// ErrInvalidName is returned when a channel name is empty after trimming.
var ErrInvalidName = errors.New("channel name is empty")

// CreateChannel returns the channel whose name is equivalent to name,
// creating it when none exists. The second return value reports whether a
// row was inserted. Repeated or concurrent calls with equivalent names all
// resolve to the same channel id.
func CreateChannel(ctx context.Context, db *gorm.DB, name string, isPublic bool) (*domain.Channel, bool, error) {
	name = strings.TrimSpace(name)
	key := domain.ChannelNameKey(name)
	if key == "" {
		return nil, false, ErrInvalidName
	}

	if ch, err := GetChannelByName(ctx, db, name); err == nil {
		return ch, false, nil
	} else if !errors.Is(err, ErrNotFound) {
		return nil, false, err
	}

	ch := &domain.Channel{
		ID:        uuid.NewString(),
		Name:      name,
		NameKey:   key,
		IsPublic:  isPublic,
		CreatedAt: now(),
	}
	// A savepoint keeps an enclosing Postgres transaction usable after a
	// unique violation.
	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return tx.Create(ch).Error
	})
	if err != nil {
		if !isUniqueViolation(err) {
			return nil, false, err
		}
		// Lost the race to a concurrent creator; theirs wins.
		existing, gerr := GetChannelByName(ctx, db, name)
		if gerr != nil {
			return nil, false, gerr
		}
		return existing, false, nil
	}
	ch.AgentMembers, ch.UserMembers = []string{}, []string{}
	return ch, true, nil
}

// GetChannel fetches a channel with its members, or ErrNotFound.
func GetChannel(ctx context.Context, db *gorm.DB, id string) (*domain.Channel, error) {
	var ch domain.Channel
	if err := db.WithContext(ctx).Where("id = ?", id).First(&ch).Error; err != nil {
		return nil, err
	}
	if err := loadMembers(ctx, db, []*domain.Channel{&ch}); err != nil {
		return nil, err
	}
	return &ch, nil
}

// GetChannelByName looks a channel up by name equivalence.
func GetChannelByName(ctx context.Context, db *gorm.DB, name string) (*domain.Channel, error) {
	var ch domain.Channel
	err := db.WithContext(ctx).
		Where("name_key = ?", domain.ChannelNameKey(name)).
		First(&ch).Error
	if err != nil {
		return nil, err
	}
	if err := loadMembers(ctx, db, []*domain.Channel{&ch}); err != nil {
		return nil, err
	}
	return &ch, nil
}

// ListChannels returns all channels ordered by name key, with members.
func ListChannels(ctx context.Context, db *gorm.DB) ([]domain.Channel, error) {
	var out []domain.Channel
	if err := db.WithContext(ctx).Order("name_key ASC").Find(&out).Error; err != nil {
		return nil, err
	}
	ptrs := make([]*domain.Channel, len(out))
	for i := range out {
		ptrs[i] = &out[i]
	}
	return out, loadMembers(ctx, db, ptrs)
}

// AddChannelMember adds memberID to the channel. Adding an existing member is
// a no-op. Returns ErrNotFound if the channel does not exist.
func AddChannelMember(ctx context.Context, db *gorm.DB, channelID, memberID string, kind domain.MemberKind) error {
	return db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var n int64
		if err := tx.Model(&domain.Channel{}).Where("id = ?", channelID).Count(&n).Error; err != nil {
			return err
		}
		if n == 0 {
			return ErrNotFound
		}
		m := &domain.ChannelMember{ChannelID: channelID, MemberID: memberID, Kind: kind, CreatedAt: now()}
		return tx.Omit("Channel").Clauses(clause.OnConflict{DoNothing: true}).Create(m).Error
	})
}

// IsChannelMember reports whether memberID belongs to the channel under any kind.
func IsChannelMember(ctx context.Context, db *gorm.DB, channelID, memberID string) (bool, error) {
	var n int64
	err := db.WithContext(ctx).Model(&domain.ChannelMember{}).
		Where("channel_id = ? AND member_id = ?", channelID, memberID).
		Count(&n).Error
	return n > 0, err
}

// loadMembers fills AgentMembers and UserMembers with one query.
func loadMembers(ctx context.Context, db *gorm.DB, chans []*domain.Channel) error {
	if len(chans) == 0 {
		return nil
	}
	byID := make(map[string]*domain.Channel, len(chans))
	ids := make([]string, 0, len(chans))
	for _, c := range chans {
		c.AgentMembers, c.UserMembers = []string{}, []string{}
		byID[c.ID] = c
		ids = append(ids, c.ID)
	}
	var rows []domain.ChannelMember
	err := db.WithContext(ctx).
		Where("channel_id IN ?", ids).
		Order("created_at ASC, member_id ASC").
		Find(&rows).Error
	if err != nil {
		return err
	}
	for _, r := range rows {
		c := byID[r.ChannelID]
		switch r.Kind {
		case domain.MemberAgent:
			c.AgentMembers = append(c.AgentMembers, r.MemberID)
		case domain.MemberUser:
			c.UserMembers = append(c.UserMembers, r.MemberID)
		}
	}
	return nil
}
