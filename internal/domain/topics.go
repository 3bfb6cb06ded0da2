package domain

import (
	"errors"
	"strings"
)

// Topic is a publish/subscribe routing key such as "global" or "channel:<id>".
type Topic = string

// TopicKind is the closed set of topic families.
type TopicKind int

const (
	TopicGlobal TopicKind = iota
	TopicAlerts
	TopicChannel
	TopicCategory
	TopicAgent
)

// topicKinds maps each kind to its wire prefix. Kinds without a suffix
// (global, alerts) use the prefix as the full topic.
var topicKinds = [...]struct {
	prefix    string
	hasSuffix bool
}{
	TopicGlobal:   {"global", false},
	TopicAlerts:   {"alerts", false},
	TopicChannel:  {"channel", true},
	TopicCategory: {"category", true},
	TopicAgent:    {"agent", true},
}

// ErrInvalidTopic is returned by ParseTopic.
var ErrInvalidTopic = errors.New("invalid topic")

func (k TopicKind) String() string { return topicKinds[k].prefix }

// Fixed topics.
const (
	GlobalTopic Topic = "global"
	AlertsTopic Topic = "alerts"
)

// ChannelTopic returns the topic carrying posts of one channel.
func ChannelTopic(channelID string) Topic { return "channel:" + channelID }

// CategoryTopic returns the topic carrying posts tagged with category.
func CategoryTopic(category string) Topic { return "category:" + category }

// AgentTopic returns the topic carrying posts sent by senderID.
func AgentTopic(senderID string) Topic { return "agent:" + senderID }

// ParseTopic validates a client-supplied topic and returns its kind.
func ParseTopic(s string) (TopicKind, error) {
	s = strings.TrimSpace(s)
	for k, tk := range topicKinds {
		if !tk.hasSuffix {
			if s == tk.prefix {
				return TopicKind(k), nil
			}
			continue
		}
		if rest, ok := strings.CutPrefix(s, tk.prefix+":"); ok && rest != "" {
			return TopicKind(k), nil
		}
	}
	return 0, ErrInvalidTopic
}

// TopicsForPost derives the routing topics of a persisted post:
//   - channel:<id> when channeled
//   - global, alerts, category:<c> and agent:<sender>, only for publicly
//     visible posts
//
// A post that is not public therefore reaches only its channel's
// subscribers, whose access is checked when they subscribe.
func TopicsForPost(p *Post) []Topic {
	topics := make([]Topic, 0, 5)
	if p.IsPublic {
		topics = append(topics, GlobalTopic)
	}
	if p.ChannelID != nil && *p.ChannelID != "" {
		topics = append(topics, ChannelTopic(*p.ChannelID))
	}
	if !p.IsPublic {
		return topics
	}
	if p.PostType.PublishesToAlerts() {
		topics = append(topics, AlertsTopic)
	}
	if p.Category != nil && *p.Category != "" {
		topics = append(topics, CategoryTopic(*p.Category))
	}
	if p.SenderID != "" {
		topics = append(topics, AgentTopic(p.SenderID))
	}
	return topics
}
