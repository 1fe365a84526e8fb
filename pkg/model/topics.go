package model

import (
	"strings"
)

// DefaultTopicBase is the namespace shared by every device of a deployment
const DefaultTopicBase = "college-bus-tracker/v1"

// Topics builds and classifies the broker topics under one base
type Topics struct {
	Base string
}

// NewTopics trims trailing slashes; an empty base uses DefaultTopicBase
func NewTopics(base string) Topics {
	base = strings.TrimRight(base, "/")
	if base == "" {
		base = DefaultTopicBase
	}
	return Topics{Base: base}
}

// Updates returns the retained position topic of a route
func (t Topics) Updates(routeID string) string {
	return t.Base + "/updates/" + routeID
}

// UpdatesWildcard matches the position topics of every route
func (t Topics) UpdatesWildcard() string {
	return t.Base + "/updates/+"
}

// Config returns the retained configuration topic
func (t Topics) Config() string {
	return t.Base + "/config"
}

// TopicKind classifies an inbound topic
type TopicKind int

const (
	TopicUnknown TopicKind = iota
	TopicPosition
	TopicConfig
)

// Classify reports the kind of topic and, for position topics, the route id
func (t Topics) Classify(topic string) (TopicKind, string) {
	if topic == t.Config() {
		return TopicConfig, ""
	}
	prefix := t.Base + "/updates/"
	if strings.HasPrefix(topic, prefix) {
		id := strings.TrimPrefix(topic, prefix)
		if id != "" && !strings.Contains(id, "/") {
			return TopicPosition, id
		}
	}
	return TopicUnknown, ""
}
