package realtime

import (
	"errors"
	"fmt"

	"github.com/roboricindustries/raycon-realtime/pkg/schemas/common"
)

// Topic is the closed set of notification categories carried by the push channel.
type Topic uint8

const (
	EntityCreated Topic = iota
	EntityUpdated
	EntityDeleted
	EntityAssigned
	CallLogged
	PresenceChanged
	GenericDataChanged
	BatchChanged

	// TopicCount sizes per-topic tables. Keep it last.
	TopicCount
)

// WindowClass selects which debounce window a topic uses.
type WindowClass uint8

const (
	WindowShort WindowClass = iota
	WindowBulk
	WindowPresence
)

const Exchange = "crm.realtime"

// PresenceUpdateMeta routes the outbound presence command.
var PresenceUpdateMeta = common.EventMeta{
	EventType:  "presence-update",
	Exchange:   Exchange,
	RoutingKey: "crm.presence.update",
}

var ErrUnknownTopic = errors.New("unknown topic")

type topicInfo struct {
	name   string
	key    string
	window WindowClass
}

var topics = [TopicCount]topicInfo{
	EntityCreated:      {"entity-created", "crm.entity.created", WindowShort},
	EntityUpdated:      {"entity-updated", "crm.entity.updated", WindowShort},
	EntityDeleted:      {"entity-deleted", "crm.entity.deleted", WindowShort},
	EntityAssigned:     {"entity-assigned", "crm.entity.assigned", WindowShort},
	CallLogged:         {"call-logged", "crm.call.logged", WindowBulk},
	PresenceChanged:    {"presence-changed", "crm.presence.changed", WindowPresence},
	GenericDataChanged: {"generic-data-changed", "crm.data.changed", WindowShort},
	BatchChanged:       {"batch-changed", "crm.batch.changed", WindowBulk},
}

var byName = func() map[string]Topic {
	m := make(map[string]Topic, TopicCount)
	for t := Topic(0); t < TopicCount; t++ {
		m[topics[t].name] = t
	}
	return m
}()

// ParseTopic maps a wire name such as "entity-updated" to its Topic.
func ParseTopic(name string) (Topic, error) {
	t, ok := byName[name]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownTopic, name)
	}
	return t, nil
}

func (t Topic) Valid() bool { return t < TopicCount }

func (t Topic) String() string {
	if !t.Valid() {
		return fmt.Sprintf("topic(%d)", uint8(t))
	}
	return topics[t].name
}

func (t Topic) Window() WindowClass {
	if !t.Valid() {
		return WindowShort
	}
	return topics[t].window
}

// IsMutation reports whether the topic's effect is a list refresh.
func (t Topic) IsMutation() bool {
	return t.Valid() && t != PresenceChanged
}

// Meta returns the broker routing triple for the topic.
func (t Topic) Meta() common.EventMeta {
	if !t.Valid() {
		return common.EventMeta{}
	}
	return common.EventMeta{
		EventType:  topics[t].name,
		Exchange:   Exchange,
		RoutingKey: topics[t].key,
	}
}

// All returns every topic in declaration order.
func All() []Topic {
	out := make([]Topic, 0, TopicCount)
	for t := Topic(0); t < TopicCount; t++ {
		out = append(out, t)
	}
	return out
}

// MutationTopics returns every topic whose effect is a list refresh.
func MutationTopics() []Topic {
	out := make([]Topic, 0, TopicCount-1)
	for _, t := range All() {
		if t.IsMutation() {
			out = append(out, t)
		}
	}
	return out
}
