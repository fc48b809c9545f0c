package model

import (
	"fmt"
	"sort"
)

// EventType is a closed, dot-namespaced "resource.action" tag.
type EventType string

const (
	EventMessageCreated EventType = "message.created"
	EventMessageUpdated EventType = "message.updated"
	EventMessageDeleted EventType = "message.deleted"

	EventReactionAdded   EventType = "reaction.added"
	EventReactionRemoved EventType = "reaction.removed"

	EventChannelCreated EventType = "channel.created"
	EventChannelUpdated EventType = "channel.updated"
	EventChannelDeleted EventType = "channel.deleted"

	EventMemberJoined  EventType = "member.joined"
	EventMemberLeft    EventType = "member.left"
	EventMemberUpdated EventType = "member.updated"

	EventRoleCreated EventType = "role.created"
	EventRoleUpdated EventType = "role.updated"
	EventRoleDeleted EventType = "role.deleted"

	EventServerUpdated EventType = "server.updated"
	EventServerDeleted EventType = "server.deleted"

	EventDMCreated        EventType = "dm.created"
	EventUserUpdated      EventType = "user.updated"
	EventPresenceUpdated  EventType = "presence.updated"
	EventTypingStarted    EventType = "typing.started"
	EventReadStateUpdated EventType = "read_state.updated"
)

var validEventTypes = map[EventType]bool{
	EventMessageCreated:   true,
	EventMessageUpdated:   true,
	EventMessageDeleted:   true,
	EventReactionAdded:    true,
	EventReactionRemoved:  true,
	EventChannelCreated:   true,
	EventChannelUpdated:   true,
	EventChannelDeleted:   true,
	EventMemberJoined:     true,
	EventMemberLeft:       true,
	EventMemberUpdated:    true,
	EventRoleCreated:      true,
	EventRoleUpdated:      true,
	EventRoleDeleted:      true,
	EventServerUpdated:    true,
	EventServerDeleted:    true,
	EventDMCreated:        true,
	EventUserUpdated:      true,
	EventPresenceUpdated:  true,
	EventTypingStarted:    true,
	EventReadStateUpdated: true,
}

// IsValid reports whether t belongs to the closed set of event types.
func (t EventType) IsValid() bool {
	return validEventTypes[t]
}

func (t EventType) String() string {
	return string(t)
}

// ParseEventType converts a wire string into an EventType, rejecting values
// outside the closed set.
func ParseEventType(s string) (EventType, error) {
	t := EventType(s)
	if !t.IsValid() {
		return "", fmt.Errorf("unknown event type %q", s)
	}
	return t, nil
}

// EventTypes returns every known event type, sorted.
func EventTypes() []EventType {
	out := make([]EventType, 0, len(validEventTypes))
	for t := range validEventTypes {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
