package model

import (
	"errors"
	"strings"
	"unicode"
)

// ResourceKind is the prefix of a resource key.
type ResourceKind string

const (
	ResourceChannel ResourceKind = "channel"
	ResourceDM      ResourceKind = "dm"
	ResourceUser    ResourceKind = "user"
	ResourceServer  ResourceKind = "server"
)

// IsValid reports whether k is a known resource kind.
func (k ResourceKind) IsValid() bool {
	switch k {
	case ResourceChannel, ResourceDM, ResourceUser, ResourceServer:
		return true
	}
	return false
}

// ChannelResource returns the resource key for a channel.
func ChannelResource(channelID string) string {
	return string(ResourceChannel) + ":" + channelID
}

// DMResource returns the resource key for a direct-message pair. Participant
// ids are ordered so both sides derive the same key.
func DMResource(userA, userB string) string {
	if userB < userA {
		userA, userB = userB, userA
	}
	return string(ResourceDM) + ":" + userA + ":" + userB
}

// UserResource returns the resource key for a user's private stream.
func UserResource(userID string) string {
	return string(ResourceUser) + ":" + userID
}

// ServerResource returns the resource key for a server-wide broadcast scope.
func ServerResource(serverID string) string {
	return string(ResourceServer) + ":" + serverID
}

// KindOf returns the kind prefix of a resource key, or "" if the key has none.
func KindOf(resourceID string) ResourceKind {
	kind, _, ok := strings.Cut(resourceID, ":")
	if !ok {
		return ""
	}
	return ResourceKind(kind)
}

// ValidateResourceID checks that a resource key has a known kind prefix and a
// non-empty remainder without whitespace.
func ValidateResourceID(resourceID string) error {
	if resourceID == "" {
		return errors.New("is required")
	}
	kind, rest, ok := strings.Cut(resourceID, ":")
	if !ok || rest == "" {
		return errors.New("must have the form <kind>:<id>")
	}
	if !ResourceKind(kind).IsValid() {
		return errors.New("unknown resource kind " + `"` + kind + `"`)
	}
	if strings.IndexFunc(resourceID, unicode.IsSpace) >= 0 {
		return errors.New("must not contain whitespace")
	}
	if len(resourceID) > 256 {
		return errors.New("must be 256 characters or fewer")
	}
	return nil
}
