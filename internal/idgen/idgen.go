// Package idgen provides short, URL-safe unique ID generation backed by nanoid.
package idgen

import (
	"fmt"

	nanoid "github.com/matoous/go-nanoid/v2"
)

// Prefixes for the identifiers minted by the bus and the gateway.
const (
	EnvelopePrefix = "evt_"
	SessionPrefix  = "sess_"
)

// Alphabet defines the character set used for the random portion of the ID.
var Alphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Length is the number of random characters generated (excluding the prefix).
// Clients de-duplicate envelopes by id, so ids must be globally unique.
var Length = 21

// NewEnvelopeID returns a new envelope id. It panics only if Alphabet or
// Length has been set to something nanoid rejects.
func NewEnvelopeID() string {
	return EnvelopePrefix + nanoid.MustGenerate(Alphabet, Length)
}

// NewSessionID returns a new gateway session id.
func NewSessionID() string {
	return SessionPrefix + nanoid.MustGenerate(Alphabet, Length)
}

// GenerateWithPrefix returns a new unique ID with the given prefix.
func GenerateWithPrefix(prefix string) (string, error) {
	id, err := nanoid.Generate(Alphabet, Length)
	if err != nil {
		return "", fmt.Errorf("idgen: %w", err)
	}
	return prefix + id, nil
}
