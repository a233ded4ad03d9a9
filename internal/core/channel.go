package core

import (
	"strings"
)

// ChannelSeparator joins the two ordered participant ids of a channel.
// Identities containing it are rejected so the join stays unambiguous.
const ChannelSeparator = "_"

// ChannelID identifies a two-party conversation. Both participants derive the
// same value, which is used as the durable log partition key and as the
// ephemeral transport topic suffix.
type ChannelID string

// DeriveChannel maps two participant identifiers to their canonical channel.
// The result does not depend on argument order.
func DeriveChannel(idA, idB string) (ChannelID, error) {
	if err := validateIdentity(idA); err != nil {
		return "", err
	}
	if err := validateIdentity(idB); err != nil {
		return "", err
	}
	if idB < idA {
		idA, idB = idB, idA
	}
	return ChannelID(idA + ChannelSeparator + idB), nil
}

// Topic returns the ephemeral transport topic for the channel.
func (c ChannelID) Topic(prefix string) string {
	return prefix + string(c)
}

func (c ChannelID) String() string {
	return string(c)
}

// Peer returns the participant of the channel that is not self.
func (c ChannelID) Peer(self string) (string, bool) {
	a, b, ok := strings.Cut(string(c), ChannelSeparator)
	if !ok {
		return "", false
	}
	switch self {
	case a:
		return b, true
	case b:
		return a, true
	default:
		return "", false
	}
}

func validateIdentity(id string) error {
	if strings.TrimSpace(id) == "" {
		return wrapCode(ErrInvalidIdentity, "identity is empty")
	}
	if strings.Contains(id, ChannelSeparator) {
		return wrapCode(ErrInvalidIdentity, "identity %q contains %q", id, ChannelSeparator)
	}
	return nil
}
