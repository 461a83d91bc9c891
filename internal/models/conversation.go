package models

import (
	"fmt"
	"strings"
)

// KeySeparator joins the two participant ids of a conversation key.
const KeySeparator = "::"

// ConversationKey identifies the conversation between a and b regardless of
// who is sending.
func ConversationKey(a, b string) string {
	if b < a {
		a, b = b, a
	}
	return a + KeySeparator + b
}

// ParseConversationKey returns the participants of key in sorted order.
func ParseConversationKey(key string) (string, string, error) {
	a, b, ok := strings.Cut(key, KeySeparator)
	if !ok || a == "" || b == "" {
		return "", "", fmt.Errorf("malformed conversation key %q", key)
	}
	return a, b, nil
}

// HasParticipant reports whether userID is one side of key.
func HasParticipant(key, userID string) bool {
	a, b, err := ParseConversationKey(key)
	if err != nil {
		return false
	}
	return a == userID || b == userID
}

type Profile struct {
	ID          string `json:"id" bson:"id"`
	DisplayName string `json:"displayName" bson:"displayName"`
	AvatarRef   string `json:"avatarRef,omitempty" bson:"avatarRef,omitempty"`
	WalletRef   string `json:"walletRef,omitempty" bson:"walletRef,omitempty"`
}

// LedgerRef is the identity written to the ledger for this profile: the
// wallet when there is one, otherwise the user id.
func (p Profile) LedgerRef() string {
	if p.WalletRef != "" {
		return p.WalletRef
	}
	return p.ID
}
