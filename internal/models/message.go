package models

import (
	"strings"
	"time"
)

type Status string

const (
	StatusComposing      Status = "composing"
	StatusSending        Status = "sending"
	StatusSent           Status = "sent"
	StatusChainPending   Status = "chain_pending"
	StatusChainConfirmed Status = "chain_confirmed"
	StatusChainFailed    Status = "chain_failed"
	StatusFailed         Status = "failed"
)

var transitions = map[Status][]Status{
	StatusComposing:    {StatusSending},
	StatusSending:      {StatusSent, StatusFailed},
	StatusSent:         {StatusChainPending},
	StatusChainPending: {StatusChainConfirmed, StatusChainFailed},
}

// IsTerminal reports whether no automatic transition leaves s. A message
// sent with chain logging disabled also stops at sent, but sent itself
// is not terminal.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusChainConfirmed, StatusChainFailed, StatusFailed:
		return true
	}
	return false
}

// IsChain reports whether s is one of the chain_* states.
func (s Status) IsChain() bool {
	return strings.HasPrefix(string(s), "chain_")
}

// CanTransition reports whether a message in s may be replaced by a
// snapshot in next. Rewriting a non-terminal state with itself is allowed so
// that persistence retries stay idempotent.
func (s Status) CanTransition(next Status) bool {
	if s == next {
		return !s.IsTerminal()
	}
	for _, to := range transitions[s] {
		if to == next {
			return true
		}
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusComposing, StatusSending, StatusSent, StatusChainPending,
		StatusChainConfirmed, StatusChainFailed, StatusFailed:
		return true
	}
	return false
}

// ChainRecord is the ledger receipt of a confirmed message.
type ChainRecord struct {
	TransactionRef string `json:"transactionRef" bson:"transactionRef"`
	Block          uint64 `json:"block" bson:"block"`
	Fee            string `json:"fee" bson:"fee"`
}

type Message struct {
	ID string `json:"id" bson:"id"`
	// Text holds the ciphertext once the message has left sending.
	Text             string       `json:"text" bson:"text"`
	Plaintext        string       `json:"-" bson:"-"`
	ContentHash      string       `json:"messageHash" bson:"messageHash"`
	SenderID         string       `json:"senderId" bson:"senderId"`
	ReceiverID       string       `json:"receiverId" bson:"receiverId"`
	Timestamp        time.Time    `json:"timestamp" bson:"timestamp"`
	Status           Status       `json:"status" bson:"status"`
	Chain            *ChainRecord `json:"chainRecord,omitempty" bson:"chainRecord,omitempty"`
	VerificationLink string       `json:"verificationLink,omitempty" bson:"verificationLink,omitempty"`
}

// Clone returns a copy that shares nothing with m.
func (m Message) Clone() Message {
	if m.Chain != nil {
		c := *m.Chain
		m.Chain = &c
	}
	return m
}

func CloneAll(msgs []Message) []Message {
	out := make([]Message, len(msgs))
	for i, m := range msgs {
		out[i] = m.Clone()
	}
	return out
}
