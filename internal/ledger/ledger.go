// Package ledger is the boundary to the distributed ledger that message
// hashes are logged to. Only a simulated client exists today.
package ledger

import (
	"context"
	"strings"
	"time"
)

type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeFailed    Outcome = "failed"
)

// Record is what gets written to the ledger for one message.
type Record struct {
	SenderRef   string
	ReceiverRef string
	ContentHash string
	Timestamp   time.Time
}

// Receipt is the result of a submission. On OutcomeFailed every other field
// is the zero value.
type Receipt struct {
	TransactionRef string
	Fee            string
	Block          uint64
	Outcome        Outcome
}

// Verification is an on-ledger record found for an identifier.
type Verification struct {
	RemoteHash  string    `json:"remoteHash"`
	SenderRef   string    `json:"senderRef"`
	ReceiverRef string    `json:"receiverRef"`
	Timestamp   time.Time `json:"timestamp"`
	Matches     bool      `json:"matches"`
}

// Client submits and looks up message records. Submit and Verify return an
// error only for transport or consensus faults; a rejected submission is a
// Receipt with OutcomeFailed, and a missing record is a nil Verification.
type Client interface {
	Submit(ctx context.Context, rec Record) (Receipt, error)
	Verify(ctx context.Context, identifier, localHash string) (*Verification, error)
	ExplorerLink(transactionRef string) string
}

// ExplorerLink joins base and ref with a single slash. It returns "" when
// base is empty.
func ExplorerLink(base, ref string) string {
	if base == "" {
		return ""
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base + ref
}
