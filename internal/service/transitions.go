package service

import (
	"time"

	"blocktalk/internal/ledger"
	"blocktalk/internal/models"
)

// Each function below takes the previous snapshot by value and returns the
// next one. None of them touches its input.

// sending fixes the timestamp at millisecond precision, the coarsest any
// store keeps, so a reloaded message matches what was sent to the ledger.
func sending(id string, req SendRequest, at time.Time, provisionalHash string) models.Message {
	return models.Message{
		ID:          id,
		Text:        req.Text,
		Plaintext:   req.Text,
		ContentHash: provisionalHash,
		SenderID:    req.SenderID,
		ReceiverID:  req.ReceiverID,
		Timestamp:   at.Truncate(time.Millisecond),
		Status:      models.StatusSending,
	}
}

func sealed(prev models.Message, ciphertext, contentHash string) models.Message {
	next := prev.Clone()
	next.Text = ciphertext
	next.ContentHash = contentHash
	next.Status = models.StatusSent
	return next
}

func chainPending(prev models.Message) models.Message {
	next := prev.Clone()
	next.Status = models.StatusChainPending
	return next
}

func chainConfirmed(prev models.Message, r ledger.Receipt, link string) models.Message {
	next := prev.Clone()
	next.Status = models.StatusChainConfirmed
	next.Chain = &models.ChainRecord{
		TransactionRef: r.TransactionRef,
		Block:          r.Block,
		Fee:            r.Fee,
	}
	next.VerificationLink = link
	return next
}

func chainFailed(prev models.Message) models.Message {
	next := prev.Clone()
	next.Status = models.StatusChainFailed
	next.Chain = nil
	next.VerificationLink = ""
	return next
}

func failed(prev models.Message) models.Message {
	next := prev.Clone()
	next.Status = models.StatusFailed
	next.Chain = nil
	return next
}
