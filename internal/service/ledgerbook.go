package service

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"blocktalk/internal/models"
	"blocktalk/internal/utils/log"

	"go.uber.org/zap"
)

type Decoder interface {
	Decrypt(ctx context.Context, text string) (string, error)
}

// TamperCounter reports how many of a user's messages failed an integrity
// audit.
type TamperCounter interface {
	Tampered(userID string) int
}

type LedgerEntry struct {
	models.Message
	DecryptedText string `json:"decryptedText"`
	Conversation  string `json:"conversation"`
}

type Stats struct {
	TotalMessages    int     `json:"totalMessages"`
	Hashed           int     `json:"totalMessagesHashed"`
	LoggedOnChain    int     `json:"totalHashesLoggedOnChain"`
	Confirmed        int     `json:"confirmedTransactions"`
	Pending          int     `json:"pendingTransactions"`
	Failed           int     `json:"failedTransactions"`
	TotalFeesETH     float64 `json:"totalGasFeesEth"`
	AverageFeeETH    float64 `json:"averageGasFeeEth"`
	TamperedDetected int     `json:"tamperedMessagesDetected"`
}

// LedgerBook is the read side over everything a user has tried to log on
// the ledger.
type LedgerBook struct {
	convs   *Conversations
	decoder Decoder
	tamper  TamperCounter
}

func NewLedgerBook(convs *Conversations, decoder Decoder, tamper TamperCounter) *LedgerBook {
	return &LedgerBook{convs: convs, decoder: decoder, tamper: tamper}
}

// Entries returns the user's messages that went to the ledger, newest first.
func (b *LedgerBook) Entries(ctx context.Context, userID string) ([]LedgerEntry, error) {
	convs, err := b.convs.ForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	entries := make([]LedgerEntry, 0)
	for _, c := range convs {
		for _, m := range c.Messages() {
			if m.Chain == nil && !m.Status.IsChain() {
				continue
			}
			entries = append(entries, LedgerEntry{
				Message:       m,
				DecryptedText: b.decrypt(ctx, m.Text),
				Conversation:  c.Key(),
			})
		}
	}
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].Timestamp.After(entries[j].Timestamp)
	})
	return entries, nil
}

func (b *LedgerBook) Stats(ctx context.Context, userID string) (Stats, error) {
	convs, err := b.convs.ForUser(ctx, userID)
	if err != nil {
		return Stats{}, err
	}
	var (
		s        Stats
		feeCount int
	)
	for _, c := range convs {
		for _, m := range c.Messages() {
			s.TotalMessages++
			if m.ContentHash != "" {
				s.Hashed++
			}
			if !m.Status.IsChain() {
				continue
			}
			s.LoggedOnChain++
			switch m.Status {
			case models.StatusChainConfirmed:
				s.Confirmed++
				if m.Chain != nil {
					if fee, ok := parseFee(m.Chain.Fee); ok {
						s.TotalFeesETH += fee
						feeCount++
					}
				}
			case models.StatusChainPending:
				s.Pending++
			case models.StatusChainFailed:
				s.Failed++
			}
		}
	}
	if feeCount > 0 {
		s.AverageFeeETH = s.TotalFeesETH / float64(feeCount)
	}
	if b.tamper != nil {
		s.TamperedDetected = b.tamper.Tampered(userID)
	}
	return s, nil
}

func (b *LedgerBook) decrypt(ctx context.Context, text string) string {
	if b.decoder == nil {
		return text
	}
	out, err := b.decoder.Decrypt(ctx, text)
	if err != nil {
		log.Debug("decrypt for ledger view failed", zap.Error(err))
		return text
	}
	return out
}

// parseFee reads the amount out of "0.00523 ETH".
func parseFee(fee string) (float64, bool) {
	amount, _, _ := strings.Cut(strings.TrimSpace(fee), " ")
	v, err := strconv.ParseFloat(amount, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}
