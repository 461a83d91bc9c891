package service

import (
	"context"
	"testing"
	"time"

	"blocktalk/internal/cipher"
	"blocktalk/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fixedTamper int

func (f fixedTamper) Tampered(string) int { return int(f) }

func seedBook(t *testing.T) *Conversations {
	t.Helper()
	store := newStubStore()
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	store.data[models.ConversationKey("u1", "u2")] = []models.Message{
		{ID: "1", Text: cipher.Encode("one", 3), ContentHash: "h1", Status: models.StatusChainConfirmed, Timestamp: base,
			Chain: &models.ChainRecord{TransactionRef: "0x1", Fee: "0.00200 ETH"}},
		{ID: "2", Text: cipher.Encode("two", 3), ContentHash: "h2", Status: models.StatusChainFailed, Timestamp: base.Add(time.Minute)},
		{ID: "3", Text: cipher.Encode("three", 3), ContentHash: "h3", Status: models.StatusSent, Timestamp: base.Add(2 * time.Minute)},
	}
	store.data[models.ConversationKey("u1", "u3")] = []models.Message{
		{ID: "4", Text: cipher.Encode("four", 3), ContentHash: "h4", Status: models.StatusChainConfirmed, Timestamp: base.Add(3 * time.Minute),
			Chain: &models.ChainRecord{TransactionRef: "0x4", Fee: "0.00400 ETH"}},
		{ID: "5", Text: "plain", Status: models.StatusChainPending, Timestamp: base.Add(4 * time.Minute)},
	}
	store.data[models.ConversationKey("u2", "u3")] = []models.Message{
		{ID: "6", Status: models.StatusChainConfirmed, Chain: &models.ChainRecord{TransactionRef: "0x6", Fee: "1 ETH"}},
	}
	return NewConversations(store, nil)
}

func TestLedgerBookEntries(t *testing.T) {
	book := NewLedgerBook(seedBook(t), cipher.NewCodec(3), nil)

	entries, err := book.Entries(context.Background(), "u1")
	require.NoError(t, err)

	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	assert.Equal(t, []string{"5", "4", "2", "1"}, ids)
	assert.Equal(t, "four", entries[1].DecryptedText)
	assert.Equal(t, "plain", entries[0].DecryptedText)
	assert.Equal(t, models.ConversationKey("u1", "u3"), entries[0].Conversation)
}

func TestLedgerBookStats(t *testing.T) {
	book := NewLedgerBook(seedBook(t), cipher.NewCodec(3), fixedTamper(2))

	s, err := book.Stats(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, 5, s.TotalMessages)
	assert.Equal(t, 4, s.Hashed)
	assert.Equal(t, 4, s.LoggedOnChain)
	assert.Equal(t, 2, s.Confirmed)
	assert.Equal(t, 1, s.Pending)
	assert.Equal(t, 1, s.Failed)
	assert.InDelta(t, 0.006, s.TotalFeesETH, 1e-9)
	assert.InDelta(t, 0.003, s.AverageFeeETH, 1e-9)
	assert.Equal(t, 2, s.TamperedDetected)
}

func TestLedgerBookStatsEmpty(t *testing.T) {
	book := NewLedgerBook(NewConversations(newStubStore(), nil), nil, nil)
	s, err := book.Stats(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Equal(t, Stats{}, s)
}

func TestParseFee(t *testing.T) {
	v, ok := parseFee("0.00523 ETH")
	assert.True(t, ok)
	assert.InDelta(t, 0.00523, v, 1e-12)

	_, ok = parseFee("free")
	assert.False(t, ok)
}
