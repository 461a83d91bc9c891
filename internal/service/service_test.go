package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"blocktalk/internal/cipher"
	"blocktalk/internal/hasher"
	"blocktalk/internal/ledger"
	"blocktalk/internal/models"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fixedTime = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixedTime }

type stubStore struct {
	mu      sync.Mutex
	data    map[string][]models.Message
	saves   int
	failing bool
}

func newStubStore() *stubStore {
	return &stubStore{data: make(map[string][]models.Message)}
}

func (s *stubStore) LoadAll(_ context.Context, key string) ([]models.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return models.CloneAll(s.data[key]), nil
}

func (s *stubStore) SaveAll(_ context.Context, key string, msgs []models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.failing {
		return fmt.Errorf("simulated store failure")
	}
	s.data[key] = models.CloneAll(msgs)
	return nil
}

func (s *stubStore) Keys(context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.data))
	for k := range s.data {
		keys = append(keys, k)
	}
	return keys, nil
}

type stubLedger struct {
	mu           sync.Mutex
	receipt      ledger.Receipt
	submitErr    error
	block        bool
	submits      []ledger.Record
	verification *ledger.Verification
	verifyErr    error
	verifies     []string
	explorerBase string
}

func (l *stubLedger) Submit(ctx context.Context, rec ledger.Record) (ledger.Receipt, error) {
	l.mu.Lock()
	l.submits = append(l.submits, rec)
	block := l.block
	l.mu.Unlock()
	if block {
		<-ctx.Done()
		return ledger.Receipt{}, ctx.Err()
	}
	return l.receipt, l.submitErr
}

func (l *stubLedger) Verify(ctx context.Context, identifier, localHash string) (*ledger.Verification, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verifies = append(l.verifies, identifier+"|"+localHash)
	return l.verification, l.verifyErr
}

func (l *stubLedger) ExplorerLink(ref string) string {
	return ledger.ExplorerLink(l.explorerBase, ref)
}

func (l *stubLedger) submitCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.submits)
}

type failingEncoder struct{}

func (failingEncoder) Encrypt(context.Context, string) (string, error) {
	return "", fmt.Errorf("simulated encoder failure")
}

// failingDigester fails every call after the first okCalls.
type failingDigester struct {
	okCalls int
	calls   int
}

func (d *failingDigester) Hash(_ context.Context, text string) (string, error) {
	d.calls++
	if d.calls > d.okCalls {
		return "", fmt.Errorf("simulated digest failure")
	}
	return hasher.New().Sum(text), nil
}

func confirmedLedger() *stubLedger {
	return &stubLedger{
		receipt: ledger.Receipt{
			TransactionRef: "0xstubtx",
			Fee:            "0.00500 ETH",
			Block:          42,
			Outcome:        ledger.OutcomeConfirmed,
		},
		explorerBase: "https://explorer.test/tx/",
	}
}

func newTestPipeline(client ledger.Client, opts ...Option) *Pipeline {
	n := 0
	base := []Option{
		WithClock(fixedClock),
		WithIDGenerator(func() string { n++; return fmt.Sprintf("msg-%d", n) }),
	}
	return NewPipeline(cipher.NewCodec(cipher.DefaultShift), hasher.New(), client, append(base, opts...)...)
}

func openConv(t *testing.T, store MessageStore) *Conversation {
	t.Helper()
	conv, err := NewConversations(store, nil).Open(context.Background(), "u1", "u2")
	require.NoError(t, err)
	return conv
}

// record collects every snapshot of conv until the returned func is called.
func record(conv *Conversation) func() []models.Message {
	ch, cancel := conv.Subscribe(256)
	var got []models.Message
	done := make(chan struct{})
	go func() {
		defer close(done)
		for m := range ch {
			got = append(got, m)
		}
	}()
	return func() []models.Message {
		cancel()
		<-done
		return got
	}
}

func statuses(msgs []models.Message) []models.Status {
	out := make([]models.Status, len(msgs))
	for i, m := range msgs {
		out[i] = m.Status
	}
	return out
}

func TestSendConfirmed(t *testing.T) {
	store := newStubStore()
	conv := openConv(t, store)
	client := confirmedLedger()
	p := newTestPipeline(client)
	stop := record(conv)

	final, err := p.Send(context.Background(), conv, SendRequest{Text: "test", SenderID: "u1", ReceiverID: "u2"})
	require.NoError(t, err)
	snaps := stop()

	assert.Equal(t, []models.Status{
		models.StatusSending, models.StatusSent, models.StatusChainPending, models.StatusChainConfirmed,
	}, statuses(snaps))

	h := hasher.New()
	assert.Equal(t, "test", snaps[0].Text)
	assert.Equal(t, h.Sum("test"), snaps[0].ContentHash)

	assert.Equal(t, models.StatusChainConfirmed, final.Status)
	assert.Equal(t, "msg-1", final.ID)
	assert.Equal(t, fixedTime, final.Timestamp)
	assert.Equal(t, "cipher_caesar_3(whvw)", final.Text)
	assert.Equal(t, h.Sum("cipher_caesar_3(whvw)"), final.ContentHash)
	require.NotNil(t, final.Chain)
	assert.Equal(t, "0xstubtx", final.Chain.TransactionRef)
	assert.Equal(t, uint64(42), final.Chain.Block)
	assert.Equal(t, "https://explorer.test/tx/0xstubtx", final.VerificationLink)

	require.Len(t, client.submits, 1)
	assert.Equal(t, ledger.Record{
		SenderRef:   "u1",
		ReceiverRef: "u2",
		ContentHash: final.ContentHash,
		Timestamp:   fixedTime,
	}, client.submits[0])

	for _, s := range snaps {
		assert.Equal(t, "msg-1", s.ID)
		assert.Equal(t, fixedTime, s.Timestamp)
		assert.Empty(t, s.Plaintext)
	}

	assert.Equal(t, 4, store.saves)
	stored := store.data[models.ConversationKey("u1", "u2")]
	require.Len(t, stored, 1)
	assert.Equal(t, models.StatusChainConfirmed, stored[0].Status)
}

func TestSendLedgerRejected(t *testing.T) {
	conv := openConv(t, newStubStore())
	client := &stubLedger{receipt: ledger.Receipt{Outcome: ledger.OutcomeFailed}}
	p := newTestPipeline(client)
	stop := record(conv)

	final, err := p.Send(context.Background(), conv, SendRequest{Text: "test", SenderID: "u1", ReceiverID: "u2"})
	require.NoError(t, err)
	snaps := stop()

	assert.Equal(t, []models.Status{
		models.StatusSending, models.StatusSent, models.StatusChainPending, models.StatusChainFailed,
	}, statuses(snaps))
	assert.Equal(t, models.StatusChainFailed, final.Status)
	assert.Nil(t, final.Chain)
	assert.Empty(t, final.VerificationLink)
}

func TestSendWithoutChainLogging(t *testing.T) {
	conv := openConv(t, newStubStore())
	client := confirmedLedger()
	p := newTestPipeline(client)
	stop := record(conv)

	final, err := p.Send(context.Background(), conv, SendRequest{Text: "test", SenderID: "u1", ReceiverID: "u2", SkipChain: true})
	require.NoError(t, err)
	snaps := stop()

	assert.Equal(t, []models.Status{models.StatusSending, models.StatusSent}, statuses(snaps))
	assert.Equal(t, models.StatusSent, final.Status)
	assert.Nil(t, final.Chain)
	assert.Equal(t, 0, client.submitCount())
}

func TestSendUsesLedgerRefs(t *testing.T) {
	conv := openConv(t, nil)
	client := confirmedLedger()
	p := newTestPipeline(client)

	_, err := p.Send(context.Background(), conv, SendRequest{
		Text: "hi", SenderID: "u1", ReceiverID: "u2", SenderRef: "0xwallet",
	})
	require.NoError(t, err)
	require.Len(t, client.submits, 1)
	assert.Equal(t, "0xwallet", client.submits[0].SenderRef)
	assert.Equal(t, "u2", client.submits[0].ReceiverRef)
}

func TestSendLedgerError(t *testing.T) {
	conv := openConv(t, nil)
	client := &stubLedger{submitErr: errors.New("node unreachable")}
	p := newTestPipeline(client)
	stop := record(conv)

	final, err := p.Send(context.Background(), conv, SendRequest{Text: "test", SenderID: "u1", ReceiverID: "u2"})
	snaps := stop()

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.Equal(t, models.StatusChainFailed, final.Status)
	assert.Nil(t, final.Chain)
	assert.Equal(t, models.StatusChainFailed, snaps[len(snaps)-1].Status)
}

func TestSendLedgerTimeoutCountsAsFailure(t *testing.T) {
	conv := openConv(t, nil)
	client := &stubLedger{block: true}
	p := newTestPipeline(client, WithLedgerTimeout(20*time.Millisecond))

	final, err := p.Send(context.Background(), conv, SendRequest{Text: "test", SenderID: "u1", ReceiverID: "u2"})

	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, models.StatusChainFailed, final.Status)
	stored, ok := conv.Get(final.ID)
	require.True(t, ok)
	assert.Equal(t, models.StatusChainFailed, stored.Status)
}

func TestSendCancelledWhilePendingKeepsLastState(t *testing.T) {
	conv := openConv(t, nil)
	client := &stubLedger{block: true}
	p := newTestPipeline(client)
	stop := record(conv)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for client.submitCount() == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	final, err := p.Send(ctx, conv, SendRequest{Text: "test", SenderID: "u1", ReceiverID: "u2"})
	snaps := stop()

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, models.StatusChainPending, final.Status)
	assert.Equal(t, []models.Status{
		models.StatusSending, models.StatusSent, models.StatusChainPending,
	}, statuses(snaps))
	stored, _ := conv.Get(final.ID)
	assert.Equal(t, models.StatusChainPending, stored.Status)
}

func TestSendCancelledBeforeStart(t *testing.T) {
	conv := openConv(t, nil)
	p := newTestPipeline(confirmedLedger())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := p.Send(ctx, conv, SendRequest{Text: "test", SenderID: "u1", ReceiverID: "u2"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, conv.Messages())
}

func TestSendEncodeFailure(t *testing.T) {
	conv := openConv(t, nil)
	client := confirmedLedger()
	p := NewPipeline(failingEncoder{}, hasher.New(), client, WithClock(fixedClock))
	stop := record(conv)

	final, err := p.Send(context.Background(), conv, SendRequest{Text: "test", SenderID: "u1", ReceiverID: "u2"})
	snaps := stop()

	assert.ErrorIs(t, err, ErrLocalProcessing)
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, []models.Status{models.StatusSending, models.StatusFailed}, statuses(snaps))
	assert.Equal(t, 0, client.submitCount())
}

func TestSendHashFailureAfterEncoding(t *testing.T) {
	conv := openConv(t, nil)
	client := confirmedLedger()
	p := NewPipeline(cipher.NewCodec(3), &failingDigester{okCalls: 1}, client)
	stop := record(conv)

	final, err := p.Send(context.Background(), conv, SendRequest{Text: "test", SenderID: "u1", ReceiverID: "u2"})
	snaps := stop()

	assert.ErrorIs(t, err, ErrLocalProcessing)
	assert.Equal(t, []models.Status{models.StatusSending, models.StatusFailed}, statuses(snaps))
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, 0, client.submitCount())
}

func TestComposeProvisionalHashFailure(t *testing.T) {
	conv := openConv(t, nil)
	p := NewPipeline(cipher.NewCodec(3), &failingDigester{}, confirmedLedger())
	stop := record(conv)

	final, err := p.Compose(context.Background(), conv, SendRequest{Text: "test", SenderID: "u1", ReceiverID: "u2"})
	snaps := stop()

	assert.ErrorIs(t, err, ErrLocalProcessing)
	assert.Equal(t, models.StatusFailed, final.Status)
	assert.Equal(t, []models.Status{models.StatusSending, models.StatusFailed}, statuses(snaps))
}

func TestDeliverRejectsNonSendingMessage(t *testing.T) {
	p := newTestPipeline(confirmedLedger())
	_, err := p.Deliver(context.Background(), nil, models.Message{ID: "x", Status: models.StatusSent}, SendRequest{})
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestSendWithNilConversation(t *testing.T) {
	p := newTestPipeline(confirmedLedger())
	final, err := p.Send(context.Background(), nil, SendRequest{Text: "test", SenderID: "u1", ReceiverID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, models.StatusChainConfirmed, final.Status)
}

func TestConcurrentSendsAreIndependent(t *testing.T) {
	conv := openConv(t, newStubStore())
	var mu sync.Mutex
	n := 0
	p := NewPipeline(cipher.NewCodec(3), hasher.New(), confirmedLedger(),
		WithIDGenerator(func() string {
			mu.Lock()
			defer mu.Unlock()
			n++
			return fmt.Sprintf("msg-%d", n)
		}))
	stop := record(conv)

	const senders = 16
	var wg sync.WaitGroup
	for i := 0; i < senders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := p.Send(context.Background(), conv, SendRequest{
				Text: fmt.Sprintf("message %d", i), SenderID: "u1", ReceiverID: "u2",
			})
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()
	snaps := stop()

	perMessage := make(map[string][]models.Status)
	for _, s := range snaps {
		perMessage[s.ID] = append(perMessage[s.ID], s.Status)
	}
	require.Len(t, perMessage, senders)
	for id, seq := range perMessage {
		assert.Equalf(t, []models.Status{
			models.StatusSending, models.StatusSent, models.StatusChainPending, models.StatusChainConfirmed,
		}, seq, "message %s", id)
	}
	assert.Len(t, conv.Messages(), senders)
}

func TestTerminalSnapshotsKeepChainInvariant(t *testing.T) {
	clients := []ledger.Client{
		confirmedLedger(),
		&stubLedger{receipt: ledger.Receipt{Outcome: ledger.OutcomeFailed}},
		&stubLedger{submitErr: errors.New("boom")},
	}
	for _, client := range clients {
		conv := openConv(t, nil)
		p := newTestPipeline(client)
		final, _ := p.Send(context.Background(), conv, SendRequest{Text: "x", SenderID: "u1", ReceiverID: "u2"})
		require.True(t, final.Status.IsTerminal())
		assert.Equal(t, final.Status == models.StatusChainConfirmed, final.Chain != nil)
	}
}

func TestSendRecordsMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	conv, err := NewConversations(nil, m).Open(context.Background(), "u1", "u2")
	require.NoError(t, err)
	p := newTestPipeline(confirmedLedger(), WithMetrics(m))

	_, err = p.Send(context.Background(), conv, SendRequest{Text: "x", SenderID: "u1", ReceiverID: "u2"})
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := make(map[string]bool)
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["blocktalk_message_snapshots_total"])
	assert.True(t, names["blocktalk_message_outcomes_total"])
	assert.True(t, names["blocktalk_ledger_submit_seconds"])
}

func TestVerifyIntegrityMatches(t *testing.T) {
	local := hasher.New().Sum("Khoor, Zruog!")
	client := &stubLedger{verification: &ledger.Verification{RemoteHash: local, Matches: true}}
	p := newTestPipeline(client)

	report, err := p.VerifyIntegrity(context.Background(), "Khoor, Zruog!", "tx123")
	require.NoError(t, err)
	assert.True(t, report.Verified)
	assert.True(t, report.Found())
	assert.Equal(t, local, report.LocalHash)
	assert.Equal(t, []string{"tx123|" + local}, client.verifies)
}

func TestVerifyIntegrityMismatch(t *testing.T) {
	client := &stubLedger{verification: &ledger.Verification{RemoteHash: "other", Matches: false}}
	p := newTestPipeline(client)

	report, err := p.VerifyIntegrity(context.Background(), "content", "tx123")
	require.NoError(t, err)
	assert.True(t, report.Found())
	assert.False(t, report.Verified)
}

func TestVerifyIntegrityNotFound(t *testing.T) {
	p := newTestPipeline(&stubLedger{})

	report, err := p.VerifyIntegrity(context.Background(), "content", "tx123")
	require.NoError(t, err)
	assert.False(t, report.Found())
	assert.False(t, report.Verified)
	assert.NotEmpty(t, report.LocalHash)
}

func TestVerifyIntegrityLedgerError(t *testing.T) {
	p := newTestPipeline(&stubLedger{verifyErr: errors.New("rpc down")})

	_, err := p.VerifyIntegrity(context.Background(), "content", "tx123")
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestSendRejectsReusedID(t *testing.T) {
	conv := openConv(t, nil)
	p := newTestPipeline(confirmedLedger(), WithIDGenerator(func() string { return "same" }))

	first, err := p.Send(context.Background(), conv, SendRequest{Text: "one", SenderID: "u1", ReceiverID: "u2", SkipChain: true})
	require.NoError(t, err)

	_, err = p.Send(context.Background(), conv, SendRequest{Text: "two", SenderID: "u2", ReceiverID: "u1", SkipChain: true})
	assert.ErrorIs(t, err, ErrDuplicateID)

	got, ok := conv.Get("same")
	require.True(t, ok)
	assert.Equal(t, first.Text, got.Text)
	assert.Equal(t, "u1", got.SenderID)
	assert.Len(t, conv.Messages(), 1)
}

func TestTimestampKeptAtMillisecondPrecision(t *testing.T) {
	client := confirmedLedger()
	at := time.Date(2024, 5, 1, 12, 0, 0, 123456789, time.UTC)
	p := newTestPipeline(client, WithClock(func() time.Time { return at }))

	final, err := p.Send(context.Background(), openConv(t, nil), SendRequest{Text: "t", SenderID: "u1", ReceiverID: "u2"})
	require.NoError(t, err)

	want := time.Date(2024, 5, 1, 12, 0, 0, 123000000, time.UTC)
	assert.True(t, want.Equal(final.Timestamp), "got %v", final.Timestamp)
	require.Len(t, client.submits, 1)
	assert.True(t, final.Timestamp.Equal(client.submits[0].Timestamp))
}
