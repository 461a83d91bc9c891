package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"blocktalk/internal/ledger"
	"blocktalk/internal/models"
	"blocktalk/internal/utils/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultLedgerTimeout = 30 * time.Second

var (
	// ErrLocalProcessing means the message could not be encoded or hashed.
	// The message ends in failed and never reaches the ledger.
	ErrLocalProcessing = errors.New("local message processing failed")
	// ErrLedgerUnavailable wraps ledger faults and timeouts. During a send
	// the message ends in chain_failed.
	ErrLedgerUnavailable = errors.New("ledger unavailable")
	ErrInvalidTransition = errors.New("invalid status transition")
	// ErrDuplicateID means a new message reused the id of a different one.
	ErrDuplicateID = errors.New("message id already in use")
)

type Encoder interface {
	Encrypt(ctx context.Context, plaintext string) (string, error)
}

type Digester interface {
	Hash(ctx context.Context, text string) (string, error)
}

// SendRequest describes one message to send. SenderRef and ReceiverRef are
// the identities written to the ledger and default to the ids.
type SendRequest struct {
	Text        string
	SenderID    string
	ReceiverID  string
	SenderRef   string
	ReceiverRef string
	// SkipChain stops the pipeline at sent without touching the ledger.
	SkipChain bool
}

func (r SendRequest) withDefaults() SendRequest {
	if r.SenderRef == "" {
		r.SenderRef = r.SenderID
	}
	if r.ReceiverRef == "" {
		r.ReceiverRef = r.ReceiverID
	}
	return r
}

// Pipeline drives a message from sending to a terminal state, recording
// every intermediate snapshot in the message's conversation.
type Pipeline struct {
	encoder       Encoder
	digester      Digester
	ledger        ledger.Client
	now           func() time.Time
	newID         func() string
	ledgerTimeout time.Duration
	metrics       *Metrics
}

type Option func(*Pipeline)

func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(p *Pipeline) { p.newID = gen }
}

// WithLedgerTimeout bounds every Submit and Verify call. A timed out submit
// counts as a rejected one.
func WithLedgerTimeout(d time.Duration) Option {
	return func(p *Pipeline) {
		if d > 0 {
			p.ledgerTimeout = d
		}
	}
}

func WithMetrics(m *Metrics) Option {
	return func(p *Pipeline) { p.metrics = m }
}

func NewPipeline(encoder Encoder, digester Digester, client ledger.Client, opts ...Option) *Pipeline {
	p := &Pipeline{
		encoder:       encoder,
		digester:      digester,
		ledger:        client,
		now:           time.Now,
		newID:         newMessageID,
		ledgerTimeout: DefaultLedgerTimeout,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func newMessageID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Send runs the whole lifecycle and returns the last snapshot it recorded.
// Snapshots are observable through conv as they happen.
func (p *Pipeline) Send(ctx context.Context, conv *Conversation, req SendRequest) (models.Message, error) {
	msg, err := p.Compose(ctx, conv, req)
	if err != nil {
		return msg, err
	}
	return p.Deliver(ctx, conv, msg, req)
}

// Compose allocates the message and records it as sending, with a
// provisional hash over the plaintext so it can be shown right away.
func (p *Pipeline) Compose(ctx context.Context, conv *Conversation, req SendRequest) (models.Message, error) {
	if err := ctx.Err(); err != nil {
		return models.Message{}, err
	}
	req = req.withDefaults()

	provisional, hashErr := p.digester.Hash(ctx, req.Text)
	msg := sending(p.newID(), req, p.now(), provisional)
	if err := p.emit(ctx, conv, msg); err != nil {
		return msg, err
	}
	if hashErr != nil {
		if ctx.Err() != nil {
			return msg, ctx.Err()
		}
		return p.fail(ctx, conv, msg, hashErr)
	}
	return msg, nil
}

// Deliver takes a message recorded by Compose through encoding, hashing and,
// unless req.SkipChain, ledger submission. If ctx is cancelled the message
// keeps its last recorded state and ctx.Err() is returned.
func (p *Pipeline) Deliver(ctx context.Context, conv *Conversation, msg models.Message, req SendRequest) (models.Message, error) {
	if msg.Status != models.StatusSending {
		return msg, fmt.Errorf("%w: cannot deliver a %s message", ErrInvalidTransition, msg.Status)
	}
	if err := ctx.Err(); err != nil {
		return msg, err
	}
	req = req.withDefaults()

	ciphertext, err := p.encoder.Encrypt(ctx, req.Text)
	var contentHash string
	if err == nil {
		contentHash, err = p.digester.Hash(ctx, ciphertext)
	}
	if err != nil {
		if ctx.Err() != nil {
			return msg, ctx.Err()
		}
		return p.fail(ctx, conv, msg, err)
	}

	msg = sealed(msg, ciphertext, contentHash)
	if err := p.emit(ctx, conv, msg); err != nil {
		return msg, err
	}
	if req.SkipChain {
		p.metrics.outcome(msg.Status)
		log.Info("message sent without ledger logging", zap.String("id", msg.ID))
		return msg, nil
	}
	if err := ctx.Err(); err != nil {
		return msg, err
	}

	msg = chainPending(msg)
	if err := p.emit(ctx, conv, msg); err != nil {
		return msg, err
	}

	receipt, err := p.submit(ctx, ledger.Record{
		SenderRef:   req.SenderRef,
		ReceiverRef: req.ReceiverRef,
		ContentHash: msg.ContentHash,
		Timestamp:   msg.Timestamp,
	})
	if err != nil {
		if ctx.Err() != nil {
			return msg, ctx.Err()
		}
		log.Error("ledger submission failed", zap.String("id", msg.ID), zap.Error(err))
		msg = chainFailed(msg)
		if emitErr := p.emit(ctx, conv, msg); emitErr != nil {
			return msg, emitErr
		}
		p.metrics.outcome(msg.Status)
		return msg, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}

	if receipt.Outcome == ledger.OutcomeConfirmed {
		msg = chainConfirmed(msg, receipt, p.ledger.ExplorerLink(receipt.TransactionRef))
		log.Info("message hash logged", zap.String("id", msg.ID), zap.String("tx", receipt.TransactionRef))
	} else {
		msg = chainFailed(msg)
		log.Warn("ledger rejected message hash", zap.String("id", msg.ID))
	}
	if err := p.emit(ctx, conv, msg); err != nil {
		return msg, err
	}
	p.metrics.outcome(msg.Status)
	return msg, nil
}

func (p *Pipeline) submit(ctx context.Context, rec ledger.Record) (ledger.Receipt, error) {
	start := time.Now()
	subCtx, cancel := context.WithTimeout(ctx, p.ledgerTimeout)
	defer cancel()
	r, err := p.ledger.Submit(subCtx, rec)
	p.metrics.submitted(time.Since(start))
	return r, err
}

func (p *Pipeline) fail(ctx context.Context, conv *Conversation, msg models.Message, cause error) (models.Message, error) {
	log.Error("message processing failed", zap.String("id", msg.ID), zap.Error(cause))
	msg = failed(msg)
	if err := p.emit(ctx, conv, msg); err != nil {
		return msg, err
	}
	p.metrics.outcome(msg.Status)
	return msg, fmt.Errorf("%w: %w", ErrLocalProcessing, cause)
}

func (p *Pipeline) emit(ctx context.Context, conv *Conversation, msg models.Message) error {
	if conv == nil {
		return nil
	}
	return conv.Put(ctx, msg)
}

// IntegrityReport is the outcome of VerifyIntegrity. Remote is nil when the
// ledger has no record for the identifier, which is not the same as a
// record whose hash differs.
type IntegrityReport struct {
	Identifier string               `json:"identifier"`
	LocalHash  string               `json:"localHash"`
	Remote     *ledger.Verification `json:"remote,omitempty"`
	Verified   bool                 `json:"verified"`
}

func (r IntegrityReport) Found() bool { return r.Remote != nil }

// VerifyIntegrity hashes content exactly as given and compares it with the
// ledger record for identifier. Pass the ciphertext that was hashed at send
// time, not the decrypted text, or the hashes will never match.
func (p *Pipeline) VerifyIntegrity(ctx context.Context, content, identifier string) (IntegrityReport, error) {
	local, err := p.digester.Hash(ctx, content)
	if err != nil {
		if ctx.Err() != nil {
			return IntegrityReport{}, ctx.Err()
		}
		return IntegrityReport{}, fmt.Errorf("%w: %w", ErrLocalProcessing, err)
	}
	report := IntegrityReport{Identifier: identifier, LocalHash: local}

	vctx, cancel := context.WithTimeout(ctx, p.ledgerTimeout)
	defer cancel()
	remote, err := p.ledger.Verify(vctx, identifier, local)
	if err != nil {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		return report, fmt.Errorf("%w: %w", ErrLedgerUnavailable, err)
	}
	report.Remote = remote
	report.Verified = remote != nil && remote.Matches
	return report, nil
}
