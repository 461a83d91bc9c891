package ledger

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"blocktalk/internal/utils/log"

	"go.uber.org/zap"
)

// Options configures the simulated ledger. Rates are probabilities in [0, 1].
type Options struct {
	ContractAddress string
	ExplorerBaseURL string

	FailureRate  float64
	NotFoundRate float64
	MismatchRate float64

	SubmitLatency time.Duration
	SubmitJitter  time.Duration
	VerifyLatency time.Duration

	// Rand and Now default to a time-seeded PCG and time.Now.
	Rand *rand.Rand
	Now  func() time.Time
}

// DefaultOptions mirrors the demo: 2-5s confirmations, one in ten rejected.
func DefaultOptions() Options {
	return Options{
		FailureRate:   0.1,
		NotFoundRate:  0.3,
		MismatchRate:  0.2,
		SubmitLatency: 2 * time.Second,
		SubmitJitter:  3 * time.Second,
		VerifyLatency: time.Second,
	}
}

// Simulated fakes a ledger with random receipts and latency.
type Simulated struct {
	opts Options

	mu  sync.Mutex
	rnd *rand.Rand
}

var _ Client = (*Simulated)(nil)

func NewSimulated(opts Options) *Simulated {
	if opts.Rand == nil {
		now := uint64(time.Now().UnixNano())
		opts.Rand = rand.New(rand.NewPCG(now, now>>17|1))
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.ExplorerBaseURL == "" {
		log.Warn("explorer base URL not set, verification links will be empty")
	}
	if opts.ContractAddress == "" {
		log.Warn("contract address not set, ledger interactions are fully simulated")
	}
	return &Simulated{opts: opts, rnd: opts.Rand}
}

func (s *Simulated) Submit(ctx context.Context, rec Record) (Receipt, error) {
	log.Debug("simulating ledger submission",
		zap.String("sender", rec.SenderRef),
		zap.String("receiver", rec.ReceiverRef),
		zap.String("hash", rec.ContentHash))

	delay := s.opts.SubmitLatency
	if s.opts.SubmitJitter > 0 {
		delay += time.Duration(s.int64n(int64(s.opts.SubmitJitter)))
	}
	if err := wait(ctx, delay); err != nil {
		return Receipt{}, err
	}

	if s.chance(s.opts.FailureRate) {
		log.Info("simulated transaction failed", zap.String("hash", rec.ContentHash))
		return Receipt{Outcome: OutcomeFailed}, nil
	}

	r := Receipt{
		TransactionRef: s.txRef(),
		Fee:            fmt.Sprintf("%.5f ETH", s.roll()*0.01+0.001),
		Block:          uint64(s.opts.Now().Unix()/10) + uint64(s.int64n(1000)),
		Outcome:        OutcomeConfirmed,
	}
	log.Info("simulated transaction confirmed",
		zap.String("tx", r.TransactionRef),
		zap.String("fee", r.Fee),
		zap.Uint64("block", r.Block))
	return r, nil
}

func (s *Simulated) Verify(ctx context.Context, identifier, localHash string) (*Verification, error) {
	if s.opts.ContractAddress == "" {
		log.Warn("no contract address set, verification finds nothing", zap.String("identifier", identifier))
		return nil, ctx.Err()
	}
	if err := wait(ctx, s.opts.VerifyLatency); err != nil {
		return nil, err
	}
	if s.chance(s.opts.NotFoundRate) {
		log.Info("simulated ledger has no record", zap.String("identifier", identifier))
		return nil, nil
	}

	remote := localHash
	if s.chance(s.opts.MismatchRate) {
		remote = s.txRef()
	}
	v := &Verification{
		RemoteHash:  remote,
		SenderRef:   fmt.Sprintf("0xSender%08x", s.word()),
		ReceiverRef: fmt.Sprintf("0xReceiver%08x", s.word()),
		Timestamp:   s.opts.Now().Add(-time.Duration(s.int64n(int64(1000 * time.Second)))),
		Matches:     remote == localHash,
	}
	return v, nil
}

func (s *Simulated) ExplorerLink(transactionRef string) string {
	return ExplorerLink(s.opts.ExplorerBaseURL, transactionRef)
}

func (s *Simulated) txRef() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return fmt.Sprintf("0x%016x%016x%016x%016x",
		s.rnd.Uint64(), s.rnd.Uint64(), s.rnd.Uint64(), s.rnd.Uint64())
}

func (s *Simulated) chance(p float64) bool {
	return s.roll() < p
}

func (s *Simulated) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Float64()
}

func (s *Simulated) word() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Uint32()
}

func (s *Simulated) int64n(n int64) int64 {
	if n <= 0 {
		return 0
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rnd.Int64N(n)
}

func wait(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
