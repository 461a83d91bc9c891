package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"blocktalk/internal/models"
	"blocktalk/internal/utils/log"

	"go.uber.org/zap"
)

type AuditSummary struct {
	StartedAt  time.Time `json:"startedAt"`
	FinishedAt time.Time `json:"finishedAt"`
	Checked    int       `json:"checked"`
	Verified   int       `json:"verified"`
	Mismatched int       `json:"mismatched"`
	NotFound   int       `json:"notFound"`
	Errors     int       `json:"errors"`
}

// Auditor re-verifies every confirmed message against the ledger and
// remembers which ones came back with a different hash.
type Auditor struct {
	pipeline *Pipeline
	convs    *Conversations
	metrics  *Metrics

	mu       sync.Mutex
	tampered map[string]map[string]struct{}
	last     AuditSummary
}

var _ TamperCounter = (*Auditor)(nil)

func NewAuditor(pipeline *Pipeline, convs *Conversations, metrics *Metrics) *Auditor {
	return &Auditor{
		pipeline: pipeline,
		convs:    convs,
		metrics:  metrics,
		tampered: make(map[string]map[string]struct{}),
	}
}

// AuditAll checks every chain_confirmed message once. Per-message ledger
// errors are counted, not returned; only a failure to enumerate
// conversations or a cancelled ctx ends the run early.
func (a *Auditor) AuditAll(ctx context.Context) (AuditSummary, error) {
	sum := AuditSummary{StartedAt: time.Now().UTC()}
	convs, err := a.convs.ForUser(ctx, "")
	if err != nil {
		return sum, err
	}

	for _, c := range convs {
		for _, m := range c.Messages() {
			if m.Status != models.StatusChainConfirmed || m.Chain == nil {
				continue
			}
			if err := ctx.Err(); err != nil {
				return sum, err
			}
			sum.Checked++
			report, err := a.pipeline.VerifyIntegrity(ctx, m.Text, m.Chain.TransactionRef)
			switch {
			case err != nil:
				if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					if ctx.Err() != nil {
						return sum, ctx.Err()
					}
				}
				sum.Errors++
				a.metrics.audited("error")
				log.Warn("integrity audit failed", zap.String("id", m.ID), zap.Error(err))
			case !report.Found():
				sum.NotFound++
				a.metrics.audited("not_found")
			case report.Verified:
				sum.Verified++
				a.metrics.audited("verified")
				a.mark(m, false)
			default:
				sum.Mismatched++
				a.metrics.audited("mismatch")
				a.mark(m, true)
				log.Warn("message hash does not match ledger record",
					zap.String("id", m.ID),
					zap.String("tx", m.Chain.TransactionRef),
					zap.String("local", report.LocalHash),
					zap.String("remote", report.Remote.RemoteHash))
			}
		}
	}

	sum.FinishedAt = time.Now().UTC()
	a.mu.Lock()
	a.last = sum
	a.mu.Unlock()
	return sum, nil
}

func (a *Auditor) mark(m models.Message, tampered bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, user := range []string{m.SenderID, m.ReceiverID} {
		set := a.tampered[user]
		if tampered {
			if set == nil {
				set = make(map[string]struct{})
				a.tampered[user] = set
			}
			set[m.ID] = struct{}{}
		} else if set != nil {
			delete(set, m.ID)
		}
	}
}

func (a *Auditor) Tampered(userID string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.tampered[userID])
}

func (a *Auditor) Last() AuditSummary {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.last
}

// Scheduler runs the auditor on a fixed interval until stopped.
type Scheduler struct {
	auditor  *Auditor
	interval time.Duration

	mu        sync.Mutex
	stopChan  chan struct{}
	done      chan struct{}
	isRunning bool
}

func NewScheduler(auditor *Auditor, interval time.Duration) *Scheduler {
	return &Scheduler{
		auditor:  auditor,
		interval: interval,
	}
}

func (sch *Scheduler) Start() error {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	if sch.isRunning {
		log.Info("integrity auditor is already running")
		return nil
	}
	if sch.interval <= 0 {
		return errors.New("audit interval must be positive")
	}
	stop := make(chan struct{})
	done := make(chan struct{})
	sch.stopChan = stop
	sch.done = done
	sch.isRunning = true

	go func() {
		defer close(done)
		ticker := time.NewTicker(sch.interval)
		defer ticker.Stop()
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()
		go func() {
			select {
			case <-stop:
				cancel()
			case <-ctx.Done():
			}
		}()

		log.Info("integrity auditor started", zap.Duration("interval", sch.interval))
		for {
			select {
			case <-stop:
				log.Info("integrity auditor stopped")
				return
			case <-ticker.C:
				sum, err := sch.auditor.AuditAll(ctx)
				if err != nil && ctx.Err() == nil {
					log.Error("integrity audit run failed", zap.Error(err))
					continue
				}
				log.Info("integrity audit finished",
					zap.Int("checked", sum.Checked),
					zap.Int("verified", sum.Verified),
					zap.Int("mismatched", sum.Mismatched),
					zap.Int("not_found", sum.NotFound),
					zap.Int("errors", sum.Errors))
			}
		}
	}()
	return nil
}

// Stop signals the loop and waits for an in-flight audit to wind down.
func (sch *Scheduler) Stop() error {
	sch.mu.Lock()
	if !sch.isRunning {
		sch.mu.Unlock()
		log.Info("integrity auditor is not running")
		return nil
	}
	close(sch.stopChan)
	done := sch.done
	sch.isRunning = false
	sch.mu.Unlock()

	<-done
	return nil
}

func (sch *Scheduler) IsRunning() bool {
	sch.mu.Lock()
	defer sch.mu.Unlock()
	return sch.isRunning
}

func (sch *Scheduler) Auditor() *Auditor { return sch.auditor }
