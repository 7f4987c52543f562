// Package approval holds the manual approval gates of running pipelines.
package approval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/animus-labs/animus-deploy/internal/domain"
)

var (
	ErrUnknownGate    = errors.New("approval gate not found")
	ErrAlreadyDecided = errors.New("approval gate already decided")
)

// Gate is a snapshot of one approval gate.
type Gate struct {
	RunID       string
	Stage       string
	State       domain.ApprovalState
	RequestedAt time.Time
	Deadline    time.Time
	Decision    *Decision
}

// Decision is the outcome of a gate.
type Decision struct {
	State     domain.ApprovalState
	Actor     string
	Comment   string
	TimedOut  bool
	DecidedAt time.Time
}

// Recorder persists gate activity. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordRequest(ctx context.Context, gate Gate) error
	RecordDecision(ctx context.Context, gate Gate) error
}

type gateKey struct {
	runID string
	stage string
}

type gate struct {
	snapshot Gate
	done     chan struct{}
}

// Board tracks pending and decided gates across runs.
type Board struct {
	mu       sync.Mutex
	gates    map[gateKey]*gate
	recorder Recorder
	logger   *slog.Logger
	now      func() time.Time
}

// NewBoard returns an empty board. recorder may be nil.
func NewBoard(recorder Recorder, logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	return &Board{
		gates:    make(map[gateKey]*gate),
		recorder: recorder,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Await opens the gate for (runID, stage) in PENDING and blocks until it is
// decided, the timeout elapses, or ctx is done. A zero timeout waits
// indefinitely. Rejection and timeout return *domain.ApprovalRejectedError.
func (b *Board) Await(ctx context.Context, runID, stage string, timeout time.Duration) (Decision, error) {
	g, err := b.open(ctx, runID, stage, timeout)
	if err != nil {
		return Decision{}, err
	}

	var expired <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		expired = timer.C
	}

	select {
	case <-g.done:
	case <-expired:
		err := b.decide(ctx, gateKey{runID: runID, stage: stage}, Decision{
			State:    domain.ApprovalRejected,
			Actor:    "system",
			Comment:  "approval timed out",
			TimedOut: true,
		})
		if err != nil && !errors.Is(err, ErrAlreadyDecided) {
			return Decision{}, err
		}
		<-g.done
	case <-ctx.Done():
		return Decision{}, ctx.Err()
	}

	b.mu.Lock()
	decision := *g.snapshot.Decision
	b.mu.Unlock()

	if decision.State == domain.ApprovalRejected {
		return decision, &domain.ApprovalRejectedError{
			Stage:    stage,
			Actor:    decision.Actor,
			Reason:   decision.Comment,
			TimedOut: decision.TimedOut,
		}
	}
	return decision, nil
}

// Decide records a human decision for a pending gate.
func (b *Board) Decide(ctx context.Context, runID, stage string, approve bool, actor, comment string) (Gate, error) {
	state := domain.ApprovalRejected
	if approve {
		state = domain.ApprovalApproved
	}
	actor = strings.TrimSpace(actor)
	if actor == "" {
		return Gate{}, fmt.Errorf("actor is required")
	}
	key := gateKey{runID: strings.TrimSpace(runID), stage: strings.TrimSpace(stage)}
	if err := b.decide(ctx, key, Decision{State: state, Actor: actor, Comment: strings.TrimSpace(comment)}); err != nil {
		return Gate{}, err
	}
	out, _ := b.Get(key.runID, key.stage)
	return out, nil
}

// Get returns a snapshot of the gate.
func (b *Board) Get(runID, stage string) (Gate, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	g, ok := b.gates[gateKey{runID: runID, stage: stage}]
	if !ok {
		return Gate{}, false
	}
	return g.copySnapshot(), true
}

// Pending lists undecided gates ordered by request time.
func (b *Board) Pending() []Gate {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Gate, 0, len(b.gates))
	for _, g := range b.gates {
		if g.snapshot.State == domain.ApprovalPending {
			out = append(out, g.copySnapshot())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RequestedAt.Equal(out[j].RequestedAt) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].RequestedAt.Before(out[j].RequestedAt)
	})
	return out
}

// Forget drops every gate of runID. Call it once the run is terminal.
func (b *Board) Forget(runID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for key := range b.gates {
		if key.runID == runID {
			delete(b.gates, key)
		}
	}
}

func (b *Board) open(ctx context.Context, runID, stage string, timeout time.Duration) (*gate, error) {
	runID = strings.TrimSpace(runID)
	stage = strings.TrimSpace(stage)
	if runID == "" || stage == "" {
		return nil, fmt.Errorf("run id and stage are required")
	}
	key := gateKey{runID: runID, stage: stage}

	b.mu.Lock()
	if _, exists := b.gates[key]; exists {
		b.mu.Unlock()
		return nil, fmt.Errorf("approval gate %s/%s already open", runID, stage)
	}
	now := b.now()
	g := &gate{
		snapshot: Gate{RunID: runID, Stage: stage, State: domain.ApprovalPending, RequestedAt: now},
		done:     make(chan struct{}),
	}
	if timeout > 0 {
		g.snapshot.Deadline = now.Add(timeout)
	}
	b.gates[key] = g
	snapshot := g.copySnapshot()
	b.mu.Unlock()

	b.logger.Info("approval requested", "run_id", runID, "stage", stage, "timeout", timeout.String())
	if b.recorder != nil {
		if err := b.recorder.RecordRequest(ctx, snapshot); err != nil {
			b.mu.Lock()
			delete(b.gates, key)
			b.mu.Unlock()
			return nil, fmt.Errorf("record approval request: %w", err)
		}
	}
	return g, nil
}

func (b *Board) decide(ctx context.Context, key gateKey, decision Decision) error {
	b.mu.Lock()
	g, ok := b.gates[key]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownGate
	}
	if err := domain.TransitionApproval(g.snapshot.State, decision.State); err != nil {
		b.mu.Unlock()
		if g.snapshot.State.Terminal() {
			return ErrAlreadyDecided
		}
		return err
	}
	decision.DecidedAt = b.now()
	g.snapshot.State = decision.State
	g.snapshot.Decision = &decision
	snapshot := g.copySnapshot()
	close(g.done)
	b.mu.Unlock()

	b.logger.Info("approval decided",
		"run_id", key.runID,
		"stage", key.stage,
		"state", string(decision.State),
		"actor", decision.Actor,
		"timed_out", decision.TimedOut,
	)
	if b.recorder != nil {
		if err := b.recorder.RecordDecision(ctx, snapshot); err != nil {
			b.logger.Warn("approval decision not recorded", "run_id", key.runID, "stage", key.stage, "error", err)
		}
	}
	return nil
}

func (g *gate) copySnapshot() Gate {
	out := g.snapshot
	if g.snapshot.Decision != nil {
		d := *g.snapshot.Decision
		out.Decision = &d
	}
	return out
}
