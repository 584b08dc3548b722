// workers/event_dispatcher.go
package workers

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"matrix-reward-engine/models"
	"matrix-reward-engine/services"

	"github.com/alitto/pond/v2"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// ActivationHandler places activated members.
type ActivationHandler interface {
	HandleActivated(ctx context.Context, ev models.MemberActivated) (*services.PlacementResult, error)
}

// LevelUpHandler applies level changes.
type LevelUpHandler interface {
	HandleLeveledUp(ctx context.Context, ev models.MemberLeveledUp) (*services.LevelUpResult, error)
}

// Event is one decoded membership event. Exactly one of Activated and
// LeveledUp is set. Ref is opaque to the dispatcher; callers use it to find
// the source of a failed event.
type Event struct {
	Activated *models.MemberActivated
	LeveledUp *models.MemberLeveledUp
	Ref       int
}

// Wallet returns the member the event is about.
func (e Event) Wallet() string {
	if e.Activated != nil {
		return e.Activated.Wallet
	}
	if e.LeveledUp != nil {
		return e.LeveledUp.Wallet
	}
	return ""
}

// BatchResult counts dispatch outcomes.
type BatchResult struct {
	Activated  int
	LeveledUp  int
	Duplicates int
	Failed     int
}

// ErrBlocked marks events skipped because an activation they depend on
// failed earlier in the same batch.
var ErrBlocked = errors.New("blocked by a failed activation in the same batch")

// FailedEvent is an event the dispatcher could not apply.
type FailedEvent struct {
	Event Event
	Err   error
}

// Retryable reports whether applying the event again can succeed. Rejected
// input never will.
func (f FailedEvent) Retryable() bool {
	return !errors.Is(f.Err, services.ErrInvalidEvent)
}

// DispatchError lists the events of a batch that were not applied, ordered
// by Ref. Callers must not acknowledge them.
type DispatchError struct {
	Failed []FailedEvent
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("%d events failed, first %s: %v", len(e.Failed), e.Failed[0].Event.Wallet(), e.Failed[0].Err)
}

func (e *DispatchError) Unwrap() []error {
	out := make([]error, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f.Err)
	}
	return out
}

// Retryable reports whether at least one failed event may succeed later.
func (e *DispatchError) Retryable() bool {
	for _, f := range e.Failed {
		if f.Retryable() {
			return true
		}
	}
	return false
}

// Events returns the failed events.
func (e *DispatchError) Events() []Event {
	out := make([]Event, 0, len(e.Failed))
	for _, f := range e.Failed {
		out = append(out, f.Event)
	}
	return out
}

// Dispatcher applies a batch of events concurrently while preserving the
// orderings placement depends on: a sponsor is placed before members it
// sponsors in the same batch, and level-ups run after all activations, in
// order per wallet.
type Dispatcher struct {
	matrix  ActivationHandler
	rewards LevelUpHandler
	pool    pond.Pool
	logger  *zap.Logger
}

func NewDispatcher(matrix ActivationHandler, rewards LevelUpHandler, workers int, logger *zap.Logger) *Dispatcher {
	if workers < 1 {
		workers = 1
	}
	return &Dispatcher{
		matrix:  matrix,
		rewards: rewards,
		pool:    pond.NewPool(workers),
		logger:  logger.Named("dispatcher"),
	}
}

func (d *Dispatcher) Stop() {
	d.pool.StopAndWait()
}

// Dispatch handles batch. Replayed activations count as duplicates. Any other
// failure is returned in a *DispatchError; members sponsored by a failed
// activation and level-ups of a failed member are not attempted and fail with
// ErrBlocked. Context cancellation is returned as is.
func (d *Dispatcher) Dispatch(ctx context.Context, batch []Event) (BatchResult, error) {
	var (
		mu       sync.Mutex
		res      BatchResult
		failures []FailedEvent
		broken   = make(map[string]bool)
	)
	record := func(ev Event, err error, ok *int) {
		mu.Lock()
		defer mu.Unlock()
		switch {
		case err == nil:
			*ok++
		case errors.Is(err, services.ErrDuplicatePlacement):
			res.Duplicates++
		default:
			res.Failed++
			failures = append(failures, FailedEvent{Event: ev, Err: err})
			if ev.Activated != nil {
				broken[ev.Activated.Wallet] = true
			}
		}
	}
	blocked := func(wallet string) bool {
		mu.Lock()
		defer mu.Unlock()
		return broken[wallet]
	}

	var activations []Event
	levelUps := make(map[string][]Event)
	var levelOrder []string
	for _, ev := range batch {
		switch {
		case ev.Activated != nil:
			activations = append(activations, ev)
		case ev.LeveledUp != nil:
			w := ev.LeveledUp.Wallet
			if _, seen := levelUps[w]; !seen {
				levelOrder = append(levelOrder, w)
			}
			levelUps[w] = append(levelUps[w], ev)
		}
	}

	waves := activationWaves(activations)
	queued := 0
	for _, wave := range waves {
		queued += len(wave)
	}
	res.Duplicates += len(activations) - queued

	for _, wave := range waves {
		group := d.pool.NewGroupContext(ctx)
		for _, ev := range wave {
			if sponsor := ev.Activated.DirectSponsor; sponsor != nil && blocked(*sponsor) {
				record(ev, fmt.Errorf("%w: sponsor %s", ErrBlocked, *sponsor), nil)
				continue
			}
			group.Submit(func() {
				_, err := d.matrix.HandleActivated(ctx, *ev.Activated)
				if err != nil && !errors.Is(err, services.ErrDuplicatePlacement) {
					d.logger.Error("activation event failed", zap.String("wallet", ev.Activated.Wallet), zap.Error(err))
				}
				record(ev, err, &res.Activated)
			})
		}
		if err := waitGroup(group); err != nil {
			return res, err
		}
	}

	group := d.pool.NewGroupContext(ctx)
	for _, wallet := range levelOrder {
		events := levelUps[wallet]
		if blocked(wallet) {
			for _, ev := range events {
				record(ev, fmt.Errorf("%w: activation of %s", ErrBlocked, wallet), nil)
			}
			continue
		}
		group.Submit(func() {
			for _, ev := range events {
				_, err := d.rewards.HandleLeveledUp(ctx, *ev.LeveledUp)
				if err != nil {
					d.logger.Error("level-up event failed",
						zap.String("wallet", wallet),
						zap.Int("level", ev.LeveledUp.NewLevel),
						zap.Error(err))
				}
				record(ev, err, &res.LeveledUp)
			}
		})
	}
	if err := waitGroup(group); err != nil {
		return res, err
	}
	if err := ctx.Err(); err != nil {
		return res, err
	}
	if len(failures) > 0 {
		sort.SliceStable(failures, func(i, j int) bool { return failures[i].Event.Ref < failures[j].Event.Ref })
		return res, &DispatchError{Failed: failures}
	}
	return res, nil
}

func waitGroup(group interface{ Wait() error }) error {
	if err := group.Wait(); err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, pond.ErrGroupStopped)) {
		return err
	}
	return nil
}

// activationWaves splits activation events so that every member lands in a
// later wave than its sponsor when both are in the batch. Repeated wallets
// keep only their first event.
func activationWaves(events []Event) [][]Event {
	depth := make(map[string]int, len(events))
	byWallet := make(map[string]Event, len(events))
	var order []string
	for _, ev := range events {
		w := ev.Activated.Wallet
		if _, dup := byWallet[w]; dup {
			continue
		}
		byWallet[w] = ev
		order = append(order, w)
	}

	var resolve func(wallet string, visiting map[string]bool) int
	resolve = func(wallet string, visiting map[string]bool) int {
		if d, ok := depth[wallet]; ok {
			return d
		}
		sponsor := byWallet[wallet].Activated.DirectSponsor
		d := 0
		if sponsor != nil {
			if _, inBatch := byWallet[*sponsor]; inBatch && !visiting[*sponsor] {
				visiting[wallet] = true
				d = resolve(*sponsor, visiting) + 1
				delete(visiting, wallet)
			}
		}
		depth[wallet] = d
		return d
	}

	var waves [][]Event
	for _, w := range order {
		d := resolve(w, map[string]bool{})
		for len(waves) <= d {
			waves = append(waves, nil)
		}
		waves[d] = append(waves[d], byWallet[w])
	}
	return waves
}

var validate = validator.New(validator.WithRequiredStructEnabled())
