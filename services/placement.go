package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matrix-reward-engine/models"
	"matrix-reward-engine/utils"

	"go.uber.org/zap"
)

// PlacementConfig bounds conflict handling.
type PlacementConfig struct {
	// MaxClaimAttempts is the number of BFS+claim rounds per root inside one
	// cascade before the cascade gives up with a transient conflict.
	MaxClaimAttempts int
	// Retry re-runs a whole cascade after transient conflicts.
	Retry utils.RetryConfig
}

func DefaultPlacementConfig() PlacementConfig {
	return PlacementConfig{
		MaxClaimAttempts: 5,
		Retry: utils.RetryConfig{
			MaxAttempts:   5,
			InitialDelay:  5 * time.Millisecond,
			MaxDelay:      250 * time.Millisecond,
			Multiplier:    2,
			JitterEnabled: true,
			Retryable:     isTransientTxError,
		},
	}
}

// PlacementResult lists what one activation wrote.
type PlacementResult struct {
	Member     string                   `json:"member"`
	Sequence   int64                    `json:"activation_sequence"`
	Chain      []string                 `json:"chain"`
	Placements []models.PlacementRecord `json:"placements"`
	Overflows  []models.MatrixOverflow  `json:"overflows,omitempty"`
}

// PlacementEngine places newly activated members into the matrix of each of
// their nearest 19 ancestors.
type PlacementEngine struct {
	store    MatrixStore
	registry MemberRegistry
	chain    *SponsorChainResolver
	cfg      PlacementConfig
	logger   *zap.Logger
	now      func() time.Time
}

func NewPlacementEngine(store MatrixStore, registry MemberRegistry, cfg PlacementConfig, logger *zap.Logger) *PlacementEngine {
	if cfg.MaxClaimAttempts < 1 {
		cfg.MaxClaimAttempts = 1
	}
	if cfg.Retry.Retryable == nil {
		cfg.Retry.Retryable = isTransientTxError
	}
	return &PlacementEngine{
		store:    store,
		registry: registry,
		chain:    NewSponsorChainResolver(registry),
		cfg:      cfg,
		logger:   logger.Named("placement"),
		now:      time.Now,
	}
}

// Activate assigns the activation sequence and runs the cascade. A replayed
// activation fails with ErrDuplicatePlacement and writes nothing.
func (e *PlacementEngine) Activate(ctx context.Context, ev models.MemberActivated) (*PlacementResult, error) {
	if ev.DirectSponsor != nil && *ev.DirectSponsor == ev.Wallet {
		return nil, fmt.Errorf("%w: %s sponsors itself", ErrInvalidEvent, ev.Wallet)
	}
	if m, err := e.registry.GetMember(ctx, ev.Wallet); err == nil && m.IsActivated {
		return nil, fmt.Errorf("%w: %s", ErrDuplicatePlacement, ev.Wallet)
	} else if err != nil && !errors.Is(err, ErrMemberNotFound) {
		return nil, err
	}

	chain, err := e.chain.Resolve(ctx, ev.Wallet, ev.DirectSponsor)
	if err != nil {
		return nil, err
	}
	seq, err := e.registry.NextActivationSequence(ctx)
	if err != nil {
		return nil, fmt.Errorf("assign activation sequence: %w", err)
	}

	started := time.Now()
	var result *PlacementResult
	err = utils.WithBackoff(ctx, e.cfg.Retry, e.logger, "cascade "+ev.Wallet, func(int) error {
		result = &PlacementResult{Member: ev.Wallet, Sequence: seq, Chain: chain}
		return e.store.Cascade(ctx, func(tx CascadeTx) error {
			return e.cascade(tx, ev, chain, seq, result)
		})
	})
	if errors.Is(err, utils.ErrRetriesExhausted) {
		err = fmt.Errorf("%w: %w", ErrPlacementConflict, err)
	}
	if err != nil {
		return nil, err
	}
	cascadeDuration.Observe(time.Since(started).Seconds())

	for i := range result.Placements {
		if result.Placements[i].IsSpillover {
			placementsTotal.WithLabelValues("spillover").Inc()
		} else {
			placementsTotal.WithLabelValues("direct").Inc()
		}
	}
	placementsTotal.WithLabelValues("overflow").Add(float64(len(result.Overflows)))
	return result, nil
}

// cascade writes one placement per ancestor, nearest first.
func (e *PlacementEngine) cascade(tx CascadeTx, ev models.MemberActivated, chain []string, seq int64, result *PlacementResult) error {
	now := e.now().UTC()
	for i, root := range chain {
		rec, overflow, err := e.placeInRoot(tx, ev.Wallet, chain, i, seq, now)
		if err != nil {
			return &PlacementError{Member: ev.Wallet, Root: root, Depth: i, Err: err}
		}
		if overflow != nil {
			result.Overflows = append(result.Overflows, *overflow)
			continue
		}
		result.Placements = append(result.Placements, *rec)
	}

	return tx.ActivateMember(&models.Member{
		Wallet:             ev.Wallet,
		Username:           ev.Username,
		DirectSponsor:      ev.DirectSponsor,
		IsActivated:        true,
		ActivationSequence: &seq,
		ActivatedAt:        &now,
	})
}

func (e *PlacementEngine) placeInRoot(tx CascadeTx, member string, chain []string, i int, seq int64, now time.Time) (*models.PlacementRecord, *models.MatrixOverflow, error) {
	root := chain[i]
	intended := root
	if i > 0 {
		sponsor := chain[0]
		_, err := tx.GetPlacement(root, sponsor)
		if errors.Is(err, ErrPlacementNotFound) {
			// the sponsor itself ran past the layer bound of this root
			overflowed, oerr := tx.HasOverflow(root, sponsor)
			if oerr != nil {
				return nil, nil, oerr
			}
			if overflowed {
				return e.overflow(tx, root, member, sponsor)
			}
			e.logger.Error("sponsor has no placement in ancestor matrix",
				zap.String("member", member),
				zap.String("sponsor", sponsor),
				zap.String("root", root))
			return nil, nil, fmt.Errorf("%w: sponsor %s missing from matrix of %s", ErrOrphanedPlacement, sponsor, root)
		}
		if err != nil {
			return nil, nil, err
		}
		intended = sponsor
	}

	for attempt := 1; attempt <= e.cfg.MaxClaimAttempts; attempt++ {
		open, err := tx.FindOpenSlotBFS(root, intended)
		if errors.Is(err, ErrNoCapacity) {
			return e.overflow(tx, root, member, intended)
		}
		if err != nil {
			return nil, nil, err
		}

		rec := &models.PlacementRecord{
			RootWallet:         root,
			MemberWallet:       member,
			ParentWallet:       open.Parent,
			Slot:               open.Slot,
			IsSpillover:        open.Parent != intended,
			IsDirectReferral:   i == 0 && open.Parent == intended,
			ActivationSequence: seq,
			PlacedAt:           now,
		}
		err = tx.ClaimSlot(rec)
		if err == nil {
			return rec, nil, nil
		}
		if !errors.Is(err, ErrSlotTaken) {
			return nil, nil, err
		}
		slotConflicts.Inc()
		e.logger.Debug("slot claim lost, searching again",
			zap.String("root", root),
			zap.String("parent", open.Parent),
			zap.String("slot", string(open.Slot)),
			zap.Int("attempt", attempt))
	}
	return nil, nil, fmt.Errorf("%w: %d claim attempts under %s", ErrSlotTaken, e.cfg.MaxClaimAttempts, intended)
}

func (e *PlacementEngine) overflow(tx CascadeTx, root, member, parent string) (*models.PlacementRecord, *models.MatrixOverflow, error) {
	o := &models.MatrixOverflow{RootWallet: root, MemberWallet: member, ParentWallet: parent}
	if err := tx.RecordOverflow(o); err != nil {
		return nil, nil, err
	}
	e.logger.Warn("no capacity within layer bound",
		zap.String("root", root),
		zap.String("member", member),
		zap.String("intended_parent", parent),
		zap.Error(ErrNoCapacity))
	return nil, o, nil
}
