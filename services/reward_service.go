// services/reward_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"matrix-reward-engine/models"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// RewardConfig holds the claim lifecycle timing.
type RewardConfig struct {
	ClaimWindow         time.Duration // pending -> expired
	MaxRollupAttempts   int           // automatic retries for unresolved roll-ups
	RollupRetryInterval time.Duration
	SweepBatch          int
}

func DefaultRewardConfig() RewardConfig {
	return RewardConfig{
		ClaimWindow:         72 * time.Hour,
		MaxRollupAttempts:   24,
		RollupRetryInterval: time.Hour,
		SweepBatch:          500,
	}
}

// RewardService evaluates the layer-level matching rule: a member on layer L
// of a root's matrix who reaches level L earns the root a layer-L reward,
// payable once the root itself holds level L.
type RewardService struct {
	Ledger   RewardLedger
	Matrix   MatrixReader
	Registry MemberRegistry
	Stats    *LayerStatsAggregator

	chain    *SponsorChainResolver
	cache    StatsCache
	notifier Notifier
	cfg      RewardConfig
	logger   *zap.Logger
	now      func() time.Time
	printer  *message.Printer
}

func NewRewardService(ledger RewardLedger, matrix MatrixReader, registry MemberRegistry, stats *LayerStatsAggregator,
	cache StatsCache, notifier Notifier, cfg RewardConfig, logger *zap.Logger) *RewardService {
	if cache == nil {
		cache = nopStatsCache{}
	}
	if notifier == nil {
		notifier = NopNotifier{}
	}
	return &RewardService{
		Ledger:   ledger,
		Matrix:   matrix,
		Registry: registry,
		Stats:    stats,
		chain:    NewSponsorChainResolver(registry),
		cache:    cache,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.Named("rewards"),
		now:      time.Now,
		printer:  message.NewPrinter(language.English),
	}
}

// LevelUpResult lists the claim changes caused by one level-up.
type LevelUpResult struct {
	Wallet        string               `json:"wallet"`
	PreviousLevel int                  `json:"previous_level"`
	NewLevel      int                  `json:"new_level"`
	NoOp          bool                 `json:"no_op,omitempty"`
	Created       []models.RewardClaim `json:"created"`
	Promoted      []models.RewardClaim `json:"promoted"`
}

// HandleLeveledUp records the new level, creates the claims it triggers for
// the member's ancestors and promotes the member's own pending claims. A level
// not above the stored one is a no-op, which makes replays harmless.
func (s *RewardService) HandleLeveledUp(ctx context.Context, ev models.MemberLeveledUp) (*LevelUpResult, error) {
	if ev.NewLevel < 1 || ev.NewLevel > models.MaxLevel {
		return nil, fmt.Errorf("%w: level %d out of range", ErrInvalidEvent, ev.NewLevel)
	}
	member, err := s.Registry.GetMember(ctx, ev.Wallet)
	if err != nil {
		return nil, err
	}
	if !member.IsActivated {
		return nil, fmt.Errorf("%w: %s is not activated", ErrInvalidEvent, ev.Wallet)
	}
	placements, err := s.Matrix.ListByMember(ctx, ev.Wallet)
	if err != nil {
		return nil, fmt.Errorf("load placements of %s: %w", ev.Wallet, err)
	}

	now := s.now().UTC()
	var result *LevelUpResult
	err = s.Ledger.Atomic(ctx, func(tx LedgerTx) error {
		result = &LevelUpResult{Wallet: ev.Wallet, NewLevel: ev.NewLevel}
		old, err := tx.SetLevel(ev.Wallet, ev.NewLevel, now)
		if err != nil {
			return err
		}
		result.PreviousLevel = old
		if ev.NewLevel <= old {
			result.NoOp = true
			return nil
		}

		for _, p := range placements {
			if p.Layer <= old || p.Layer > ev.NewLevel {
				continue
			}
			root, err := tx.LockMember(p.RootWallet)
			if err != nil {
				return fmt.Errorf("load root %s: %w", p.RootWallet, err)
			}
			claim := s.newClaim(root, p, ev, now)
			created, err := tx.CreateClaim(claim)
			if err != nil {
				return err
			}
			if created {
				result.Created = append(result.Created, *claim)
			}
		}

		pending, err := tx.PendingForRoot(ev.Wallet, ev.NewLevel)
		if err != nil {
			return err
		}
		for _, c := range pending {
			if c.ExpiresAt != nil && !now.Before(*c.ExpiresAt) {
				continue // window closed, the sweep rolls it up
			}
			promoted, err := tx.Transition(c.ID, models.ClaimStatusPending, models.ClaimStatusEligible, func(c *models.RewardClaim) {
				c.EligibleAt = &now
			})
			if err != nil {
				return err
			}
			result.Promoted = append(result.Promoted, *promoted)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result.NoOp {
		s.logger.Debug("level not above current, nothing to do",
			zap.String("wallet", ev.Wallet),
			zap.Int("level", ev.NewLevel),
			zap.Int("current", result.PreviousLevel))
		return result, nil
	}

	if result.PreviousLevel == 0 && s.Stats != nil {
		if err := s.Stats.ObserveActivation(ctx, ev.Wallet); err != nil {
			s.logger.Warn("failed to update activation counters", zap.String("wallet", ev.Wallet), zap.Error(err))
		}
		roots := make([]string, 0, len(placements))
		for _, p := range placements {
			roots = append(roots, p.RootWallet)
		}
		s.cache.Invalidate(ctx, roots...)
	}

	for i := range result.Created {
		c := &result.Created[i]
		claimTransitions.WithLabelValues(string(c.Status)).Inc()
		s.notifier.Publish(ctx, RewardsChannel(c.RootWallet), EventClaimCreated, c)
	}
	for i := range result.Promoted {
		c := &result.Promoted[i]
		claimTransitions.WithLabelValues(string(models.ClaimStatusEligible)).Inc()
		s.notifier.Publish(ctx, RewardsChannel(c.RootWallet), EventClaimEligible, c)
	}
	s.logger.Info("level-up processed",
		zap.String("wallet", ev.Wallet),
		zap.Int("from", result.PreviousLevel),
		zap.Int("to", ev.NewLevel),
		zap.Int("claims_created", len(result.Created)),
		zap.Int("claims_promoted", len(result.Promoted)))
	return result, nil
}

func (s *RewardService) newClaim(root *models.Member, p models.PlacementRecord, ev models.MemberLeveledUp, now time.Time) *models.RewardClaim {
	claim := &models.RewardClaim{
		ID:            uuid.NewString(),
		ClaimKey:      models.DirectClaimKey(ev.Wallet, p.Layer, root.Wallet),
		RootWallet:    root.Wallet,
		Layer:         p.Layer,
		TriggerWallet: ev.Wallet,
		TriggerLevel:  p.Layer,
		AmountCents:   models.LayerRewardCents(p.Layer),
		TxRef:         ev.TxRef,
	}
	if root.QualifiesFor(p.Layer) {
		claim.Status = models.ClaimStatusEligible
		claim.EligibleAt = &now
	} else {
		expires := now.Add(s.cfg.ClaimWindow)
		claim.Status = models.ClaimStatusPending
		claim.ExpiresAt = &expires
	}
	return claim
}

// ClaimReward moves an eligible claim owned by wallet to claimed.
func (s *RewardService) ClaimReward(ctx context.Context, id, wallet string) (*models.RewardClaim, error) {
	c, err := s.Ledger.GetClaim(ctx, id)
	if err != nil {
		return nil, err
	}
	if c.RootWallet != wallet {
		return nil, fmt.Errorf("%w: %s", ErrClaimNotFound, id)
	}

	var claimed *models.RewardClaim
	err = s.Ledger.Atomic(ctx, func(tx LedgerTx) error {
		now := s.now().UTC()
		claimed, err = tx.Transition(id, models.ClaimStatusEligible, models.ClaimStatusClaimed, func(c *models.RewardClaim) {
			c.ClaimedAt = &now
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	claimTransitions.WithLabelValues(string(models.ClaimStatusClaimed)).Inc()
	s.notifier.Publish(ctx, RewardsChannel(wallet), EventClaimClaimed, claimed)
	s.logger.Info("reward claimed",
		zap.String("claim", id),
		zap.String("wallet", wallet),
		zap.Int64("amount_cents", claimed.AmountCents))
	return claimed, nil
}

// --- views ---

// ClaimView is a claim decorated for display.
type ClaimView struct {
	models.RewardClaim
	AmountUSDT      string `json:"amount_usdt"`
	UnlockCondition string `json:"unlock_condition,omitempty"`
	TimeRemaining   string `json:"time_remaining,omitempty"`
}

func (s *RewardService) view(c models.RewardClaim, now time.Time) ClaimView {
	v := ClaimView{RewardClaim: c, AmountUSDT: s.printer.Sprintf("%.2f", c.Amount())}
	if c.Status == models.ClaimStatusPending {
		v.UnlockCondition = s.printer.Sprintf("Upgrade to Level %d to unlock %s USDT", c.Layer, v.AmountUSDT)
		v.TimeRemaining = timeRemaining(c.ExpiresAt, now)
	}
	return v
}

func (s *RewardService) views(claims []models.RewardClaim) []ClaimView {
	now := s.now()
	out := make([]ClaimView, 0, len(claims))
	for _, c := range claims {
		out = append(out, s.view(c, now))
	}
	return out
}

// timeRemaining renders the time left in a claim window as "5h 12m".
func timeRemaining(expires *time.Time, now time.Time) string {
	if expires == nil {
		return ""
	}
	left := expires.Sub(now)
	if left <= 0 {
		return "Expired"
	}
	hours := int(left / time.Hour)
	minutes := int((left % time.Hour) / time.Minute)
	return fmt.Sprintf("%dh %dm", hours, minutes)
}

func (s *RewardService) GetClaimableRewards(ctx context.Context, wallet string) ([]ClaimView, error) {
	claims, err := s.Ledger.ListClaims(ctx, ClaimQuery{Root: wallet, Statuses: []models.ClaimStatus{models.ClaimStatusEligible}})
	if err != nil {
		return nil, err
	}
	return s.views(claims), nil
}

func (s *RewardService) GetPendingRewards(ctx context.Context, wallet string) ([]ClaimView, error) {
	claims, err := s.Ledger.ListClaims(ctx, ClaimQuery{Root: wallet, Statuses: []models.ClaimStatus{models.ClaimStatusPending}})
	if err != nil {
		return nil, err
	}
	return s.views(claims), nil
}

func (s *RewardService) GetRewardHistory(ctx context.Context, wallet string, limit int) ([]ClaimView, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	claims, err := s.Ledger.ListClaims(ctx, ClaimQuery{Root: wallet, Limit: limit})
	if err != nil {
		return nil, err
	}
	return s.views(claims), nil
}

// RewardSummary totals a wallet's claims per status, in USDT cents.
type RewardSummary struct {
	Wallet string                       `json:"wallet"`
	Totals map[models.ClaimStatus]int64 `json:"totals_cents"`
	Counts map[models.ClaimStatus]int   `json:"counts"`
}

func (s *RewardService) GetRewardSummary(ctx context.Context, wallet string) (*RewardSummary, error) {
	claims, err := s.Ledger.ListClaims(ctx, ClaimQuery{Root: wallet})
	if err != nil {
		return nil, err
	}
	sum := &RewardSummary{
		Wallet: wallet,
		Totals: make(map[models.ClaimStatus]int64),
		Counts: make(map[models.ClaimStatus]int),
	}
	for _, c := range claims {
		sum.Totals[c.Status] += c.AmountCents
		sum.Counts[c.Status]++
	}
	return sum, nil
}

// --- expiry ---

// SweepReport summarizes one expiry sweep.
type SweepReport struct {
	Expired        int      `json:"expired"`
	RolledUp       int      `json:"rolled_up"`
	LatePromotions int      `json:"late_promotions"`
	Unresolved     []string `json:"unresolved,omitempty"`
	Retried        int      `json:"retried"`
	Resolved       int      `json:"resolved"`
}

// SweepExpired expires pending claims past their window and hands their value
// to the nearest qualifying ancestor of the root; then retries earlier
// hand-offs that found nobody. Safe to run repeatedly and concurrently: every
// step is a status compare-and-set. Roll-ups without a recipient are returned
// as joined RollupErrors.
func (s *RewardService) SweepExpired(ctx context.Context) (*SweepReport, error) {
	now := s.now().UTC()
	report := &SweepReport{}
	var errs []error

	due, err := s.Ledger.ListDue(ctx, now, s.cfg.SweepBatch)
	if err != nil {
		return nil, fmt.Errorf("list due claims: %w", err)
	}
	for _, c := range due {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		if err := s.expireOne(ctx, c, now, report); err != nil {
			errs = append(errs, err)
		}
	}

	retryBefore := now.Add(-s.cfg.RollupRetryInterval)
	unresolved, err := s.Ledger.ListUnresolved(ctx, retryBefore, s.cfg.MaxRollupAttempts, s.cfg.SweepBatch)
	if err != nil {
		return report, errors.Join(append(errs, fmt.Errorf("list unresolved claims: %w", err))...)
	}
	for _, c := range unresolved {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		report.Retried++
		if err := s.retryRollup(ctx, c, now, report); err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

// findRecipient walks the root's sponsor chain for the first activated
// ancestor holding at least the claim's layer as level.
func (s *RewardService) findRecipient(ctx context.Context, root string, layer int) (*models.Member, []string, error) {
	ancestors, err := s.chain.Ancestors(ctx, root, models.MaxLevel)
	if err != nil {
		return nil, nil, err
	}
	path := []string{root}
	for _, a := range ancestors {
		path = append(path, a.Wallet)
		if a.QualifiesFor(layer) {
			return a, path, nil
		}
	}
	return nil, path, nil
}

func (s *RewardService) replacement(source models.RewardClaim, recipient string, now time.Time) *models.RewardClaim {
	srcID := source.ID
	return &models.RewardClaim{
		ID:             uuid.NewString(),
		ClaimKey:       models.RollupClaimKey(source.ID),
		RootWallet:     recipient,
		Layer:          source.Layer,
		TriggerWallet:  source.TriggerWallet,
		TriggerLevel:   source.TriggerLevel,
		AmountCents:    source.AmountCents,
		Status:         models.ClaimStatusEligible,
		EligibleAt:     &now,
		TxRef:          source.TxRef,
		RolledUpFromID: &srcID,
	}
}

func (s *RewardService) expireOne(ctx context.Context, c models.RewardClaim, now time.Time, report *SweepReport) error {
	recipient, path, err := s.findRecipient(ctx, c.RootWallet, c.Layer)
	if err != nil {
		return fmt.Errorf("find roll-up recipient for %s: %w", c.ID, err)
	}

	var (
		late     bool
		expired  *models.RewardClaim
		replaced *models.RewardClaim
	)
	err = s.Ledger.Atomic(ctx, func(tx LedgerTx) error {
		late, expired, replaced = false, nil, nil
		root, err := tx.Member(c.RootWallet)
		if err != nil && !errors.Is(err, ErrMemberNotFound) {
			return err
		}
		// the root qualified inside the window but the promotion was missed
		if root != nil && root.QualifiesFor(c.Layer) && root.LastLevelUpAt != nil && !root.LastLevelUpAt.After(*c.ExpiresAt) {
			_, err := tx.Transition(c.ID, models.ClaimStatusPending, models.ClaimStatusEligible, func(cl *models.RewardClaim) {
				cl.EligibleAt = root.LastLevelUpAt
			})
			late = err == nil
			return err
		}

		expired, err = tx.Transition(c.ID, models.ClaimStatusPending, models.ClaimStatusExpired, func(cl *models.RewardClaim) {
			cl.ExpiredAt = &now
			cl.RollupAttempts = 1
			cl.LastRollupAt = &now
			cl.NeedsResolution = recipient == nil
		})
		if err != nil {
			return err
		}

		record := &models.RollupRecord{
			ID:            uuid.NewString(),
			SourceClaimID: c.ID,
			OriginalRoot:  c.RootWallet,
			Layer:         c.Layer,
			AmountCents:   c.AmountCents,
			Path:          path,
			Attempt:       1,
			Reason:        models.RollupReasonNoQualifiedAncestor,
		}
		if recipient != nil {
			replaced = s.replacement(c, recipient.Wallet, now)
			if _, err := tx.CreateClaim(replaced); err != nil {
				return err
			}
			record.Reason = models.RollupReasonExpired
			record.Recipient = &recipient.Wallet
			record.ReplacementID = &replaced.ID
		}
		return tx.InsertRollup(record)
	})
	if errors.Is(err, ErrClaimStateConflict) {
		// handled by a concurrent sweep or level-up
		return nil
	}
	if err != nil {
		return err
	}

	if late {
		report.LatePromotions++
		sweepOutcomes.WithLabelValues("late_promotion").Inc()
		claimTransitions.WithLabelValues(string(models.ClaimStatusEligible)).Inc()
		s.notifier.Publish(ctx, RewardsChannel(c.RootWallet), EventClaimEligible, c.ID)
		return nil
	}

	report.Expired++
	claimTransitions.WithLabelValues(string(models.ClaimStatusExpired)).Inc()
	s.notifier.Publish(ctx, RewardsChannel(c.RootWallet), EventClaimExpired, expired)
	if replaced == nil {
		report.Unresolved = append(report.Unresolved, c.ID)
		sweepOutcomes.WithLabelValues("unresolved").Inc()
		s.logger.Error("expired claim has no qualifying ancestor",
			zap.String("claim", c.ID),
			zap.String("root", c.RootWallet),
			zap.Int("layer", c.Layer),
			zap.Strings("path", path))
		return &RollupError{ClaimID: c.ID, Root: c.RootWallet, Layer: c.Layer, Path: path}
	}

	report.RolledUp++
	sweepOutcomes.WithLabelValues("rolled_up").Inc()
	claimTransitions.WithLabelValues(string(models.ClaimStatusEligible)).Inc()
	s.notifier.Publish(ctx, RewardsChannel(replaced.RootWallet), EventClaimRolledUp, replaced)
	s.logger.Info("expired claim rolled up",
		zap.String("claim", c.ID),
		zap.String("from", c.RootWallet),
		zap.String("to", replaced.RootWallet),
		zap.Int("layer", c.Layer))
	return nil
}

func (s *RewardService) retryRollup(ctx context.Context, c models.RewardClaim, now time.Time, report *SweepReport) error {
	recipient, path, err := s.findRecipient(ctx, c.RootWallet, c.Layer)
	if err != nil {
		return fmt.Errorf("find roll-up recipient for %s: %w", c.ID, err)
	}
	attempt := c.RollupAttempts + 1

	var replaced *models.RewardClaim
	err = s.Ledger.Atomic(ctx, func(tx LedgerTx) error {
		replaced = nil
		record := &models.RollupRecord{
			ID:            uuid.NewString(),
			SourceClaimID: c.ID,
			OriginalRoot:  c.RootWallet,
			Layer:         c.Layer,
			AmountCents:   c.AmountCents,
			Path:          path,
			Attempt:       attempt,
			Reason:        models.RollupReasonNoQualifiedAncestor,
		}
		if recipient == nil {
			if err := tx.MarkUnresolved(c.ID, now); err != nil {
				return err
			}
			return tx.InsertRollup(record)
		}

		if err := tx.Resolve(c.ID); err != nil {
			return err
		}
		replaced = s.replacement(c, recipient.Wallet, now)
		if _, err := tx.CreateClaim(replaced); err != nil {
			return err
		}
		record.Reason = models.RollupReasonExpired
		record.Recipient = &recipient.Wallet
		record.ReplacementID = &replaced.ID
		return tx.InsertRollup(record)
	})
	if errors.Is(err, ErrClaimStateConflict) {
		return nil
	}
	if err != nil {
		return err
	}

	if replaced == nil {
		report.Unresolved = append(report.Unresolved, c.ID)
		sweepOutcomes.WithLabelValues("unresolved").Inc()
		return &RollupError{ClaimID: c.ID, Root: c.RootWallet, Layer: c.Layer, Path: path}
	}
	report.Resolved++
	sweepOutcomes.WithLabelValues("rolled_up").Inc()
	s.notifier.Publish(ctx, RewardsChannel(replaced.RootWallet), EventClaimRolledUp, replaced)
	s.logger.Info("unresolved claim rolled up on retry",
		zap.String("claim", c.ID),
		zap.String("to", replaced.RootWallet),
		zap.Int("attempt", attempt))
	return nil
}

// ListUnresolvedRollups returns expired claims waiting for administrative resolution.
func (s *RewardService) ListUnresolvedRollups(ctx context.Context, limit int) ([]models.RewardClaim, error) {
	return s.Ledger.ListClaims(ctx, ClaimQuery{Unresolved: true, Limit: limit})
}
