// workers/member_sync_worker.go
package workers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"matrix-reward-engine/models"
	"matrix-reward-engine/services"
	"matrix-reward-engine/utils"

	"go.uber.org/zap"
)

// RemoteMember matches a member row of the activation service.
type RemoteMember struct {
	Wallet        string     `json:"wallet"`
	Username      string     `json:"username"`
	DirectSponsor *string    `json:"direct_sponsor,omitempty"`
	IsActivated   bool       `json:"is_activated"`
	CurrentLevel  int        `json:"current_level"`
	ActivatedAt   *time.Time `json:"activated_at,omitempty"`
	TxRef         string     `json:"tx_ref,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// GetMemberChangesResponse is the top-level structure of the activation service response.
type GetMemberChangesResponse struct {
	Members []RemoteMember `json:"members"`
}

// MemberSyncWorker polls the activation service for member changes and turns
// them into activation and level-up events. It replaces the kafka consumer
// where no broker is available.
type MemberSyncWorker struct {
	registry     services.MemberRegistry
	dispatcher   *Dispatcher
	interval     time.Duration
	baseURL      string
	endpointPath string
	serviceToken string
	httpClient   *http.Client
	logger       *zap.Logger

	since time.Time
}

func NewMemberSyncWorker(registry services.MemberRegistry, dispatcher *Dispatcher, baseURL, serviceToken string,
	interval time.Duration, logger *zap.Logger) *MemberSyncWorker {
	return &MemberSyncWorker{
		registry:     registry,
		dispatcher:   dispatcher,
		interval:     interval,
		baseURL:      baseURL,
		endpointPath: "/api/v1/public/members",
		serviceToken: serviceToken,
		httpClient:   utils.HTTPClient,
		logger:       logger.Named("member_sync"),
	}
}

func (w *MemberSyncWorker) Start(ctx context.Context) {
	w.logger.Info("starting member sync worker", zap.String("url", w.baseURL), zap.Duration("interval", w.interval))
	go w.run(ctx)
}

func (w *MemberSyncWorker) run(ctx context.Context) {
	// initial sync from the beginning of time
	if err := w.SyncOnce(ctx); err != nil {
		w.logger.Warn("initial sync failed", zap.Error(err))
	}

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := w.SyncOnce(ctx); err != nil {
				w.logger.Error("sync batch failed", zap.Error(err))
			}
		case <-ctx.Done():
			w.logger.Info("member sync worker stopped")
			return
		}
	}
}

// SyncOnce fetches changes since the last successful sync and applies them.
// The cursor never moves past a member whose events failed for a reason that
// may clear up, so the next poll fetches it again. Activation flag changes of
// members placed before are mirrored locally.
func (w *MemberSyncWorker) SyncOnce(ctx context.Context) error {
	remote, err := w.fetch(ctx, w.since)
	if err != nil {
		return err
	}
	if len(remote) == 0 {
		return nil
	}
	sort.SliceStable(remote, func(i, j int) bool { return remote[i].UpdatedAt.Before(remote[j].UpdatedAt) })

	wallets := make([]string, 0, len(remote))
	for _, r := range remote {
		wallets = append(wallets, r.Wallet)
	}
	local, err := w.registry.GetMembers(ctx, wallets)
	if err != nil {
		return fmt.Errorf("load local members: %w", err)
	}

	var batch []Event
	for i, r := range remote {
		m := local[r.Wallet]
		active := m != nil && m.IsActivated
		switch {
		case active && !r.IsActivated:
			if err := w.registry.Deactivate(ctx, r.Wallet); err != nil {
				return fmt.Errorf("deactivate member %s: %w", r.Wallet, err)
			}
			w.logger.Warn("member deactivated by activation service", zap.String("wallet", r.Wallet))
			continue
		case !active && r.IsActivated && m != nil && m.ActivationSequence != nil:
			// placed before, so only the flag comes back
			if err := w.registry.Reactivate(ctx, r.Wallet); err != nil {
				return fmt.Errorf("reactivate member %s: %w", r.Wallet, err)
			}
			w.logger.Info("member reactivated by activation service", zap.String("wallet", r.Wallet))
			active = true
		}
		if !active && (m == nil || m.ActivationSequence == nil) {
			// registration data; activation happens through the event
			if err := w.registry.UpsertMember(ctx, &models.Member{
				Wallet:        r.Wallet,
				Username:      r.Username,
				DirectSponsor: r.DirectSponsor,
			}); err != nil {
				return fmt.Errorf("upsert member %s: %w", r.Wallet, err)
			}
		}
		if r.IsActivated && !active {
			ev := models.MemberActivated{Wallet: r.Wallet, DirectSponsor: r.DirectSponsor, Username: r.Username}
			if r.ActivatedAt != nil {
				ev.OccurredAt = *r.ActivatedAt
			}
			batch = append(batch, Event{Activated: &ev, Ref: i})
		}
		localLevel := 0
		if m != nil {
			localLevel = m.CurrentLevel
		}
		if r.IsActivated && r.CurrentLevel > localLevel && r.CurrentLevel <= models.MaxLevel {
			batch = append(batch, Event{Ref: i, LeveledUp: &models.MemberLeveledUp{
				Wallet:     r.Wallet,
				NewLevel:   r.CurrentLevel,
				TxRef:      r.TxRef,
				OccurredAt: r.UpdatedAt,
			}})
		}
	}

	res, err := w.dispatcher.Dispatch(ctx, batch)
	var failed *DispatchError
	if err != nil && !errors.As(err, &failed) {
		return err
	}

	cursor := remote[len(remote)-1].UpdatedAt
	if failed != nil {
		for _, f := range failed.Failed {
			if !f.Retryable() {
				w.logger.Error("member event rejected, skipping",
					zap.String("wallet", f.Event.Wallet()),
					zap.Error(f.Err))
			}
		}
		if held, ok := cursorBefore(remote, failed); ok {
			cursor = held
			syncCursorHeld.Inc()
		}
	}
	if cursor.After(w.since) {
		w.since = cursor
	}
	w.logger.Info("member changes applied",
		zap.Int("members", len(remote)),
		zap.Int("activated", res.Activated),
		zap.Int("leveled_up", res.LeveledUp),
		zap.Int("failed", res.Failed),
		zap.Time("cursor", w.since))
	if failed != nil && failed.Retryable() {
		return err
	}
	return nil
}

// cursorBefore returns the latest update time strictly before the earliest
// member with a retryable failure. ok is false when no failure holds the
// cursor back. remote must be sorted by UpdatedAt.
func cursorBefore(remote []RemoteMember, failed *DispatchError) (time.Time, bool) {
	first := -1
	for _, f := range failed.Failed {
		if f.Retryable() && (first < 0 || f.Event.Ref < first) {
			first = f.Event.Ref
		}
	}
	if first < 0 {
		return time.Time{}, false
	}
	var cursor time.Time
	limit := remote[first].UpdatedAt
	for _, r := range remote {
		if r.UpdatedAt.Before(limit) {
			cursor = r.UpdatedAt
		}
	}
	return cursor, true
}

func (w *MemberSyncWorker) fetch(ctx context.Context, since time.Time) ([]RemoteMember, error) {
	base, err := url.Parse(w.baseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid activation service URL '%s': %w", w.baseURL, err)
	}
	endpointURL := base.JoinPath(w.endpointPath)
	q := endpointURL.Query()
	q.Set("since", since.UTC().Format(time.RFC3339Nano))
	endpointURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpointURL.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("X-Service-Token", w.serviceToken)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request to activation service failed: %w", err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("activation service returned %d: %s", resp.StatusCode, string(body))
	}

	var out GetMemberChangesResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode activation service response: %w", err)
	}
	return out.Members, nil
}
