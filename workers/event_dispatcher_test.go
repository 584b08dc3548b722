package workers

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"matrix-reward-engine/models"
	"matrix-reward-engine/services"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type recordingHandler struct {
	mu        sync.Mutex
	activated map[string]bool
	order     []string
	levels    []models.MemberLeveledUp
	violation string
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{activated: make(map[string]bool)}
}

func (h *recordingHandler) HandleActivated(_ context.Context, ev models.MemberActivated) (*services.PlacementResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.activated[ev.Wallet] {
		return nil, services.ErrDuplicatePlacement
	}
	if ev.DirectSponsor != nil && !h.activated[*ev.DirectSponsor] && h.violation == "" {
		h.violation = ev.Wallet + " before " + *ev.DirectSponsor
	}
	h.activated[ev.Wallet] = true
	h.order = append(h.order, ev.Wallet)
	return &services.PlacementResult{Member: ev.Wallet}, nil
}

func (h *recordingHandler) HandleLeveledUp(_ context.Context, ev models.MemberLeveledUp) (*services.LevelUpResult, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.activated[ev.Wallet] && h.violation == "" {
		h.violation = "level-up of " + ev.Wallet + " before activation"
	}
	h.levels = append(h.levels, ev)
	return &services.LevelUpResult{Wallet: ev.Wallet, NewLevel: ev.NewLevel}, nil
}

// failingHandler fails the wallets listed in its maps and records the rest.
type failingHandler struct {
	*recordingHandler
	failActivation map[string]error
	failLevelUp    map[string]error
	// recoverAfter lets an activation succeed once it was called that often
	recoverAfter map[string]int
	calls        map[string]int
}

func newFailingHandler() *failingHandler {
	return &failingHandler{
		recordingHandler: newRecordingHandler(),
		failActivation:   make(map[string]error),
		failLevelUp:      make(map[string]error),
		recoverAfter:     make(map[string]int),
		calls:            make(map[string]int),
	}
}

func (h *failingHandler) HandleActivated(ctx context.Context, ev models.MemberActivated) (*services.PlacementResult, error) {
	h.mu.Lock()
	h.calls[ev.Wallet]++
	err := h.failActivation[ev.Wallet]
	if n, ok := h.recoverAfter[ev.Wallet]; ok && h.calls[ev.Wallet] > n {
		err = nil
	}
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return h.recordingHandler.HandleActivated(ctx, ev)
}

func (h *failingHandler) HandleLeveledUp(ctx context.Context, ev models.MemberLeveledUp) (*services.LevelUpResult, error) {
	h.mu.Lock()
	err := h.failLevelUp[ev.Wallet]
	h.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return h.recordingHandler.HandleLeveledUp(ctx, ev)
}

func (h *failingHandler) callsFor(wallet string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls[wallet]
}

func act(wallet, sponsor string) Event {
	ev := &models.MemberActivated{Wallet: wallet}
	if sponsor != "" {
		ev.DirectSponsor = &sponsor
	}
	return Event{Activated: ev}
}

func lvl(wallet string, level int) Event {
	return Event{LeveledUp: &models.MemberLeveledUp{Wallet: wallet, NewLevel: level}}
}

func TestActivationWavesOrderSponsorsFirst(t *testing.T) {
	events := []Event{
		act("0xD", "0xC"),
		act("0xC", "0xB"),
		act("0xB", "0xA"),
		act("0xX", "0xA"),
		act("0xB", "0xA"),
	}
	waves := activationWaves(events)
	require.Len(t, waves, 3)

	wallets := func(w []Event) []string {
		var out []string
		for _, ev := range w {
			out = append(out, ev.Wallet())
		}
		return out
	}
	assert.ElementsMatch(t, []string{"0xB", "0xX"}, wallets(waves[0]))
	assert.Equal(t, []string{"0xC"}, wallets(waves[1]))
	assert.Equal(t, []string{"0xD"}, wallets(waves[2]))
}

func TestActivationWavesSurviveSponsorCycle(t *testing.T) {
	waves := activationWaves([]Event{
		act("0xA", "0xB"),
		act("0xB", "0xA"),
	})
	total := 0
	for _, w := range waves {
		total += len(w)
	}
	assert.Equal(t, 2, total)
}

func TestDispatchPreservesDependencies(t *testing.T) {
	h := newRecordingHandler()
	h.activated["0xRoot"] = true
	d := NewDispatcher(h, h, 4, zap.NewNop())
	defer d.Stop()

	batch := []Event{
		lvl("0xC", 1),
		act("0xC", "0xB"),
		act("0xB", "0xRoot"),
		lvl("0xC", 2),
		act("0xE", "0xC"),
		act("0xF", "0xRoot"),
		act("0xRoot", ""),
		lvl("0xB", 1),
	}
	res, err := d.Dispatch(context.Background(), batch)
	require.NoError(t, err)
	assert.Empty(t, h.violation)
	assert.Equal(t, 4, res.Activated)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 3, res.LeveledUp)
	assert.Zero(t, res.Failed)

	var cLevels []int
	for _, ev := range h.levels {
		if ev.Wallet == "0xC" {
			cLevels = append(cLevels, ev.NewLevel)
		}
	}
	assert.Equal(t, []int{1, 2}, cLevels)
}

func TestDecodeEvent(t *testing.T) {
	ev, err := DecodeEvent(TopicMemberActivated, []byte(`{"wallet":"0xAAA","direct_sponsor":"0xBBB"}`))
	require.NoError(t, err)
	require.NotNil(t, ev.Activated)
	assert.Equal(t, "0xBBB", *ev.Activated.DirectSponsor)

	ev, err = DecodeEvent(TopicMemberLeveledUp, []byte(`{"wallet":"0xAAA","new_level":4}`))
	require.NoError(t, err)
	require.NotNil(t, ev.LeveledUp)
	assert.Equal(t, 4, ev.LeveledUp.NewLevel)

	_, err = DecodeEvent(TopicMemberLeveledUp, []byte(`{"wallet":"0xAAA","new_level":25}`))
	assert.Error(t, err)
	_, err = DecodeEvent(TopicMemberActivated, []byte(`not json`))
	assert.Error(t, err)
	_, err = DecodeEvent("other.topic", []byte(`{}`))
	assert.Error(t, err)
}

func withRefs(events ...Event) []Event {
	for i := range events {
		events[i].Ref = i
	}
	return events
}

func TestDispatchReturnsFailedEvents(t *testing.T) {
	h := newFailingHandler()
	h.activated["0xRoot"] = true
	h.activated["0xE"] = true
	h.failActivation["0xA"] = fmt.Errorf("%w: sponsor 0xmissing not found", services.ErrBrokenChain)
	h.failLevelUp["0xE"] = services.ErrPlacementConflict
	d := NewDispatcher(h, h, 4, zap.NewNop())
	defer d.Stop()

	batch := withRefs(
		act("0xA", "0xmissing"),
		lvl("0xA", 1),
		act("0xC", "0xA"),
		act("0xD", "0xRoot"),
		lvl("0xE", 1),
		act("0xF", "0xC"),
	)
	res, err := d.Dispatch(context.Background(), batch)
	require.Error(t, err)

	var failed *DispatchError
	require.ErrorAs(t, err, &failed)
	assert.ErrorIs(t, err, services.ErrBrokenChain)
	assert.True(t, failed.Retryable())

	refs := make([]int, 0, len(failed.Failed))
	for _, f := range failed.Failed {
		refs = append(refs, f.Event.Ref)
	}
	assert.Equal(t, []int{0, 1, 2, 4, 5}, refs)
	assert.ErrorIs(t, failed.Failed[0].Err, services.ErrBrokenChain)
	assert.ErrorIs(t, failed.Failed[1].Err, ErrBlocked)
	assert.ErrorIs(t, failed.Failed[2].Err, ErrBlocked)
	assert.ErrorIs(t, failed.Failed[3].Err, services.ErrPlacementConflict)
	assert.ErrorIs(t, failed.Failed[4].Err, ErrBlocked)

	// members below the failed sponsor are never attempted
	assert.Zero(t, h.callsFor("0xC"))
	assert.Zero(t, h.callsFor("0xF"))
	assert.Equal(t, 1, res.Activated)
	assert.Equal(t, 5, res.Failed)
	assert.Empty(t, h.violation)
}

func TestDispatchDuplicatesAreNotFailures(t *testing.T) {
	h := newRecordingHandler()
	h.activated["0xA"] = true
	d := NewDispatcher(h, h, 2, zap.NewNop())
	defer d.Stop()

	res, err := d.Dispatch(context.Background(), withRefs(act("0xA", ""), lvl("0xA", 2)))
	require.NoError(t, err)
	assert.Equal(t, 1, res.Duplicates)
	assert.Equal(t, 1, res.LeveledUp)
}

func TestFailedEventRetryable(t *testing.T) {
	assert.True(t, FailedEvent{Err: services.ErrPlacementConflict}.Retryable())
	assert.True(t, FailedEvent{Err: fmt.Errorf("%w: sponsor 0xS", ErrBlocked)}.Retryable())
	assert.False(t, FailedEvent{Err: fmt.Errorf("%w: self sponsor", services.ErrInvalidEvent)}.Retryable())

	rejected := &DispatchError{Failed: []FailedEvent{{Err: services.ErrInvalidEvent}}}
	assert.False(t, rejected.Retryable())
}
