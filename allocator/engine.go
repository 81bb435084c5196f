package allocator

import (
	"context"
	"strings"
	"sync"
	"time"

	"gpu-claim-bot/metrics"
	"gpu-claim-bot/queues"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// Store persists the allocation table.
//
// Update must hold an exclusive lock across loading the table, calling fn and
// saving the table; the table is saved only when fn reports a change and
// returns no error.
type Store interface {
	Load(ctx context.Context) (Table, error)
	Update(ctx context.Context, fn func(Table) (bool, error)) error
}

// Engine is the only component that mutates allocation records. Claim,
// Release and Status each run as one critical section: the engine mutex
// serialises callers in this process and the store's exclusive lock covers
// other processes sharing the document.
//
// Events go through a background queue; operations return without waiting
// for the publisher.
type Engine struct {
	store  Store
	events *queues.AsyncPublisher
	clock  clockwork.Clock
	mu     sync.Mutex
}

func NewEngine(s Store, p queues.Publisher, clock clockwork.Clock) *Engine {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		store:  s,
		events: queues.NewAsyncPublisher(p, queues.DefaultEventBuffer, queues.DefaultEventTimeout),
		clock:  clock,
	}
}

// Close delivers queued events and stops the event goroutine.
func (e *Engine) Close() error {
	return e.events.Close()
}

func (e *Engine) update(ctx context.Context, fn func(Table) (bool, error)) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.store.Update(ctx, fn)
}

// Claim reserves gpuID for caller. A blank purpose is replaced by NoPurpose
// and an unusable duration token falls back to DefaultDuration.
func (e *Engine) Claim(ctx context.Context, gpuID string, caller Caller, purpose, durationToken string) (Claim, error) {
	gpuID = strings.TrimSpace(gpuID)
	purpose = strings.TrimSpace(purpose)
	if purpose == "" {
		purpose = NoPurpose
	}
	d, ok := ParseDuration(durationToken)
	if !ok && strings.TrimSpace(durationToken) != "" {
		log.Warn().Str("token", durationToken).Dur("default", d).Msg("engine: invalid duration, using default")
	}

	var (
		claim    Claim
		replaced *Claim
	)
	err := e.update(ctx, func(t Table) (bool, error) {
		if !Validate(gpuID, t) {
			return false, &NotFoundError{GPUID: gpuID, Valid: ValidIDs(t)}
		}
		now := e.clock.Now().UTC()
		if rec := t[gpuID]; rec.Claim != nil {
			if !rec.Claim.Expired(now) {
				return false, &ConflictError{GPUID: gpuID, Holder: *rec.Claim}
			}
			prev := *rec.Claim
			replaced = &prev
		}
		claim = Claim{
			UserID:    caller.ID,
			UserName:  caller.Name,
			Purpose:   purpose,
			ClaimedAt: now,
			ExpiresAt: now.Add(d),
		}
		t[gpuID] = InUse(claim)
		return true, nil
	})
	if err != nil {
		return Claim{}, err
	}

	log.Info().Str("gpuId", gpuID).Str("userId", caller.ID).Str("userName", caller.Name).Dur("duration", d).Msg("engine: gpu claimed")
	if replaced != nil {
		metrics.ExpiredClaimsTotal.Inc()
		e.publish(ctx, newEvent(queues.EventExpired, gpuID, replaced, claim.ClaimedAt))
	}
	e.publish(ctx, newEvent(queues.EventClaimed, gpuID, &claim, claim.ClaimedAt))
	return claim, nil
}

// Release frees gpuID if caller is the claimant. Releasing an available GPU
// succeeds with AlreadyAvailable set and leaves the document untouched.
func (e *Engine) Release(ctx context.Context, gpuID string, caller Caller) (ReleaseResult, error) {
	gpuID = strings.TrimSpace(gpuID)
	res := ReleaseResult{GPUID: gpuID}
	var expired bool
	err := e.update(ctx, func(t Table) (bool, error) {
		if !Validate(gpuID, t) {
			return false, &NotFoundError{GPUID: gpuID, Valid: ValidIDs(t)}
		}
		rec := t[gpuID]
		if rec.Claim == nil {
			res.AlreadyAvailable = true
			return false, nil
		}
		if rec.Claim.Expired(e.clock.Now()) {
			// Lapsed claims are free for everyone; persist what the next sweep would.
			expired = true
			res.AlreadyAvailable = true
			prev := *rec.Claim
			res.Previous = &prev
			t[gpuID] = Available()
			return true, nil
		}
		if rec.Claim.UserID != caller.ID {
			return false, &PermissionError{GPUID: gpuID, Holder: *rec.Claim}
		}
		prev := *rec.Claim
		res.Previous = &prev
		t[gpuID] = Available()
		return true, nil
	})
	if err != nil {
		return ReleaseResult{}, err
	}

	now := e.clock.Now().UTC()
	switch {
	case expired:
		metrics.ExpiredClaimsTotal.Inc()
		log.Info().Str("gpuId", gpuID).Str("holder", res.Previous.UserName).Msg("engine: released lapsed claim")
		e.publish(ctx, newEvent(queues.EventExpired, gpuID, res.Previous, now))
	case res.AlreadyAvailable:
		log.Debug().Str("gpuId", gpuID).Str("userId", caller.ID).Msg("engine: gpu already available")
	default:
		log.Info().Str("gpuId", gpuID).Str("userId", caller.ID).Str("userName", caller.Name).Msg("engine: gpu released")
		e.publish(ctx, newEvent(queues.EventReleased, gpuID, res.Previous, now))
	}
	return res, nil
}

// Status sweeps expired claims, persisting the table once if anything
// changed, and returns every GPU in numeric id order.
func (e *Engine) Status(ctx context.Context) ([]GPUStatus, error) {
	snapshot, _, now, err := e.sweep(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]GPUStatus, 0, len(snapshot))
	inUse := 0
	for _, id := range ValidIDs(snapshot) {
		st := GPUStatus{ID: id, Record: snapshot[id]}
		if c := st.Record.Claim; c != nil {
			inUse++
			st.Remaining = c.ExpiresAt.Sub(now)
		}
		out = append(out, st)
	}
	metrics.GPUsInUse.Set(float64(inUse))
	return out, nil
}

// Sweep runs the expiry pass on its own and returns the number of claims
// released.
func (e *Engine) Sweep(ctx context.Context) (int, error) {
	_, n, _, err := e.sweep(ctx)
	return n, err
}

func (e *Engine) sweep(ctx context.Context) (Table, int, time.Time, error) {
	var (
		snapshot Table
		swept    map[string]Claim
		now      time.Time
	)
	err := e.update(ctx, func(t Table) (bool, error) {
		now = e.clock.Now().UTC()
		swept = expire(t, now)
		snapshot = t.Clone()
		return len(swept) > 0, nil
	})
	if err != nil {
		return nil, 0, time.Time{}, err
	}

	for _, id := range sortedKeys(swept) {
		c := swept[id]
		log.Info().Str("gpuId", id).Str("userName", c.UserName).Msg("engine: auto-released expired claim")
		metrics.ExpiredClaimsTotal.Inc()
		e.publish(ctx, newEvent(queues.EventExpired, id, &c, now))
	}
	return snapshot, len(swept), now, nil
}

// expire turns every claim that is over at now into an available record and
// returns the claims it removed.
func expire(t Table, now time.Time) map[string]Claim {
	swept := make(map[string]Claim)
	for id, rec := range t {
		if rec.Claim != nil && rec.Claim.Expired(now) {
			swept[id] = *rec.Claim
			t[id] = Available()
		}
	}
	return swept
}

func sortedKeys(m map[string]Claim) []string {
	ids := make([]string, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	sortNumeric(ids)
	return ids
}

func newEvent(typ queues.EventType, gpuID string, c *Claim, at time.Time) *queues.AllocationEvent {
	ev := &queues.AllocationEvent{
		EnvelopeVersion: queues.EnvelopeVersion,
		Type:            typ,
		EventID:         uuid.NewString(),
		GPUID:           gpuID,
		OccurredAt:      at.UTC(),
	}
	if c != nil {
		claimed, expires := c.ClaimedAt, c.ExpiresAt
		ev.UserID = c.UserID
		ev.UserName = c.UserName
		ev.Purpose = c.Purpose
		ev.ClaimTime = &claimed
		ev.ReleaseTime = &expires
	}
	return ev
}

// publish is best effort: the table is already saved.
func (e *Engine) publish(ctx context.Context, ev *queues.AllocationEvent) {
	if err := e.events.PublishEvent(ctx, ev); err != nil {
		log.Error().Err(err).Str("gpuId", ev.GPUID).Str("type", string(ev.Type)).Msg("engine: dropped allocation event")
	}
}
