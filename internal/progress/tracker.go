package progress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"surveyrelay/internal/announce"
	"surveyrelay/internal/logging"
	"surveyrelay/internal/metrics"
	"surveyrelay/pkg/interfaces"
	"surveyrelay/pkg/types"
)

const (
	defaultMaxAttempts = 5

	unknownPlayer    = "Unknown Player"
	unknownCharacter = "Unknown Character"
)

// Options tune aggregation.
type Options struct {
	// Role must be types.RoleAggregator for events to be processed.
	Role string
	// CountDistinctOwners counts at most one event per owner per session.
	CountDistinctOwners bool
	// MaxAttempts bounds compare-and-swap retries on surveyProgress.
	MaxAttempts int
}

// Tracker owns the results log and the surveyProgress record.
//
// Every update to surveyProgress runs under mu and is written with a
// compare-and-swap against the bytes just read, so a concurrent event in
// this process waits and a concurrent writer elsewhere forces a re-read.
// Nothing is cached between events; each one starts from the store.
type Tracker struct {
	store    interfaces.Store
	sink     interfaces.AnnouncementSink
	identity interfaces.IdentityResolver
	opts     Options
	logger   zerolog.Logger
	now      func() time.Time

	mu sync.Mutex
}

// NewTracker creates a tracker. identity may be nil.
func NewTracker(store interfaces.Store, sink interfaces.AnnouncementSink, identity interfaces.IdentityResolver, opts Options) *Tracker {
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Role == "" {
		opts.Role = types.RoleAggregator
	}
	return &Tracker{
		store:    store,
		sink:     sink,
		identity: identity,
		opts:     opts,
		logger:   logging.WithComponent("progress"),
		now:      time.Now,
	}
}

type outcome int

const (
	outcomeCounted outcome = iota
	outcomeMismatch
	outcomeDuplicate
)

// update is the result of applying one event to surveyProgress.
type update struct {
	session types.SurveySession
	outcome outcome
	// crossed is set only on the write that flipped Completed.
	crossed bool
}

// OnCompletionEvent records one inbound completion and counts it when it
// belongs to the active session. Failures become announcements.
func (t *Tracker) OnCompletionEvent(ctx context.Context, payload json.RawMessage) {
	if t.opts.Role != types.RoleAggregator {
		t.logger.Debug().Str("role", t.opts.Role).Msg("Ignoring completion event, not the aggregator")
		metrics.EventsTotal.WithLabelValues("ignored").Inc()
		return
	}

	event, verr := types.ParseCompletion(payload)
	result := &types.SurveyResult{
		ID:            uuid.New().String(),
		OwnerID:       event.OwnerID,
		SessionID:     event.SessionID,
		CharacterID:   event.CharacterID,
		CharacterName: event.CharacterName,
		Payload:       event.Payload,
		ReceivedAt:    t.now().UTC(),
	}
	if verr != nil {
		result.Rejected = verr.Error()
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.store.Append(ctx, result); err != nil {
		t.persistenceFailed(ctx, &types.PersistenceError{Op: "append", Key: types.KeySurveyResults, Err: err})
		return
	}

	if verr != nil {
		t.logger.Warn().Err(verr).Str("result_id", result.ID).Msg("Logged malformed completion event")
		metrics.EventsTotal.WithLabelValues("invalid").Inc()
		return
	}

	u, err := t.apply(ctx, result)
	if err != nil {
		t.persistenceFailed(ctx, err)
		return
	}

	switch u.outcome {
	case outcomeMismatch:
		t.mismatch(ctx, u.session, result)
	case outcomeDuplicate:
		t.duplicate(ctx, u.session, result)
	case outcomeCounted:
		t.counted(ctx, u, result)
	}
}

// apply runs the compare-and-swap loop against surveyProgress.
func (t *Tracker) apply(ctx context.Context, result *types.SurveyResult) (update, error) {
	for attempt := 1; attempt <= t.opts.MaxAttempts; attempt++ {
		raw, session, err := t.load(ctx)
		if err != nil {
			return update{}, err
		}

		if !session.Matches(result.SessionID) {
			return update{session: session, outcome: outcomeMismatch}, nil
		}

		if t.opts.CountDistinctOwners {
			n, err := t.store.CountByOwner(ctx, result.SessionID, result.OwnerID)
			if err != nil {
				return update{}, &types.PersistenceError{Op: "count", Key: types.KeySurveyResults, Err: err}
			}
			// the log already holds this event
			if n > 1 {
				return update{session: session, outcome: outcomeDuplicate}, nil
			}
		}

		next := session
		next.Received++
		crossed := !next.Completed && next.ThresholdReached()
		if crossed {
			next.Completed = true
		}

		data, err := json.Marshal(next)
		if err != nil {
			return update{}, fmt.Errorf("failed to encode progress: %w", err)
		}

		swapped, err := t.store.CompareAndSwap(ctx, types.KeySurveyProgress, raw, data)
		if err != nil {
			return update{}, &types.PersistenceError{Op: "save", Key: types.KeySurveyProgress, Err: err}
		}
		if swapped {
			return update{session: next, outcome: outcomeCounted, crossed: crossed}, nil
		}

		metrics.CASConflicts.Inc()
		t.logger.Debug().Int("attempt", attempt).Msg("Survey progress changed underneath update, retrying")
	}
	return update{}, &types.PersistenceError{Op: "save", Key: types.KeySurveyProgress, Err: ErrConflict}
}

// load returns the stored bytes, nil when absent, with the decoded
// session.
func (t *Tracker) load(ctx context.Context) ([]byte, types.SurveySession, error) {
	raw, err := t.store.Get(ctx, types.KeySurveyProgress)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil, types.EmptySession(), nil
	}
	if err != nil {
		return nil, types.EmptySession(), &types.PersistenceError{Op: "load", Key: types.KeySurveyProgress, Err: err}
	}

	var session types.SurveySession
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, types.EmptySession(), &types.PersistenceError{
			Op:  "load",
			Key: types.KeySurveyProgress,
			Err: fmt.Errorf("%w: %v", ErrCorruptProgress, err),
		}
	}
	return raw, session, nil
}

func (t *Tracker) counted(ctx context.Context, u update, result *types.SurveyResult) {
	session := u.session
	metrics.EventsTotal.WithLabelValues("accepted").Inc()
	metrics.ProgressReceived.Set(float64(session.Received))
	metrics.ProgressExpected.Set(float64(session.Expected))

	t.logger.Info().
		Str("owner_id", result.OwnerID).
		Int64("session_id", int64(session.SessionID)).
		Int("received", session.Received).
		Int("expected", session.Expected).
		Msg("Survey completion counted")

	t.announce(ctx, announce.Notice(types.KindProgress, types.LevelInfo, "%s completed (%s) %d/%d",
		t.displayName(result.OwnerID), characterName(result), session.Received, session.Expected), session)

	if u.crossed {
		metrics.SessionsCompleted.Inc()
		t.announce(ctx, announce.Notice(types.KindCompleted, types.LevelInfo,
			"All surveys completed! %d/%d players responded.", session.Received, session.Expected), session)
	}
}

func (t *Tracker) mismatch(ctx context.Context, session types.SurveySession, result *types.SurveyResult) {
	metrics.EventsTotal.WithLabelValues("mismatch").Inc()
	t.logger.Warn().
		Int64("event_session_id", int64(result.SessionID)).
		Int64("active_session_id", int64(session.SessionID)).
		Str("owner_id", result.OwnerID).
		Msg("Session id mismatch")

	var a types.Announcement
	if session.Active() {
		a = announce.Notice(types.KindMismatch, types.LevelWarn,
			"Survey result for session %d does not match active session %d; not counted",
			int64(result.SessionID), int64(session.SessionID))
	} else {
		a = announce.Notice(types.KindMismatch, types.LevelWarn,
			"Survey result for session %d received with no active session; not counted", int64(result.SessionID))
	}
	t.announce(ctx, a, session)
}

func (t *Tracker) duplicate(ctx context.Context, session types.SurveySession, result *types.SurveyResult) {
	metrics.EventsTotal.WithLabelValues("duplicate").Inc()
	t.logger.Info().
		Str("owner_id", result.OwnerID).
		Int64("session_id", int64(session.SessionID)).
		Msg("Repeat completion not counted")

	t.announce(ctx, announce.Notice(types.KindProgress, types.LevelInfo, "%s already completed (%s), not counted again %d/%d",
		t.displayName(result.OwnerID), characterName(result), session.Received, session.Expected), session)
}

func (t *Tracker) persistenceFailed(ctx context.Context, err error) {
	var perr *types.PersistenceError
	key := "unknown"
	if errors.As(err, &perr) {
		key = perr.Key
	}
	metrics.PersistenceFailures.WithLabelValues(key).Inc()
	t.logger.Error().Err(err).Msg("Survey progress not saved")
	t.sink.Announce(ctx, announce.Notice(types.KindError, types.LevelError, "Failed to save survey progress: %v", err))
}

func (t *Tracker) announce(ctx context.Context, a types.Announcement, session types.SurveySession) {
	a.SessionID = session.SessionID
	a.Received = session.Received
	a.Expected = session.Expected
	t.sink.Announce(ctx, a)
}

// displayName falls back to the raw owner id, then to a placeholder.
func (t *Tracker) displayName(ownerID string) string {
	if t.identity != nil {
		if name, ok := t.identity.DisplayName(ownerID); ok && name != "" {
			return name
		}
	}
	if ownerID != "" {
		return ownerID
	}
	return unknownPlayer
}

func characterName(result *types.SurveyResult) string {
	if result.CharacterName != "" {
		return result.CharacterName
	}
	return unknownCharacter
}
