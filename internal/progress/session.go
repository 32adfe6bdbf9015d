package progress

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"

	"surveyrelay/internal/announce"
	"surveyrelay/internal/metrics"
	"surveyrelay/pkg/interfaces"
	"surveyrelay/pkg/types"
)

// StartSession replaces whatever round was stored with a fresh one.
func (t *Tracker) StartSession(ctx context.Context, id types.SessionID, expected int) error {
	if !id.Valid() {
		return &types.ValidationError{Field: "sessionId", Err: types.ErrInvalidSessionID}
	}
	if expected < 0 {
		return &types.ValidationError{Field: "expected", Err: ErrInvalidExpected}
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	session := types.SurveySession{SessionID: id, Expected: expected}
	if err := t.save(ctx, session); err != nil {
		return err
	}

	t.logger.Info().Int64("session_id", int64(id)).Int("expected", expected).Msg("Survey session started")
	t.announce(ctx, announce.Notice(types.KindProgress, types.LevelInfo,
		"Survey round %d started: 0/%d", int64(id), expected), session)
	return nil
}

// ResetSession clears surveyProgress to the empty session.
func (t *Tracker) ResetSession(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reset(ctx)
}

func (t *Tracker) reset(ctx context.Context) error {
	if err := t.save(ctx, types.EmptySession()); err != nil {
		return err
	}
	t.logger.Info().Msg("Survey progress reset")
	return nil
}

// Recover validates surveyProgress before any event is processed. An
// unreadable record or a session id that is not a positive integer is
// replaced with the empty session.
func (t *Tracker) Recover(ctx context.Context) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	raw, err := t.store.Get(ctx, types.KeySurveyProgress)
	if errors.Is(err, interfaces.ErrKeyNotFound) {
		return nil
	}
	if err != nil {
		perr := &types.PersistenceError{Op: "load", Key: types.KeySurveyProgress, Err: err}
		t.persistenceFailed(ctx, perr)
		return perr
	}

	reason := validateStored(raw)
	if reason == "" {
		var session types.SurveySession
		_ = json.Unmarshal(raw, &session)
		metrics.ProgressReceived.Set(float64(session.Received))
		metrics.ProgressExpected.Set(float64(session.Expected))
		t.logger.Info().
			Int64("session_id", int64(session.SessionID)).
			Int("received", session.Received).
			Int("expected", session.Expected).
			Msg("Survey progress recovered")
		return nil
	}

	t.logger.Warn().Str("reason", reason).RawJSON("stored", compact(raw)).Msg("Resetting invalid survey progress")
	if err := t.reset(ctx); err != nil {
		return err
	}
	t.sink.Announce(ctx, announce.Notice(types.KindProgress, types.LevelWarn,
		"Stored survey progress was invalid (%s); progress reset", reason))
	return nil
}

// validateStored returns why raw cannot be used, or "".
func validateStored(raw []byte) string {
	var stored struct {
		SessionID json.RawMessage `json:"sessionId"`
		Expected  int             `json:"expected"`
		Received  int             `json:"received"`
	}
	if err := json.Unmarshal(raw, &stored); err != nil {
		return "unreadable record"
	}
	if _, err := types.ParseSessionID(stored.SessionID); err != nil {
		return "session id is not a positive integer"
	}
	if stored.Expected < 0 || stored.Received < 0 {
		return "negative counts"
	}
	return ""
}

// Progress returns the stored session, or the empty session.
func (t *Tracker) Progress(ctx context.Context) (types.SurveySession, error) {
	_, session, err := t.load(ctx)
	return session, err
}

// Results returns the results log in arrival order.
func (t *Tracker) Results(ctx context.Context) ([]*types.SurveyResult, error) {
	results, err := t.store.List(ctx)
	if err != nil {
		return nil, &types.PersistenceError{Op: "list", Key: types.KeySurveyResults, Err: err}
	}
	return results, nil
}

func (t *Tracker) save(ctx context.Context, session types.SurveySession) error {
	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	if err := t.store.Set(ctx, types.KeySurveyProgress, data); err != nil {
		perr := &types.PersistenceError{Op: "save", Key: types.KeySurveyProgress, Err: err}
		t.persistenceFailed(ctx, perr)
		return perr
	}
	metrics.ProgressReceived.Set(float64(session.Received))
	metrics.ProgressExpected.Set(float64(session.Expected))
	return nil
}

func compact(raw []byte) []byte {
	var buf bytes.Buffer
	if err := json.Compact(&buf, raw); err != nil {
		quoted, _ := json.Marshal(string(raw))
		return quoted
	}
	return buf.Bytes()
}
