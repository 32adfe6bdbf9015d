package types

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// ParseSessionID decodes a raw JSON identifier. null decodes to NoSession;
// numbers and numeric strings must be positive integers.
func ParseSessionID(raw json.RawMessage) (SessionID, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return NoSession, nil
	}

	var text string
	if raw[0] == '"' {
		if err := json.Unmarshal(raw, &text); err != nil {
			return NoSession, ErrInvalidSessionID
		}
		text = strings.TrimSpace(text)
	} else {
		text = string(raw)
	}

	if n, err := strconv.ParseInt(text, 10, 64); err == nil {
		if n <= 0 {
			return NoSession, ErrInvalidSessionID
		}
		return SessionID(n), nil
	}

	// 5.0 is a legal JSON encoding of 5
	f, err := strconv.ParseFloat(text, 64)
	if err != nil || f <= 0 || f != math.Trunc(f) || f >= math.MaxInt64 {
		return NoSession, ErrInvalidSessionID
	}
	return SessionID(int64(f)), nil
}

// ParseCompletion turns a channel payload into a CompletionEvent. The
// payload may arrive as a JSON object or as a JSON string holding one.
// On a validation failure the returned event still carries the payload
// so it can be written to the results log.
func ParseCompletion(data []byte) (*CompletionEvent, error) {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '"' {
		var inner string
		if err := json.Unmarshal(data, &inner); err != nil {
			return &CompletionEvent{Payload: quote(data)}, &ValidationError{Err: ErrMalformedPayload}
		}
		data = bytes.TrimSpace([]byte(inner))
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil || fields == nil {
		return &CompletionEvent{Payload: quote(data)}, &ValidationError{Err: ErrMalformedPayload}
	}

	event := &CompletionEvent{Payload: json.RawMessage(data)}
	event.CharacterID = stringField(fields, "characterId", "character_id")
	event.CharacterName = stringField(fields, "characterName", "character_name")

	event.OwnerID = stringField(fields, "ownerId", "owner_id")
	if event.OwnerID == "" {
		return event, &ValidationError{Field: "ownerId", Err: ErrMissingOwnerID}
	}

	rawID, ok := lookup(fields, "sessionId", "session_id")
	if !ok {
		return event, &ValidationError{Field: "sessionId", Err: ErrMissingSessionID}
	}
	id, err := ParseSessionID(rawID)
	if err != nil {
		return event, &ValidationError{Field: "sessionId", Err: err}
	}
	if !id.Valid() {
		return event, &ValidationError{Field: "sessionId", Err: ErrMissingSessionID}
	}
	event.SessionID = id

	return event, nil
}

func lookup(fields map[string]json.RawMessage, names ...string) (json.RawMessage, bool) {
	for _, name := range names {
		if v, ok := fields[name]; ok {
			return v, true
		}
	}
	return nil, false
}

func stringField(fields map[string]json.RawMessage, names ...string) string {
	raw, ok := lookup(fields, names...)
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return ""
	}
	return strings.TrimSpace(s)
}

// quote keeps unparseable payloads loggable as a JSON string.
func quote(data []byte) json.RawMessage {
	b, _ := json.Marshal(string(data))
	return b
}
