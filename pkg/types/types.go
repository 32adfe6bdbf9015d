package types

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// Wire-level names shared by the transport, dispatcher and tracker.
const (
	ChannelPrefix              = "private-session-"
	EventSurveyCompleted       = "client-survey-completed"
	EventSubscriptionSucceeded = "pusher:subscription_succeeded"
	EventSubscriptionError     = "pusher:subscription_error"
)

// Store keys owned or read by the relay.
const (
	KeySurveyResults  = "surveyResults"
	KeySurveyProgress = "surveyProgress"
	KeyPusherAppKey   = "pusherAppKey"
	KeyPusherCluster  = "pusherCluster"
	KeyEndpointURL    = "endpointURL"
	KeyAPIKey         = "apiKey"
	KeySessionID      = "sessionId"
)

// Roles decide who writes aggregation state when several observers
// receive the same broadcast.
const (
	RoleAggregator = "aggregator"
	RoleObserver   = "observer"
)

// SessionID is the normalized survey session identifier. Senders may
// transmit it as a JSON number or a numeric string; both decode to the
// same value so comparisons inside the relay are exact. Zero means no
// active session.
type SessionID int64

// NoSession is the absent identifier.
const NoSession SessionID = 0

// Valid reports whether the identifier is a positive integer.
func (s SessionID) Valid() bool {
	return s > 0
}

func (s SessionID) String() string {
	if !s.Valid() {
		return ""
	}
	return strconv.FormatInt(int64(s), 10)
}

// ChannelName derives the private channel the relay listens on.
func (s SessionID) ChannelName() string {
	return ChannelPrefix + s.String()
}

// MarshalJSON writes null for the absent identifier.
func (s SessionID) MarshalJSON() ([]byte, error) {
	if s == NoSession {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(int64(s), 10)), nil
}

// UnmarshalJSON accepts null, a JSON number or a numeric string.
func (s *SessionID) UnmarshalJSON(data []byte) error {
	id, err := ParseSessionID(data)
	if err != nil {
		return err
	}
	*s = id
	return nil
}

// SurveySession is the unit of aggregation persisted under surveyProgress.
// Received only grows until the session is replaced or reset.
type SurveySession struct {
	SessionID SessionID `json:"sessionId"`
	Expected  int       `json:"expected"`
	Received  int       `json:"received"`
	// Completed records that the "all completed" announcement went out.
	Completed bool `json:"completed,omitempty"`
}

// EmptySession is the state after a round is closed or recovery fails.
func EmptySession() SurveySession {
	return SurveySession{SessionID: NoSession}
}

// Active reports whether a session is open for counting.
func (s SurveySession) Active() bool {
	return s.SessionID.Valid()
}

// Matches reports whether an event for id counts toward this session.
// An inactive session matches nothing, including events with no id.
func (s SurveySession) Matches(id SessionID) bool {
	return s.Active() && s.SessionID == id
}

// ThresholdReached uses >= because duplicate or late deliveries may
// push Received past Expected.
func (s SurveySession) ThresholdReached() bool {
	return s.Received >= s.Expected
}

// SurveyResult is one accepted completion event in the results log.
// ReceivedAt is assigned by the relay, never by the sender.
type SurveyResult struct {
	ID            string          `json:"id"`
	OwnerID       string          `json:"ownerId"`
	SessionID     SessionID       `json:"sessionId"`
	CharacterID   string          `json:"characterId,omitempty"`
	CharacterName string          `json:"characterName,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	ReceivedAt    time.Time       `json:"receivedAt"`
	// Rejected carries the validation failure for malformed events.
	Rejected string `json:"rejected,omitempty"`
}

// CompletionEvent is the typed form of an inbound client-survey-completed
// payload. Payload keeps the original fields verbatim.
type CompletionEvent struct {
	OwnerID       string
	SessionID     SessionID
	CharacterID   string
	CharacterName string
	Payload       json.RawMessage
}

// ConnectionState is owned by the connection manager and driven only by
// transport callbacks.
type ConnectionState int

const (
	StateDisconnected ConnectionState = iota
	StateConnecting
	StateConnected
	StateErrored
)

func (s ConnectionState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// MarshalJSON renders the state by name for the operator API.
func (s ConnectionState) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// UnmarshalJSON accepts the names written by MarshalJSON.
func (s *ConnectionState) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err != nil {
		return err
	}
	for _, state := range []ConnectionState{StateDisconnected, StateConnecting, StateConnected, StateErrored} {
		if state.String() == name {
			*s = state
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", name)
}

// AnnouncementKind classifies operator notices.
type AnnouncementKind string

const (
	KindConnection   AnnouncementKind = "connection"
	KindSubscription AnnouncementKind = "subscription"
	KindProgress     AnnouncementKind = "progress"
	KindCompleted    AnnouncementKind = "completed"
	KindMismatch     AnnouncementKind = "mismatch"
	KindError        AnnouncementKind = "error"
)

// Level is the severity of an announcement.
type Level string

const (
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Announcement is a plain-text notice for operators.
type Announcement struct {
	ID        string           `json:"id"`
	Kind      AnnouncementKind `json:"kind"`
	Level     Level            `json:"level"`
	Message   string           `json:"message"`
	SessionID SessionID        `json:"sessionId,omitempty"`
	Received  int              `json:"received,omitempty"`
	Expected  int              `json:"expected,omitempty"`
	Time      time.Time        `json:"time"`
}
