package types

import (
	"encoding/json"
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSessionID(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    SessionID
		wantErr bool
	}{
		{name: "number", raw: `5`, want: 5},
		{name: "numeric string", raw: `"5"`, want: 5},
		{name: "padded string", raw: `" 42 "`, want: 42},
		{name: "integral float", raw: `7.0`, want: 7},
		{name: "null", raw: `null`, want: NoSession},
		{name: "empty", raw: ``, want: NoSession},
		{name: "zero", raw: `0`, wantErr: true},
		{name: "negative", raw: `-3`, wantErr: true},
		{name: "fraction", raw: `1.5`, wantErr: true},
		{name: "word", raw: `"not-a-number"`, wantErr: true},
		{name: "bool", raw: `true`, wantErr: true},
		{name: "max int64", raw: `9223372036854775807`, want: SessionID(math.MaxInt64)},
		{name: "past int64", raw: `9223372036854775808`, wantErr: true},
		{name: "past int64 float", raw: `"9223372036854775807.0"`, wantErr: true},
		{name: "past int64 exponent", raw: `9.223372036854775807e18`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseSessionID(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidSessionID)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSessionID_JSONRoundTrip(t *testing.T) {
	s := SurveySession{SessionID: 12, Expected: 3, Received: 1}
	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessionId":12,"expected":3,"received":1}`, string(data))

	empty, err := json.Marshal(EmptySession())
	require.NoError(t, err)
	assert.JSONEq(t, `{"sessionId":null,"expected":0,"received":0}`, string(empty))

	var decoded SurveySession
	require.NoError(t, json.Unmarshal([]byte(`{"sessionId":"12","expected":3,"received":1}`), &decoded))
	assert.Equal(t, s, decoded)

	err = json.Unmarshal([]byte(`{"sessionId":"not-a-number","expected":3,"received":1}`), &decoded)
	assert.ErrorIs(t, err, ErrInvalidSessionID)
}

func TestSurveySession_Matches(t *testing.T) {
	assert.True(t, SurveySession{SessionID: 5}.Matches(5))
	assert.False(t, SurveySession{SessionID: 5}.Matches(6))
	assert.False(t, EmptySession().Matches(NoSession), "an inactive session never matches")
}

func TestSurveySession_ThresholdReached(t *testing.T) {
	assert.False(t, SurveySession{Expected: 3, Received: 2}.ThresholdReached())
	assert.True(t, SurveySession{Expected: 3, Received: 3}.ThresholdReached())
	assert.True(t, SurveySession{Expected: 3, Received: 4}.ThresholdReached())
}

func TestSessionID_ChannelName(t *testing.T) {
	assert.Equal(t, "private-session-77", SessionID(77).ChannelName())
}

func TestParseCompletion(t *testing.T) {
	t.Run("camel case fields", func(t *testing.T) {
		ev, err := ParseCompletion([]byte(`{"ownerId":"u1","sessionId":5,"characterName":"Aria","score":9}`))
		require.NoError(t, err)
		assert.Equal(t, "u1", ev.OwnerID)
		assert.Equal(t, SessionID(5), ev.SessionID)
		assert.Equal(t, "Aria", ev.CharacterName)
		assert.JSONEq(t, `{"ownerId":"u1","sessionId":5,"characterName":"Aria","score":9}`, string(ev.Payload))
	})

	t.Run("snake case with string id", func(t *testing.T) {
		ev, err := ParseCompletion([]byte(`{"owner_id":"u2","session_id":"5","character_id":"c9"}`))
		require.NoError(t, err)
		assert.Equal(t, "u2", ev.OwnerID)
		assert.Equal(t, SessionID(5), ev.SessionID)
		assert.Equal(t, "c9", ev.CharacterID)
	})

	t.Run("string encoded object", func(t *testing.T) {
		ev, err := ParseCompletion([]byte(`"{\"ownerId\":\"u3\",\"sessionId\":8}"`))
		require.NoError(t, err)
		assert.Equal(t, SessionID(8), ev.SessionID)
	})

	t.Run("missing owner", func(t *testing.T) {
		ev, err := ParseCompletion([]byte(`{"sessionId":5}`))
		var verr *ValidationError
		require.True(t, errors.As(err, &verr))
		assert.Equal(t, "ownerId", verr.Field)
		assert.NotEmpty(t, ev.Payload)
	})

	t.Run("missing session", func(t *testing.T) {
		_, err := ParseCompletion([]byte(`{"ownerId":"u1"}`))
		assert.ErrorIs(t, err, ErrMissingSessionID)
	})

	t.Run("bad session", func(t *testing.T) {
		_, err := ParseCompletion([]byte(`{"ownerId":"u1","sessionId":"abc"}`))
		assert.ErrorIs(t, err, ErrInvalidSessionID)
	})

	t.Run("not an object", func(t *testing.T) {
		ev, err := ParseCompletion([]byte(`[1,2]`))
		assert.ErrorIs(t, err, ErrMalformedPayload)
		assert.True(t, json.Valid(ev.Payload))
	})
}

func TestAuthError_Message(t *testing.T) {
	err := &AuthError{Reason: AuthRejected, Status: 401, Detail: "bad key"}
	assert.Equal(t, "auth rejected (status 401): bad key", err.Error())
}

func TestConnectionState_String(t *testing.T) {
	assert.Equal(t, "disconnected", StateDisconnected.String())
	assert.Equal(t, "connecting", StateConnecting.String())
	assert.Equal(t, "connected", StateConnected.String())
	assert.Equal(t, "errored", StateErrored.String())
}

func TestConnectionState_JSON(t *testing.T) {
	data, err := json.Marshal(StateErrored)
	require.NoError(t, err)
	assert.Equal(t, `"errored"`, string(data))

	var s ConnectionState
	require.NoError(t, json.Unmarshal([]byte(`"connected"`), &s))
	assert.Equal(t, StateConnected, s)
	assert.Error(t, json.Unmarshal([]byte(`"sideways"`), &s))
}
