package session

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSession_StopAndDuration(t *testing.T) {
	start := time.UnixMilli(1700000000000)
	s := New("s-1", "ada", "write docs", start)

	_, ok := s.Duration()
	assert.False(t, ok)

	s.Stop("went well", start.Add(90*time.Second))
	assert.False(t, s.Active)
	assert.Equal(t, "went well", s.Reflection)

	d, ok := s.Duration()
	require.True(t, ok)
	assert.Equal(t, 90*time.Second, d)

	// A second stop is ignored.
	s.Stop("again", start.Add(time.Hour))
	assert.Equal(t, "went well", s.Reflection)
	d, _ = s.Duration()
	assert.Equal(t, 90*time.Second, d)
}

func TestSession_JSONActive(t *testing.T) {
	s := New("s-1", "ada", "write docs", time.UnixMilli(1700000000000))

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"sessionId": "s-1",
		"userName": "ada",
		"taskDescription": "write docs",
		"startTimestamp": 1700000000000,
		"endTimestamp": null,
		"reflection": null,
		"isActive": true
	}`, string(raw))
}

func TestSession_JSONStopped(t *testing.T) {
	s := New("s-1", "ada", "write docs", time.UnixMilli(1700000000000))
	s.Stop("", time.UnixMilli(1700000005000))

	raw, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"sessionId": "s-1",
		"userName": "ada",
		"taskDescription": "write docs",
		"startTimestamp": 1700000000000,
		"endTimestamp": 1700000005000,
		"reflection": "",
		"isActive": false
	}`, string(raw))

	var decoded Session
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "s-1", decoded.ID)
	assert.False(t, decoded.Active)
	d, ok := decoded.Duration()
	require.True(t, ok)
	assert.Equal(t, 5*time.Second, d)
}

func TestSession_UnmarshalMissingID(t *testing.T) {
	var s Session
	assert.Error(t, json.Unmarshal([]byte(`{"userName":"ada"}`), &s))
}
