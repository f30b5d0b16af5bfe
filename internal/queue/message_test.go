package queue

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecordSurvivesTheWire(t *testing.T) {
	t.Parallel()

	rec := acceptedRecord(t)
	msg, err := NewMessage("listings", rec, nil, time.Now())
	require.NoError(t, err)

	consumed := fromKafka(toKafka(msg))
	env, err := consumed.Envelope()
	require.NoError(t, err)
	require.Equal(t, rec.Envelope(), env)
	require.Equal(t, rec.ID(), consumed.Key)
	require.Equal(t, "grant", consumed.Headers[HeaderRecordKind])
}

func TestReroute(t *testing.T) {
	t.Parallel()

	msg := Message{
		Topic:   "listings",
		Key:     "k",
		Headers: map[string]string{HeaderAttempt: "0", "x-source": "s"},
		Payload: []byte("p"),
	}
	first := msg.Reroute("listings.dlq")
	require.Equal(t, 1, first.Attempt)
	require.Equal(t, "listings", first.Headers[HeaderOriginalTopic])
	require.Equal(t, "0", msg.Headers[HeaderAttempt], "original headers are untouched")

	second := first.Reroute("listings.dlq")
	require.Equal(t, 2, second.Attempt)
	require.Equal(t, "2", second.Headers[HeaderAttempt])
	require.Equal(t, "listings", second.OriginalTopic())
	require.Equal(t, "s", second.Headers["x-source"])
}

func TestAttemptOf(t *testing.T) {
	t.Parallel()

	require.Equal(t, 0, AttemptOf(nil))
	require.Equal(t, 0, AttemptOf(map[string]string{HeaderAttempt: "abc"}))
	require.Equal(t, 0, AttemptOf(map[string]string{HeaderAttempt: "-2"}))
	require.Equal(t, 4, AttemptOf(map[string]string{HeaderAttempt: "4"}))
}
