package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	oreoredis "github.com/iron-fish/oreowallet-mono/pkg/redis"
)

type fakePublisher struct {
	channels []string
	streams  []map[string]interface{}
}

func (f *fakePublisher) Publish(_ context.Context, channel string, _ interface{}) {
	f.channels = append(f.channels, channel)
}

func (f *fakePublisher) XAdd(_ context.Context, _ string, values map[string]interface{}) string {
	f.streams = append(f.streams, values)
	return "1-0"
}

func TestRedisNotifierPublishesAndStreams(t *testing.T) {
	pub := &fakePublisher{}
	n := NewRedisNotifier(pub, zaptest.NewLogger(t))

	n.Publish(context.Background(), Event{Type: HeadAdvanced, Address: "a", Head: 11, Hash: "h11"})

	assert.Equal(t, []string{"oreo:events:head.advanced"}, pub.channels)
	require.Len(t, pub.streams, 1)
	assert.Equal(t, "a", pub.streams[0]["address"])

	var ev Event
	require.NoError(t, json.Unmarshal([]byte(pub.streams[0]["data"].(string)), &ev))
	assert.Equal(t, int64(11), ev.Head)
	assert.False(t, ev.Time.IsZero())
}

func TestMultiAndRecorder(t *testing.T) {
	a, b := &Recorder{}, &Recorder{}
	Multi{a, b, Nop{}}.Publish(context.Background(), Event{Type: ReorgDetected})
	assert.Equal(t, []Type{ReorgDetected}, a.Types())
	assert.Equal(t, []Type{ReorgDetected}, b.Types())
}

type sliceSink struct{ got []Event }

func (s *sliceSink) InsertEvents(_ context.Context, evs []Event) error {
	s.got = append(s.got, evs...)
	return nil
}

func TestAuditorSkipsMalformedEntries(t *testing.T) {
	good, err := json.Marshal(Event{Type: Promoted, Address: "a", Head: 5})
	require.NoError(t, err)

	sink := &sliceSink{}
	a := &Auditor{sink: sink, logger: zaptest.NewLogger(t)}
	err = a.handle(context.Background(), []oreoredis.Message{
		{ID: "1-0", Values: map[string]interface{}{"data": string(good)}},
		{ID: "2-0", Values: map[string]interface{}{"data": "{not json"}},
	})
	require.NoError(t, err)
	require.Len(t, sink.got, 1)
	assert.Equal(t, Promoted, sink.got[0].Type)
}

func TestTypeFromChannel(t *testing.T) {
	assert.Equal(t, AccountImported, TypeFromChannel("oreo:events:account.imported"))
	assert.Equal(t, Type(""), TypeFromChannel("canopy:1:block.indexed"))
}

func TestDecodeMessageFallsBackToChannel(t *testing.T) {
	ev, err := decodeMessage(&redis.Message{Channel: ChannelPrefix + string(AccountRescanQueued), Payload: `{"address":"a"}`})
	require.NoError(t, err)
	assert.Equal(t, AccountRescanQueued, ev.Type)
	assert.Equal(t, "a", ev.Address)

	_, err = decodeMessage(&redis.Message{Payload: "{"})
	assert.Error(t, err)
}

func TestNextBackoff(t *testing.T) {
	tests := []struct {
		name                 string
		current, max         time.Duration
		jitter               float64
		expectMin, expectMax time.Duration
	}{
		{"doubles", time.Second, 30 * time.Second, 0.1, 1800 * time.Millisecond, 2200 * time.Millisecond},
		{"capped", 20 * time.Second, 30 * time.Second, 0.1, 27 * time.Second, 30 * time.Second},
		{"exact without jitter", 5 * time.Second, 30 * time.Second, 0, 10 * time.Second, 10 * time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 10; i++ {
				got := NextBackoff(tt.current, tt.max, 2.0, tt.jitter)
				assert.GreaterOrEqual(t, got, tt.expectMin)
				assert.LessOrEqual(t, got, tt.expectMax)
			}
		})
	}
}
