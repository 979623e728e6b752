package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/nvr-supervisor/internal/core"
)

func motion(seq uint64) core.Event {
	return core.Event{CameraID: "cam-01", Session: "s1", Seq: seq, Kind: core.EventMotionDetected, Timestamp: time.Now()}
}

func TestBus_FanOutAndDedup(t *testing.T) {
	bus := NewBus(NewDedup(16, 0))
	a, cancelA := bus.Subscribe(4)
	b, cancelB := bus.Subscribe(4)
	defer cancelA()
	defer cancelB()

	assert.True(t, bus.Publish(motion(1)))
	assert.False(t, bus.Publish(motion(1)))
	assert.True(t, bus.Publish(motion(2)))

	for _, ch := range []<-chan core.Event{a, b} {
		assert.Equal(t, uint64(1), (<-ch).Seq)
		assert.Equal(t, uint64(2), (<-ch).Seq)
	}
	assert.Equal(t, uint64(1), bus.Duplicates())
}

func TestBus_SlowSubscriberDrops(t *testing.T) {
	bus := NewBus(nil)
	_, cancel := bus.Subscribe(1)
	defer cancel()

	bus.Publish(motion(1))
	bus.Publish(motion(2))
	bus.Publish(motion(3))
	assert.Equal(t, uint64(2), bus.Dropped())
}

func TestBus_UnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(nil)
	ch, cancel := bus.Subscribe(1)
	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.True(t, bus.Publish(motion(1)))
}

func TestDedup_TTL(t *testing.T) {
	d := NewDedup(8, time.Minute)
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	d.now = func() time.Time { return now }

	assert.False(t, d.IsDuplicate("k"))
	assert.True(t, d.IsDuplicate("k"))
	now = now.Add(2 * time.Minute)
	assert.False(t, d.IsDuplicate("k"))
}

func TestDedup_SameSeqDifferentKindIsNotDuplicate(t *testing.T) {
	d := NewDedup(8, 0)
	a := motion(5)
	b := a
	b.Kind = core.EventRecorderCrashed
	assert.False(t, d.IsDuplicate(a.DedupKey()))
	assert.False(t, d.IsDuplicate(b.DedupKey()))
}

type fakeNATS struct {
	mu       sync.Mutex
	failures int
	subjects []string
	payloads [][]byte
}

func (f *fakeNATS) Publish(subject string, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures > 0 {
		f.failures--
		return errors.New("nats: connection closed")
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestNATSSink_RetriesThenPublishes(t *testing.T) {
	conn := &fakeNATS{failures: 2}
	sink := NewNATSSink(conn, "", 3)
	sink.retryWait = time.Millisecond

	ev := core.Event{CameraID: "lobby.cam", Session: "s", Seq: 9, Kind: core.EventStreamLost, Payload: map[string]string{"stream": "sub"}}
	require.NoError(t, sink.Publish(ev))

	require.Len(t, conn.subjects, 1)
	assert.Equal(t, "nvr.events.lobby_cam.stream-lost", conn.subjects[0])

	var got core.Event
	require.NoError(t, json.Unmarshal(conn.payloads[0], &got))
	assert.Equal(t, "sub", got.Payload["stream"])
}

func TestNATSSink_GivesUp(t *testing.T) {
	conn := &fakeNATS{failures: 10}
	sink := NewNATSSink(conn, "x", 1)
	sink.retryWait = time.Millisecond
	assert.Error(t, sink.Publish(motion(1)))
}

type recordingSink struct {
	mu  sync.Mutex
	got []core.Event
}

func (s *recordingSink) Publish(ev core.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.got = append(s.got, ev)
	return nil
}

func (s *recordingSink) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.got)
}

func TestBus_Attach(t *testing.T) {
	bus := NewBus(nil)
	sink := &recordingSink{}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bus.Attach(ctx, "test", sink, 8)
	bus.Publish(motion(1))
	bus.Publish(motion(2))

	require.Eventually(t, func() bool { return sink.len() == 2 }, time.Second, 5*time.Millisecond)
}
