package bridge

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/health"
	"github.com/sua-org/nvr-supervisor/internal/mqttclient"
	"github.com/sua-org/nvr-supervisor/internal/protocol"
	"github.com/sua-org/nvr-supervisor/internal/supervisor"
)

type published struct {
	topic    string
	retained bool
	payload  []byte
}

type fakePublisher struct {
	mu       sync.Mutex
	msgs     []published
	handlers map[string]mqttclient.Handler
}

func (p *fakePublisher) Publish(topic string, _ byte, retained bool, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, published{topic, retained, payload})
	return nil
}

func (p *fakePublisher) Subscribe(topic string, _ byte, h mqttclient.Handler) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.handlers == nil {
		p.handlers = make(map[string]mqttclient.Handler)
	}
	p.handlers[topic] = h
	return nil
}

func (p *fakePublisher) last(topic string) (published, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.msgs) - 1; i >= 0; i-- {
		if p.msgs[i].topic == topic {
			return p.msgs[i], true
		}
	}
	return published{}, false
}

type fakeDispatcher struct {
	calls []protocol.Command
	err   error
}

func (d *fakeDispatcher) Dispatch(_ string, cmd protocol.Command) error {
	d.calls = append(d.calls, cmd)
	return d.err
}

var now = time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)

func TestMQTTBridge_PublishStatus(t *testing.T) {
	pub := &fakePublisher{}
	b := NewMQTTBridge(pub, "nvr/cameras/", nil)

	host := supervisor.HostStatus{Hostname: "nvr-01", Workers: 2, Running: 1, Timestamp: now}
	workers := []health.Status{
		{CameraID: "cam-01", State: core.StateRunning, PID: 4242, LastHeartbeat: now.Add(-2 * time.Second), RecorderUp: true},
		{CameraID: "cam-02", State: core.StateBackoff, NextRestart: now.Add(4 * time.Second), LastError: "exit code 1"},
	}
	require.NoError(t, b.PublishStatus(host, workers))

	msg, ok := pub.last("nvr/cameras/cam-01/status")
	require.True(t, ok)
	assert.True(t, msg.retained)
	var st map[string]any
	require.NoError(t, json.Unmarshal(msg.payload, &st))
	assert.Equal(t, "running", st["status"])
	assert.Equal(t, 2.0, st["heartbeat_age_seconds"])
	assert.Equal(t, true, st["recorder_up"])

	msg, ok = pub.last("nvr/cameras/cam-02/status")
	require.True(t, ok)
	require.NoError(t, json.Unmarshal(msg.payload, &st))
	assert.Equal(t, "backoff", st["status"])
	assert.Equal(t, "exit code 1", st["status_reason"])
	assert.Contains(t, st, "next_restart")

	msg, ok = pub.last("nvr/cameras/_collector/status")
	require.True(t, ok)
	assert.True(t, msg.retained)

	// cam-02 saiu do registro: status terminal retido
	require.NoError(t, b.PublishStatus(host, workers[:1]))
	msg, _ = pub.last("nvr/cameras/cam-02/status")
	require.NoError(t, json.Unmarshal(msg.payload, &st))
	assert.Equal(t, "terminated", st["status"])
}

func TestMQTTBridge_PublishEvent(t *testing.T) {
	pub := &fakePublisher{}
	b := NewMQTTBridge(pub, "nvr/cameras", nil)

	require.NoError(t, b.Publish(core.Event{CameraID: "cam-01", Kind: core.EventStreamLost, Seq: 3}))
	msg, ok := pub.last("nvr/cameras/cam-01/events/stream-lost")
	require.True(t, ok)
	assert.False(t, msg.retained)
}

func TestMQTTBridge_Commands(t *testing.T) {
	pub := &fakePublisher{}
	disp := &fakeDispatcher{}
	b := NewMQTTBridge(pub, "nvr/cameras", disp)
	require.NoError(t, b.SubscribeCommands())

	h := pub.handlers["nvr/cameras/+/command"]
	require.NotNil(t, h)

	h("nvr/cameras/cam-01/command", []byte(`{"command":"start-recording","params":{"segment_seconds":"60"}}`))
	require.Len(t, disp.calls, 1)
	assert.Equal(t, protocol.StartRecording{Params: map[string]string{"segment_seconds": "60"}}, disp.calls[0])

	msg, ok := pub.last("nvr/cameras/cam-01/command/result")
	require.True(t, ok)
	assert.JSONEq(t, `{"command":"start-recording","status":"queued"}`, string(msg.payload))

	h("nvr/cameras/cam-01/command", []byte(`{"command":"reboot"}`))
	assert.Len(t, disp.calls, 1)
	msg, _ = pub.last("nvr/cameras/cam-01/command/result")
	assert.Contains(t, string(msg.payload), `"rejected"`)

	disp.err = supervisor.ErrUnknownWorker
	h("nvr/cameras/cam-09/command", []byte(`{"command":"shutdown"}`))
	msg, _ = pub.last("nvr/cameras/cam-09/command/result")
	assert.Contains(t, string(msg.payload), "unknown worker")

	h("nvr/cameras/cam-01/command", []byte(`not json`))
	assert.Len(t, disp.calls, 2)
}

func TestCollectorWill(t *testing.T) {
	topic, payload := CollectorWill("nvr/cameras/", "nvr-01")
	assert.Equal(t, "nvr/cameras/_collector/status", topic)
	assert.Contains(t, string(payload), `"offline"`)
}

func TestRedisMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	client := NewRedisClient(mr.Addr(), "")
	defer client.Close()

	m := NewRedisMirror(client, time.Minute)
	host := supervisor.HostStatus{Hostname: "nvr-01", Workers: 1, Running: 1, Timestamp: now}
	workers := []health.Status{{CameraID: "cam-01", State: core.StateRunning, PID: 77, LastSeq: 12, RestartCount: 2, RecorderUp: true}}
	require.NoError(t, m.PublishStatus(host, workers))

	st, err := m.Status(context.Background(), "cam-01")
	require.NoError(t, err)
	assert.Equal(t, "running", st["state"])
	assert.Equal(t, "12", st["last_seq"])
	assert.Equal(t, "2", st["restart_count"])
	assert.Equal(t, "1", st["recorder_up"])
	assert.Equal(t, time.Minute, mr.TTL(StatusKey("cam-01")))

	mr.FastForward(2 * time.Minute)
	assert.False(t, mr.Exists(StatusKey("cam-01")), "status expira se o supervisor parar de publicar")

	for i := 0; i < recentEvents+5; i++ {
		require.NoError(t, m.Publish(core.Event{CameraID: "cam-01", Kind: core.EventMotionDetected, Seq: uint64(i)}))
	}
	n, err := client.LLen(context.Background(), EventsKey("cam-01")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(recentEvents), n)
}
