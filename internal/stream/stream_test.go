package stream

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddress(t *testing.T) {
	tests := []struct {
		url  string
		want string
		err  bool
	}{
		{"rtsp://admin:x@10.0.0.5/Streaming/Channels/101", "10.0.0.5:554", false},
		{"rtsp://10.0.0.5:8554/live", "10.0.0.5:8554", false},
		{"http://cam.local/mjpeg", "cam.local:80", false},
		{"https://cam.local/hls", "cam.local:443", false},
		{"udp://10.0.0.5", "", true},
		{"rtsp:///nohost", "", true},
	}
	for _, tt := range tests {
		got, err := Address(tt.url)
		if tt.err {
			assert.Error(t, err, tt.url)
			continue
		}
		require.NoError(t, err, tt.url)
		assert.Equal(t, tt.want, got)
	}
}

func TestProbe(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()

	require.NoError(t, Probe(context.Background(), "rtsp://"+addr+"/live", time.Second))

	ln.Close()
	assert.Error(t, Probe(context.Background(), "rtsp://"+addr+"/live", 200*time.Millisecond))
}

func frame(v byte, n int, at time.Time) Frame {
	pix := make([]byte, n)
	for i := range pix {
		pix[i] = v
	}
	return Frame{Width: n, Height: 1, Pix: pix, At: at}
}

func TestDetector_ConfirmsAfterTimeout(t *testing.T) {
	d := &Detector{Threshold: 25, Area: 10, Timeout: time.Second}
	t0 := time.Now()

	assert.False(t, d.Feed(frame(0, 100, t0)).Motion)

	r := d.Feed(frame(100, 100, t0.Add(200*time.Millisecond)))
	assert.True(t, r.Motion)
	assert.False(t, r.Confirmed)
	assert.Equal(t, 100, r.Changed)

	r = d.Feed(frame(0, 100, t0.Add(700*time.Millisecond)))
	assert.False(t, r.Confirmed)

	r = d.Feed(frame(100, 100, t0.Add(1300*time.Millisecond)))
	assert.True(t, r.Confirmed)

	// mesmo episódio: não confirma de novo
	r = d.Feed(frame(0, 100, t0.Add(1500*time.Millisecond)))
	assert.True(t, r.Motion)
	assert.False(t, r.Confirmed)
}

func TestDetector_InterruptedMotionNotConfirmed(t *testing.T) {
	d := &Detector{Threshold: 25, Area: 10, Timeout: time.Second}
	t0 := time.Now()

	d.Feed(frame(0, 100, t0))
	d.Feed(frame(100, 100, t0.Add(100*time.Millisecond)))
	d.Feed(frame(100, 100, t0.Add(600*time.Millisecond)))
	r := d.Feed(frame(0, 100, t0.Add(1200*time.Millisecond)))
	assert.False(t, r.Confirmed)
}

func TestDetector_SmallChangeIgnored(t *testing.T) {
	d := &Detector{Threshold: 25, Area: 10, Timeout: 0}
	t0 := time.Now()
	d.Feed(frame(100, 100, t0))
	assert.False(t, d.Feed(frame(110, 100, t0.Add(time.Second))).Motion)
}
