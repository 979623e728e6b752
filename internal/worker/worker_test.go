package worker

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sua-org/nvr-supervisor/internal/backoff"
	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/protocol"
	"github.com/sua-org/nvr-supervisor/internal/recorder"
	"github.com/sua-org/nvr-supervisor/internal/stream"
)

// --- fakes -----------------------------------------------------------------

type fakeProc struct {
	pid         int
	done        chan error
	once        sync.Once
	mu          sync.Mutex
	interrupted bool
	killed      bool
}

func (p *fakeProc) PID() int    { return p.pid }
func (p *fakeProc) Wait() error { return <-p.done }
func (p *fakeProc) exit(err error) {
	p.once.Do(func() { p.done <- err })
}
func (p *fakeProc) Interrupt() error {
	p.mu.Lock()
	p.interrupted = true
	p.mu.Unlock()
	p.exit(nil)
	return nil
}
func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	p.exit(errors.New("killed"))
	return nil
}
func (p *fakeProc) wasInterrupted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.interrupted
}
func (p *fakeProc) wasKilled() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.killed
}

type fakeRunner struct {
	mu    sync.Mutex
	procs []*fakeProc
}

func (r *fakeRunner) Run(string, []string) (recorder.Process, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := &fakeProc{pid: 500 + len(r.procs), done: make(chan error, 1)}
	r.procs = append(r.procs, p)
	return p, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}

func (r *fakeRunner) get(i int) *fakeProc {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.procs[i]
}

type fakeSource struct {
	frames chan stream.Frame
	fail   chan error
}

func newFakeSource() *fakeSource {
	return &fakeSource{frames: make(chan stream.Frame, 16), fail: make(chan error, 1)}
}

func (s *fakeSource) Next(ctx context.Context) (stream.Frame, error) {
	select {
	case f := <-s.frames:
		return f, nil
	case err := <-s.fail:
		return stream.Frame{}, err
	case <-ctx.Done():
		return stream.Frame{}, ctx.Err()
	}
}

func (s *fakeSource) Close() error { return nil }

func (s *fakeSource) push(v byte, at time.Time) {
	pix := make([]byte, 64)
	for i := range pix {
		pix[i] = v
	}
	s.frames <- stream.Frame{Width: 8, Height: 8, Pix: pix, At: at}
}

// subOpener entrega as fontes em ordem; acabou a fila, falha.
type subOpener struct {
	mu      sync.Mutex
	sources []*fakeSource
	opens   int
}

func (o *subOpener) open(ctx context.Context, url string) (stream.Source, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.opens++
	if len(o.sources) == 0 {
		return nil, errors.New("connection refused")
	}
	s := o.sources[0]
	o.sources = o.sources[1:]
	return s, nil
}

// --- harness ---------------------------------------------------------------

type harness struct {
	t      *testing.T
	sup    *protocol.Channel
	w      *Worker
	runner *fakeRunner
	msgs   chan protocol.Message
	code   chan int
	cancel context.CancelFunc
}

func testSpec() core.CameraSpec {
	return core.CameraSpec{
		ID:      "cam-01",
		URL:     "rtsp://10.0.0.1/main",
		SubURL:  "rtsp://10.0.0.1/sub",
		Enabled: true,
		Motion:  core.MotionSpec{Threshold: 25, Area: 10, Timeout: 0},
		Recording: core.RecordingSpec{
			PreRoll:  time.Second,
			PostRoll: time.Second,
		},
	}
}

func startHarness(t *testing.T, opener stream.Opener) *harness {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	msgR, msgW := io.Pipe()

	h := &harness{
		t:      t,
		sup:    protocol.NewChannel(msgR, cmdW),
		runner: &fakeRunner{},
		msgs:   make(chan protocol.Message, 1024),
		code:   make(chan int, 1),
	}
	h.w = New(testSpec(), "sess-1", protocol.NewChannel(cmdR, msgW), Options{
		HeartbeatInterval:   20 * time.Millisecond,
		StreamRetryInterval: 20 * time.Millisecond,
		OpenTimeout:         50 * time.Millisecond,
		FrameTimeout:        time.Second,
		StopTimeout:         200 * time.Millisecond,
		RecorderPolicy:      backoff.Policy{Base: 10 * time.Millisecond, Ceiling: 20 * time.Millisecond},
	}, Deps{
		Runner:    h.runner,
		OpenSub:   opener,
		ProbeMain: func(context.Context, string, time.Duration) error { return nil },
	})

	go func() {
		for {
			msg, err := h.sup.Receive()
			if err != nil {
				close(h.msgs)
				return
			}
			h.msgs <- msg
		}
	}()
	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	go func() { h.code <- h.w.Run(ctx) }()

	t.Cleanup(func() {
		cancel()
		cmdW.Close()
		msgR.Close()
	})
	return h
}

func (h *harness) send(cmd protocol.Command) {
	require.NoError(h.t, h.sup.SendCommand(protocol.EncodeCommand("cam-01", "sess-1", cmd)))
}

// waitEvent consome mensagens até achar o evento pedido.
func (h *harness) waitEvent(kind core.EventKind, match func(protocol.Event) bool) protocol.Event {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-h.msgs:
			require.True(h.t, ok, "canal fechou esperando %s", kind)
			if msg.Kind == protocol.KindEvent && msg.Event.Kind == kind && (match == nil || match(*msg.Event)) {
				return *msg.Event
			}
		case <-deadline:
			h.t.Fatalf("evento %s não chegou", kind)
		}
	}
}

func (h *harness) waitHeartbeat(match func(protocol.Heartbeat) bool) protocol.Heartbeat {
	h.t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case msg, ok := <-h.msgs:
			require.True(h.t, ok)
			if msg.Kind == protocol.KindHeartbeat && match(*msg.Heartbeat) {
				return *msg.Heartbeat
			}
		case <-deadline:
			h.t.Fatal("heartbeat esperado não chegou")
		}
	}
}

func (h *harness) waitExit() int {
	h.t.Helper()
	select {
	case c := <-h.code:
		return c
	case <-time.After(2 * time.Second):
		h.t.Fatal("worker não saiu")
	}
	return -1
}

// --- tests -----------------------------------------------------------------

func TestWorker_HeartbeatsAreMonotonicAndReportRecorder(t *testing.T) {
	src := newFakeSource()
	op := &subOpener{sources: []*fakeSource{src}}
	h := startHarness(t, op.open)

	hb := h.waitHeartbeat(func(hb protocol.Heartbeat) bool { return hb.Recorder && hb.SubStream && hb.Motion })
	assert.Equal(t, "cam-01", hb.Camera)
	assert.Equal(t, "sess-1", hb.Session)
	assert.True(t, hb.Alive)
	assert.True(t, hb.MainStream)

	next := h.waitHeartbeat(func(protocol.Heartbeat) bool { return true })
	assert.Greater(t, next.Seq, hb.Seq)

	h.send(protocol.Shutdown{})
	assert.Equal(t, ExitClean, h.waitExit())
}

func TestWorker_SubLossDoesNotStopRecording(t *testing.T) {
	src := newFakeSource()
	op := &subOpener{sources: []*fakeSource{src}}
	h := startHarness(t, op.open)

	h.waitHeartbeat(func(hb protocol.Heartbeat) bool { return hb.Recorder && hb.SubStream })
	require.Equal(t, 1, h.runner.count())

	src.fail <- errors.New("read: connection reset")

	ev := h.waitEvent(core.EventStreamLost, nil)
	assert.Equal(t, "sub", ev.Payload["stream"])

	hb := h.waitHeartbeat(func(hb protocol.Heartbeat) bool { return !hb.SubStream })
	assert.True(t, hb.Recorder)
	assert.True(t, hb.MainStream)
	assert.False(t, hb.Motion)

	// reaberturas que falham não repetem o evento e não mexem no recorder
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, h.runner.count())
	assert.False(t, h.runner.get(0).wasInterrupted())
	assert.False(t, h.runner.get(0).wasKilled())

	h.send(protocol.Shutdown{})
	assert.Equal(t, ExitClean, h.waitExit())
}

func TestWorker_SubRestoredAfterLoss(t *testing.T) {
	first, second := newFakeSource(), newFakeSource()
	op := &subOpener{sources: []*fakeSource{first, second}}
	h := startHarness(t, op.open)

	h.waitHeartbeat(func(hb protocol.Heartbeat) bool { return hb.SubStream })
	first.fail <- errors.New("eof")

	h.waitEvent(core.EventStreamLost, nil)
	ev := h.waitEvent(core.EventStreamRestored, nil)
	assert.Equal(t, "sub", ev.Payload["stream"])

	h.send(protocol.Shutdown{})
	h.waitExit()
}

func TestWorker_ShutdownStopsRecorderCleanly(t *testing.T) {
	op := &subOpener{sources: []*fakeSource{newFakeSource()}}
	h := startHarness(t, op.open)

	h.waitHeartbeat(func(hb protocol.Heartbeat) bool { return hb.Recorder })
	h.send(protocol.Shutdown{Reason: "operator"})

	assert.Equal(t, ExitClean, h.waitExit())
	p := h.runner.get(0)
	assert.True(t, p.wasInterrupted())
	assert.False(t, p.wasKilled())
	assert.Equal(t, 1, h.runner.count())
}

func TestWorker_RestartExitsWithRestartCode(t *testing.T) {
	op := &subOpener{sources: []*fakeSource{newFakeSource()}}
	h := startHarness(t, op.open)

	h.waitHeartbeat(func(hb protocol.Heartbeat) bool { return hb.Recorder })
	h.send(protocol.Restart{Reason: "config"})
	assert.Equal(t, ExitRestart, h.waitExit())
	assert.True(t, h.runner.get(0).wasInterrupted())
}

func TestWorker_CanceledContextIsNotCleanExit(t *testing.T) {
	op := &subOpener{sources: []*fakeSource{newFakeSource()}}
	h := startHarness(t, op.open)

	h.waitHeartbeat(func(hb protocol.Heartbeat) bool { return hb.Recorder })
	h.cancel()

	code := h.waitExit()
	assert.NotEqual(t, ExitClean, code, "saída por sinal não pode parecer shutdown")
	assert.Equal(t, ExitInterrupted, code)
	assert.True(t, h.runner.get(0).wasInterrupted(), "gravação fecha o segmento mesmo assim")
}

func TestSignalExitCode(t *testing.T) {
	assert.Equal(t, 143, SignalExitCode(syscall.SIGTERM))
	assert.Equal(t, 130, SignalExitCode(os.Interrupt))
	assert.NotEqual(t, ExitClean, SignalExitCode(syscall.SIGHUP))
}

func TestWorker_RecorderCrashKeepsMotionFlowing(t *testing.T) {
	src := newFakeSource()
	op := &subOpener{sources: []*fakeSource{src}}
	h := startHarness(t, op.open)

	h.waitHeartbeat(func(hb protocol.Heartbeat) bool { return hb.Recorder && hb.Motion })
	h.runner.get(0).exit(errors.New("exit status 1"))

	crash := h.waitEvent(core.EventRecorderCrashed, nil)
	assert.Equal(t, "1", crash.Payload["restarts"])
	assert.Equal(t, "500", crash.Payload["pid"])

	// movimento segue durante a janela de restart do recorder
	now := time.Now()
	src.push(0, now)
	src.push(200, now.Add(100*time.Millisecond))
	h.waitEvent(core.EventMotionDetected, nil)

	hb := h.waitHeartbeat(func(hb protocol.Heartbeat) bool { return hb.Recorder && hb.RecorderRestarts == 1 })
	assert.True(t, hb.Motion)
	assert.Equal(t, 2, h.runner.count())
	assert.NotEmpty(t, h.w.Recorder().Annotations(now.Add(-time.Minute), now.Add(time.Minute)))

	h.send(protocol.Shutdown{})
	h.waitExit()
}

func TestWorker_StopAndStartRecording(t *testing.T) {
	op := &subOpener{sources: []*fakeSource{newFakeSource()}}
	h := startHarness(t, op.open)

	h.waitHeartbeat(func(hb protocol.Heartbeat) bool { return hb.Recording })
	h.send(protocol.StopRecording{})
	h.waitHeartbeat(func(hb protocol.Heartbeat) bool { return !hb.Recording && !hb.Recorder })
	assert.True(t, h.runner.get(0).wasInterrupted())

	h.send(protocol.StartRecording{})
	h.waitHeartbeat(func(hb protocol.Heartbeat) bool { return hb.Recording && hb.Recorder })
	assert.Equal(t, 2, h.runner.count())
	assert.Zero(t, h.w.Recorder().State().Restarts)

	h.send(protocol.Shutdown{})
	h.waitExit()
}

func TestWorker_CommandFromOtherSessionIgnored(t *testing.T) {
	op := &subOpener{sources: []*fakeSource{newFakeSource()}}
	h := startHarness(t, op.open)

	h.waitHeartbeat(func(hb protocol.Heartbeat) bool { return hb.Recorder })
	require.NoError(t, h.sup.SendCommand(protocol.EncodeCommand("cam-01", "sess-0", protocol.Shutdown{})))

	select {
	case <-h.code:
		t.Fatal("worker obedeceu comando de sessão antiga")
	case <-time.After(100 * time.Millisecond):
	}

	h.send(protocol.Shutdown{})
	h.waitExit()
}
