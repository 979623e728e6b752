package supervisor

import (
	"bytes"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/sua-org/nvr-supervisor/internal/backoff"
	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/protocol"
)

// lockedBuffer guarda os comandos escritos pelo supervisor. Com gate != nil
// a escrita bloqueia até o gate fechar.
type lockedBuffer struct {
	mu   sync.Mutex
	buf  bytes.Buffer
	gate chan struct{}
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	if b.gate != nil {
		<-b.gate
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) commands() []protocol.CommandMessage {
	b.mu.Lock()
	raw := append([]byte(nil), b.buf.Bytes()...)
	b.mu.Unlock()

	ch := protocol.NewChannel(bytes.NewReader(raw), nil)
	var out []protocol.CommandMessage
	for {
		msg, err := ch.Receive()
		if err != nil {
			return out
		}
		if msg.Command != nil {
			out = append(out, *msg.Command)
		}
	}
}

type fakeProc struct {
	pid     int
	session string
	ch      *protocol.Channel
	worker  *protocol.Channel // lado do worker, para mandar mensagens pelo pipe
	pw      *io.PipeWriter
	cmds    *lockedBuffer

	mu     sync.Mutex
	exited bool
	code   int
	kills  int
}

func (p *fakeProc) PID() int                   { return p.pid }
func (p *fakeProc) Channel() *protocol.Channel { return p.ch }

func (p *fakeProc) Exited() (int, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.code, p.exited
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.kills++
	p.mu.Unlock()
	p.exit(-1)
	return nil
}

func (p *fakeProc) exit(code int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.exited {
		return
	}
	p.exited = true
	p.code = code
	p.pw.Close()
}

func (p *fakeProc) killCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.kills
}

type fakeLauncher struct {
	mu       sync.Mutex
	procs    map[string][]*fakeProc
	launches int
	fail     bool
	gate     chan struct{}
}

func newFakeLauncher() *fakeLauncher {
	return &fakeLauncher{procs: make(map[string][]*fakeProc)}
}

func (l *fakeLauncher) Launch(spec core.CameraSpec, session string) (Process, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.fail {
		return nil, errors.New("fork/exec camera-worker: no such file or directory")
	}
	l.launches++
	pr, pw := io.Pipe()
	cmds := &lockedBuffer{gate: l.gate}
	p := &fakeProc{
		pid:     1000 + l.launches,
		session: session,
		ch:      protocol.NewChannel(pr, cmds),
		worker:  protocol.NewChannel(nil, pw),
		pw:      pw,
		cmds:    cmds,
	}
	l.procs[spec.ID] = append(l.procs[spec.ID], p)
	return p, nil
}

func (l *fakeLauncher) current(id string) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	ps := l.procs[id]
	if len(ps) == 0 {
		return nil
	}
	return ps[len(ps)-1]
}

func (l *fakeLauncher) count() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.launches
}

func (l *fakeLauncher) setFail(v bool) {
	l.mu.Lock()
	l.fail = v
	l.mu.Unlock()
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock() *clock {
	return &clock{now: time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
	return c.now
}

// countingPolicy conta quantas vezes a política foi consultada.
type countingPolicy struct {
	backoff.Policy
	mu      sync.Mutex
	decides int
	settles int
}

func (p *countingPolicy) Decide(r *backoff.RestartRecord, now time.Time) backoff.Decision {
	p.mu.Lock()
	p.decides++
	p.mu.Unlock()
	return p.Policy.Decide(r, now)
}

func (p *countingPolicy) Settle(r *backoff.RestartRecord, since, now time.Time) bool {
	p.mu.Lock()
	p.settles++
	p.mu.Unlock()
	return p.Policy.Settle(r, since, now)
}

func (p *countingPolicy) calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.decides + p.settles
}

func (p *countingPolicy) reset() {
	p.mu.Lock()
	p.decides, p.settles = 0, 0
	p.mu.Unlock()
}

type transition struct {
	from, to core.State
}

type recordingObserver struct {
	mu          sync.Mutex
	transitions map[string][]transition
	restarts    map[string]int
	dropped     int
	events      []core.Event
}

func newRecordingObserver() *recordingObserver {
	return &recordingObserver{transitions: make(map[string][]transition), restarts: make(map[string]int)}
}

func (o *recordingObserver) Transition(id string, from, to core.State) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.transitions[id] = append(o.transitions[id], transition{from, to})
}

func (o *recordingObserver) Restarted(id string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.restarts[id]++
}

func (o *recordingObserver) ProtocolDropped(string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.dropped++
}

func (o *recordingObserver) Event(ev core.Event) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.events = append(o.events, ev)
}

func (o *recordingObserver) states(id string) []core.State {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []core.State
	for _, t := range o.transitions[id] {
		out = append(out, t.to)
	}
	return out
}

func (o *recordingObserver) droppedCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped
}
