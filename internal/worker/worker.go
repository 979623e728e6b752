// Package worker roda o pipeline de uma câmera dentro do processo worker.
//
// SUB (movimento) e MAIN (gravação) rodam em goroutines independentes. Falha
// no SUB ou no detector nunca toca no recorder; gravação é a garantia
// principal e movimento é auxiliar. Falhas de stream são tratadas aqui com
// retry local e só viram evento; o supervisor só intervém se o processo
// morrer ou parar de mandar heartbeat.
package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/sua-org/nvr-supervisor/internal/backoff"
	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/protocol"
	"github.com/sua-org/nvr-supervisor/internal/recorder"
	"github.com/sua-org/nvr-supervisor/internal/stream"
)

// Códigos de saída do processo worker. Só o comando shutdown (ou EOF do
// canal) sai com 0; o supervisor trata 0 como fim definitivo.
const (
	ExitClean       = 0
	ExitFailure     = 1
	ExitRestart     = protocol.ExitCodeRestart
	ExitInterrupted = 128 + int(syscall.SIGINT)
)

// SignalExitCode segue a convenção do shell: 128 + número do sinal.
func SignalExitCode(sig os.Signal) int {
	if s, ok := sig.(syscall.Signal); ok {
		return 128 + int(s)
	}
	return ExitInterrupted
}

type Options struct {
	HeartbeatInterval   time.Duration
	StreamRetryInterval time.Duration
	OpenTimeout         time.Duration // abrir stream / primeiro quadro / probe
	FrameTimeout        time.Duration // quadro parado por mais que isso = stream perdido
	StopTimeout         time.Duration // parada limpa do recorder
	FFmpeg              string
	RecordingsDir       string
	RecorderPolicy      backoff.Policy
}

func (o Options) withDefaults() Options {
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = 5 * time.Second
	}
	if o.StreamRetryInterval <= 0 {
		o.StreamRetryInterval = 3 * time.Second
	}
	if o.OpenTimeout <= 0 {
		o.OpenTimeout = 5 * time.Second
	}
	if o.FrameTimeout <= 0 {
		o.FrameTimeout = 10 * time.Second
	}
	if o.StopTimeout <= 0 {
		o.StopTimeout = 5 * time.Second
	}
	if o.FFmpeg == "" {
		o.FFmpeg = "ffmpeg"
	}
	if o.RecordingsDir == "" {
		o.RecordingsDir = "recordings"
	}
	return o
}

// Deps são as bordas com o mundo externo; os testes trocam por fakes.
type Deps struct {
	Runner    recorder.Runner
	OpenSub   stream.Opener
	ProbeMain func(ctx context.Context, url string, timeout time.Duration) error
}

type streamState struct {
	up    bool
	known bool
}

type Worker struct {
	spec    core.CameraSpec
	session string
	opts    Options
	ch      *protocol.Channel
	rec     *recorder.Recorder

	openSub   stream.Opener
	probeMain func(ctx context.Context, url string, timeout time.Duration) error

	seq      atomic.Uint64
	pokeMain chan struct{}

	mu            sync.Mutex
	wantRecording bool
	recordParams  map[string]string
	sub           streamState
	main          streamState
	motionUp      bool
	fps           float64
	lastErr       string
}

func New(spec core.CameraSpec, session string, ch *protocol.Channel, opts Options, deps Deps) *Worker {
	opts = opts.withDefaults()
	if deps.OpenSub == nil {
		deps.OpenSub = stream.FFmpegOpener(stream.FFmpegOptions{Command: opts.FFmpeg})
	}
	if deps.ProbeMain == nil {
		deps.ProbeMain = stream.Probe
	}

	dir := spec.Recording.Dir
	if dir == "" {
		dir = opts.RecordingsDir
	}

	w := &Worker{
		spec:          spec,
		session:       session,
		opts:          opts,
		ch:            ch,
		openSub:       deps.OpenSub,
		probeMain:     deps.ProbeMain,
		pokeMain:      make(chan struct{}, 1),
		wantRecording: true,
	}
	w.rec = recorder.New(recorder.Config{
		CameraID:       spec.ID,
		URL:            spec.URL,
		Command:        opts.FFmpeg,
		Dir:            dir,
		SegmentSeconds: spec.Recording.SegmentSeconds,
		ExtraArgs:      spec.Recording.ExtraArgs,
		PreRoll:        spec.Recording.PreRoll,
		PostRoll:       spec.Recording.PostRoll,
		Policy:         opts.RecorderPolicy,
	}, deps.Runner, w.onRecorderCrash)
	return w
}

// Recorder expõe o recorder para quem precisa das anotações de movimento.
func (w *Worker) Recorder() *recorder.Recorder {
	return w.rec
}

// Run bloqueia até shutdown, restart, perda do canal ou ctx cancelado e
// devolve o código de saída do processo.
func (w *Worker) Run(ctx context.Context) int {
	log.Printf("[worker %s] iniciando sessão %s", w.spec.ID, w.session)

	loopCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); w.heartbeatLoop(loopCtx) }()
	go func() { defer wg.Done(); w.subLoop(loopCtx) }()
	go func() { defer wg.Done(); w.mainLoop(loopCtx) }()

	code := w.commandLoop(loopCtx)

	// ordem da parada: movimento primeiro, gravação fechando o segmento por último
	cancel()
	wg.Wait()

	stopCtx, stopCancel := context.WithTimeout(context.Background(), w.opts.StopTimeout)
	defer stopCancel()
	if err := w.rec.Stop(stopCtx); err != nil {
		log.Printf("[worker %s] parada do recorder: %v", w.spec.ID, err)
	}

	w.sendHeartbeat(false)
	log.Printf("[worker %s] saindo com código %d", w.spec.ID, code)
	return code
}

func (w *Worker) commandLoop(ctx context.Context) int {
	msgs := make(chan protocol.Message)
	readErr := make(chan error, 1)

	go func() {
		for {
			msg, err := w.ch.Receive()
			if err != nil {
				if protocol.IsProtocolError(err) {
					log.Printf("[worker %s] mensagem descartada: %v", w.spec.ID, err)
					continue
				}
				readErr <- err
				return
			}
			select {
			case msgs <- msg:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			// cancelamento externo (sinal), não é pedido do supervisor
			return ExitInterrupted
		case err := <-readErr:
			if errors.Is(err, io.EOF) {
				log.Printf("[worker %s] canal fechado pelo supervisor", w.spec.ID)
				return ExitClean
			}
			log.Printf("[worker %s] erro no canal: %v", w.spec.ID, err)
			return ExitFailure
		case msg := <-msgs:
			if msg.Kind != protocol.KindCommand {
				log.Printf("[worker %s] mensagem %s inesperada, ignorando", w.spec.ID, msg.Kind)
				continue
			}
			if msg.Command.Session != "" && msg.Command.Session != w.session {
				log.Printf("[worker %s] comando de outra sessão (%s), ignorando", w.spec.ID, msg.Command.Session)
				continue
			}
			cmd, err := msg.Command.Decode()
			if err != nil {
				log.Printf("[worker %s] %v", w.spec.ID, err)
				continue
			}
			if code, exit := w.handleCommand(cmd); exit {
				return code
			}
		}
	}
}

func (w *Worker) handleCommand(cmd protocol.Command) (int, bool) {
	log.Printf("[worker %s] comando %s", w.spec.ID, cmd.Verb())

	switch c := cmd.(type) {
	case protocol.StartRecording:
		w.mu.Lock()
		w.wantRecording = true
		w.recordParams = c.Params
		w.mu.Unlock()
		w.poke()
	case protocol.StopRecording:
		w.mu.Lock()
		w.wantRecording = false
		w.mu.Unlock()
		w.poke()
	case protocol.Restart:
		return ExitRestart, true
	case protocol.Shutdown:
		return ExitClean, true
	}
	return 0, false
}

func (w *Worker) poke() {
	select {
	case w.pokeMain <- struct{}{}:
	default:
	}
}

func (w *Worker) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.HeartbeatInterval)
	defer ticker.Stop()

	w.sendHeartbeat(true)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.sendHeartbeat(true)
		}
	}
}

func (w *Worker) sendHeartbeat(alive bool) {
	rs := w.rec.State()

	w.mu.Lock()
	hb := protocol.Heartbeat{
		Camera:           w.spec.ID,
		Session:          w.session,
		Seq:              w.seq.Add(1),
		Timestamp:        time.Now(),
		Alive:            alive,
		Motion:           w.motionUp,
		Recorder:         rs.Running,
		SubStream:        w.sub.up,
		MainStream:       w.main.up,
		Recording:        rs.Recording,
		RecorderRestarts: rs.Restarts,
		FPS:              w.fps,
		Error:            w.lastErr,
	}
	w.mu.Unlock()

	if err := w.ch.SendHeartbeat(hb); err != nil {
		log.Printf("[worker %s] heartbeat não enviado: %v", w.spec.ID, err)
	}
}

func (w *Worker) emit(kind core.EventKind, payload map[string]string) {
	ev := protocol.Event{
		Camera:    w.spec.ID,
		Session:   w.session,
		Seq:       w.seq.Add(1),
		Kind:      kind,
		Timestamp: time.Now(),
		Payload:   payload,
	}
	if err := w.ch.SendEvent(ev); err != nil {
		log.Printf("[worker %s] evento %s não enviado: %v", w.spec.ID, kind, err)
	}
}

// setStream atualiza o estado de um stream e emite stream-lost na primeira
// falha e stream-restored quando volta depois de perdido.
func (w *Worker) setStream(role core.StreamRole, up bool, cause error) {
	w.mu.Lock()
	st := &w.sub
	if role == core.StreamMain {
		st = &w.main
	}
	prev := *st
	st.up = up
	st.known = true
	if cause != nil {
		w.lastErr = fmt.Sprintf("%s: %v", role, cause)
	}
	w.mu.Unlock()

	switch {
	case !up && (prev.up || !prev.known):
		log.Printf("[worker %s] stream %s perdido: %v", w.spec.ID, role, cause)
		payload := map[string]string{"stream": string(role)}
		if cause != nil {
			payload["error"] = cause.Error()
		}
		w.emit(core.EventStreamLost, payload)
	case up && prev.known && !prev.up:
		log.Printf("[worker %s] stream %s restabelecido", w.spec.ID, role)
		w.emit(core.EventStreamRestored, map[string]string{"stream": string(role)})
	}
}

func (w *Worker) onRecorderCrash(c recorder.Crash) {
	payload := map[string]string{
		"pid":      strconv.Itoa(c.PID),
		"restarts": strconv.Itoa(c.Restarts),
		"wait":     c.Wait.String(),
		"uptime":   c.Uptime.String(),
	}
	if c.Segment != "" {
		payload["segment"] = c.Segment
	}
	if c.Err != nil {
		payload["exit"] = c.Err.Error()
	}
	w.emit(core.EventRecorderCrashed, payload)
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
