// Package recorder mantém vivo o subprocesso que grava o stream MAIN.
//
// Saída inesperada do subprocesso é crash: o Recorder avisa via OnCrash,
// espera conforme a própria política de backoff (teto curto, circuito nunca
// abre) e sobe um processo novo, que começa um segmento novo. Stop é
// terminal até o próximo Start.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/sua-org/nvr-supervisor/internal/backoff"
)

const maxWindows = 256

// Config são os parâmetros de gravação de uma câmera.
type Config struct {
	CameraID       string
	URL            string // stream MAIN
	Command        string // ffmpeg
	Dir            string
	SegmentSeconds int
	ExtraArgs      []string
	PreRoll        time.Duration
	PostRoll       time.Duration
	Policy         backoff.Policy
}

// Crash descreve uma saída inesperada do subprocesso.
type Crash struct {
	CameraID string
	PID      int
	Segment  string
	Err      error
	Uptime   time.Duration
	Restarts int
	Wait     time.Duration
}

// State é o RecorderState: pertence só ao worker.
type State struct {
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	Restarts  int       `json:"restarts"`
	Running   bool      `json:"running"`   // subprocesso vivo agora
	Recording bool      `json:"recording"` // gravação pedida
	Segment   string    `json:"segment,omitempty"`
}

// Window é um intervalo de movimento já com pre/post-roll aplicados.
type Window struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type run struct {
	proc      Process
	exited    chan struct{}
	startedAt time.Time
	segment   string
}

type Recorder struct {
	cfg     Config
	runner  Runner
	onCrash func(Crash)
	now     func() time.Time

	mu       sync.Mutex
	wanted   bool
	cur      *run
	stopCh   chan struct{}
	restarts int
	record   *backoff.RestartRecord
	windows  []Window
}

func New(cfg Config, runner Runner, onCrash func(Crash)) *Recorder {
	if cfg.Command == "" {
		cfg.Command = "ffmpeg"
	}
	if cfg.SegmentSeconds <= 0 {
		cfg.SegmentSeconds = 300
	}
	if runner == nil {
		runner = ExecRunner{}
	}
	return &Recorder{
		cfg:     cfg,
		runner:  runner,
		onCrash: onCrash,
		now:     time.Now,
		record:  backoff.NewRestartRecord(cfg.Policy.RecordLimit(0)),
	}
}

// Start sobe o subprocesso. Parâmetro opcional: segment_seconds.
// Chamar com a gravação já ativa não faz nada.
func (r *Recorder) Start(params map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.wanted {
		return nil
	}
	if v := params["segment_seconds"]; v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return fmt.Errorf("segment_seconds inválido: %q", v)
		}
		r.cfg.SegmentSeconds = n
	}

	cur, err := r.spawnLocked()
	if err != nil {
		return err
	}
	r.wanted = true
	r.stopCh = make(chan struct{})
	go r.supervise(cur)
	return nil
}

// Stop encerra de forma limpa: pede "q" ao ffmpeg e espera a saída até o
// ctx expirar; depois disso, kill.
func (r *Recorder) Stop(ctx context.Context) error {
	r.mu.Lock()
	if !r.wanted {
		r.mu.Unlock()
		return nil
	}
	r.wanted = false
	close(r.stopCh)
	cur := r.cur
	r.mu.Unlock()

	if cur == nil {
		return nil
	}
	if err := cur.proc.Interrupt(); err != nil {
		log.Printf("[recorder %s] interrupt falhou: %v", r.cfg.CameraID, err)
	}
	select {
	case <-cur.exited:
		log.Printf("[recorder %s] parado (segmento %s)", r.cfg.CameraID, cur.segment)
		return nil
	case <-ctx.Done():
	}

	log.Printf("[recorder %s] não saiu a tempo, kill", r.cfg.CameraID)
	if err := cur.proc.Kill(); err != nil {
		return fmt.Errorf("kill recorder: %w", err)
	}
	<-cur.exited
	return ctx.Err()
}

func (r *Recorder) State() State {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := State{Restarts: r.restarts, Recording: r.wanted}
	if r.cur != nil {
		st.Running = true
		st.PID = r.cur.proc.PID()
		st.StartedAt = r.cur.startedAt
		st.Segment = r.cur.segment
	}
	return st
}

// MarkMotion anota movimento em t. Janelas sobrepostas são unidas.
func (r *Recorder) MarkMotion(t time.Time) {
	w := Window{Start: t.Add(-r.cfg.PreRoll), End: t.Add(r.cfg.PostRoll)}

	r.mu.Lock()
	defer r.mu.Unlock()

	if n := len(r.windows); n > 0 && !w.Start.After(r.windows[n-1].End) {
		if w.End.After(r.windows[n-1].End) {
			r.windows[n-1].End = w.End
		}
		return
	}
	r.windows = append(r.windows, w)
	if over := len(r.windows) - maxWindows; over > 0 {
		r.windows = append(r.windows[:0], r.windows[over:]...)
	}
}

// Annotations devolve as janelas de movimento que tocam [from, to).
func (r *Recorder) Annotations(from, to time.Time) []Window {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []Window
	for _, w := range r.windows {
		if w.End.Before(from) || !w.Start.Before(to) {
			continue
		}
		out = append(out, w)
	}
	return out
}

// SegmentName é o nome que o ffmpeg vai dar ao primeiro segmento de um
// processo iniciado em t. O sufixo _rN evita sobrescrever o arquivo quando
// dois restarts caem no mesmo segundo.
func SegmentName(dir, cameraID string, t time.Time, restarts int) string {
	return filepath.Join(dir, fmt.Sprintf("%s_%s_r%d.mp4", cameraID, t.Format("20060102_150405"), restarts))
}

func (r *Recorder) args() []string {
	pattern := filepath.Join(r.cfg.Dir, fmt.Sprintf("%s_%%Y%%m%%d_%%H%%M%%S_r%d.mp4", r.cfg.CameraID, r.restarts))
	args := []string{
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", r.cfg.URL,
		"-c", "copy",
	}
	args = append(args, r.cfg.ExtraArgs...)
	args = append(args,
		"-f", "segment",
		"-segment_time", strconv.Itoa(r.cfg.SegmentSeconds),
		"-reset_timestamps", "1",
		"-strftime", "1",
		pattern,
	)
	return args
}

func (r *Recorder) spawnLocked() (*run, error) {
	now := r.now()
	proc, err := r.runner.Run(r.cfg.Command, r.args())
	if err != nil {
		return nil, fmt.Errorf("start recorder: %w", err)
	}
	cur := &run{
		proc:      proc,
		exited:    make(chan struct{}),
		startedAt: now,
		segment:   SegmentName(r.cfg.Dir, r.cfg.CameraID, now, r.restarts),
	}
	r.cur = cur
	log.Printf("[recorder %s] gravando pid=%d -> %s", r.cfg.CameraID, proc.PID(), cur.segment)
	return cur, nil
}

var errSpawn = errors.New("recorder spawn failed")

// supervise acompanha o processo corrente e reinicia após crash até Stop.
// cur == nil significa que o último spawn falhou.
func (r *Recorder) supervise(cur *run) {
	spawnErr := errSpawn
	for {
		exitErr := spawnErr
		if cur != nil {
			exitErr = cur.proc.Wait()
		}

		r.mu.Lock()
		stale := r.cur != cur
		if !stale {
			r.cur = nil
		}
		if cur != nil {
			close(cur.exited)
		}
		if stale || !r.wanted {
			r.mu.Unlock()
			return
		}

		now := r.now()
		crash := Crash{CameraID: r.cfg.CameraID, Err: exitErr}
		if cur != nil {
			r.cfg.Policy.Settle(r.record, cur.startedAt, now)
			crash.PID = cur.proc.PID()
			crash.Segment = cur.segment
			crash.Uptime = now.Sub(cur.startedAt)
		}
		r.record.Add(now)
		decision := r.cfg.Policy.Decide(r.record, now)
		r.restarts++
		crash.Restarts = r.restarts
		crash.Wait = decision.Wait
		stop := r.stopCh
		r.mu.Unlock()

		log.Printf("[recorder %s] saiu inesperadamente (%v), restart #%d em %s",
			r.cfg.CameraID, exitErr, crash.Restarts, decision.Wait)
		if r.onCrash != nil {
			r.onCrash(crash)
		}

		timer := time.NewTimer(decision.Wait)
		select {
		case <-timer.C:
		case <-stop:
			timer.Stop()
			return
		}

		r.mu.Lock()
		if !r.wanted || r.stopCh != stop {
			r.mu.Unlock()
			return
		}
		var err error
		cur, err = r.spawnLocked()
		r.mu.Unlock()
		if err != nil {
			log.Printf("[recorder %s] %v", r.cfg.CameraID, err)
			spawnErr = err
		}
	}
}
