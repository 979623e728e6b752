// Package supervisor cuida da frota de processos worker: spawn, health-check,
// detecção de crash e restart com backoff.
//
// Toda mutação de estado acontece com s.mu travado (loop de Tick, leitores de
// canal, Dispatch). O health.Registry só é escrito de dentro dessas seções;
// leitores externos pegam snapshots.
//
// Ciclo de vida:
//
//	starting -> running -> {unhealthy, crashed} -> backoff -> starting
//	backoff -> terminated            (circuit breaker)
//	running -> stopping -> terminated (shutdown, sem backoff)
package supervisor

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sua-org/nvr-supervisor/internal/backoff"
	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/events"
	"github.com/sua-org/nvr-supervisor/internal/health"
	"github.com/sua-org/nvr-supervisor/internal/protocol"
)

// Policy é o que o supervisor usa da política de backoff.
type Policy interface {
	Decide(record *backoff.RestartRecord, now time.Time) backoff.Decision
	Settle(record *backoff.RestartRecord, healthySince, now time.Time) bool
	RecordLimit(configured int) int
}

// Observer recebe transições e contadores (métricas).
type Observer interface {
	Transition(cameraID string, from, to core.State)
	Restarted(cameraID string)
	ProtocolDropped(cameraID string)
	Event(ev core.Event)
}

type Config struct {
	HeartbeatInterval time.Duration
	TimeoutMultiplier int
	TickInterval      time.Duration
	ShutdownTimeout   time.Duration
	StatusInterval    time.Duration
	OutboxSize        int
	RecordLimit       int

	Policy   Policy
	Observer Observer
	Clock    func() time.Time
}

func (c Config) withDefaults() Config {
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.TimeoutMultiplier <= 0 {
		c.TimeoutMultiplier = 3
	}
	if c.TickInterval <= 0 {
		c.TickInterval = time.Second
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = 10 * time.Second
	}
	if c.OutboxSize <= 0 {
		c.OutboxSize = 16
	}
	if c.Policy == nil {
		c.Policy = backoff.Policy{MaxFailures: 5, Cooldown: 2 * time.Minute}
	}
	if c.Observer == nil {
		c.Observer = nopObserver{}
	}
	if c.Clock == nil {
		c.Clock = time.Now
	}
	return c
}

// HeartbeatTimeout é o silêncio máximo antes de marcar unhealthy.
func (c Config) HeartbeatTimeout() time.Duration {
	c = c.withDefaults()
	return time.Duration(c.TimeoutMultiplier) * c.HeartbeatInterval
}

type stopIntent int

const (
	stopNone stopIntent = iota
	stopTerminate
	stopRestart
)

// handle é o WorkerHandle: existe enquanto o worker não foi confirmado como
// terminado de vez.
type handle struct {
	spec    core.CameraSpec
	proc    Process
	session string
	outbox  chan protocol.CommandMessage

	state         core.State
	startedAt     time.Time
	runningSince  time.Time
	lastHeartbeat time.Time
	restarts      int
	record        *backoff.RestartRecord
	backoffUntil  time.Time

	intent       stopIntent
	stopDeadline time.Time
	killed       bool
	lastErr      string
}

type Supervisor struct {
	cfg      Config
	launcher Launcher
	registry *health.Registry
	bus      *events.Bus

	mu       sync.Mutex
	workers  map[string]*handle
	terminal map[string]core.State
	seq      uint64
	closing  bool
}

func New(cfg Config, launcher Launcher, registry *health.Registry, bus *events.Bus) *Supervisor {
	if registry == nil {
		registry = health.NewRegistry()
	}
	if bus == nil {
		bus = events.NewBus(nil)
	}
	return &Supervisor{
		cfg:      cfg.withDefaults(),
		launcher: launcher,
		registry: registry,
		bus:      bus,
		workers:  make(map[string]*handle),
		terminal: make(map[string]core.State),
	}
}

func (s *Supervisor) Registry() *health.Registry { return s.registry }
func (s *Supervisor) Bus() *events.Bus           { return s.bus }

// Spawn cria o worker de uma câmera. Câmera já ativa ou falha ao criar o
// processo devolvem *SpawnError; no segundo caso o worker fica em backoff e
// o Tick tenta de novo.
func (s *Supervisor) Spawn(spec core.CameraSpec) error {
	id := strings.TrimSpace(spec.ID)
	if id == "" {
		return &SpawnError{CameraID: spec.ID, Err: ErrInvalidSpec}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return &SpawnError{CameraID: id, Err: ErrClosing}
	}
	if _, ok := s.workers[id]; ok {
		return &SpawnError{CameraID: id, Err: ErrDuplicateWorker}
	}
	delete(s.terminal, id)

	now := s.cfg.Clock()
	h := &handle{spec: spec, record: backoff.NewRestartRecord(s.cfg.Policy.RecordLimit(s.cfg.RecordLimit))}
	s.workers[id] = h

	if err := s.startLocked(h, now); err != nil {
		log.Printf("[supervisor] spawn %s falhou: %v", id, err)
		s.failLocked(h, now, core.StateCrashed, err.Error())
		return &SpawnError{CameraID: id, Err: err}
	}
	log.Printf("[supervisor] worker %s iniciado (pid=%d)", id, h.proc.PID())
	return nil
}

// AddWorker é o add-worker do hot reload.
func (s *Supervisor) AddWorker(spec core.CameraSpec) error {
	return s.Spawn(spec)
}

// RemoveWorker pede shutdown ao worker; o registro some quando a saída for
// confirmada.
func (s *Supervisor) RemoveWorker(cameraID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.workers[cameraID]
	if !ok || h.state == core.StateTerminated {
		return ErrUnknownWorker
	}
	s.stopLocked(h, s.cfg.Clock(), "removed")
	return nil
}

// Dispatch encaminha o comando ao worker. Só confirma que entrou na fila; o
// efeito aparece depois em heartbeat ou evento.
func (s *Supervisor) Dispatch(cameraID string, cmd protocol.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.workers[cameraID]
	if !ok || h.state == core.StateTerminated {
		return ErrUnknownWorker
	}
	if h.outbox == nil {
		return ErrNotRunning
	}

	msg := protocol.EncodeCommand(cameraID, h.session, cmd)
	select {
	case h.outbox <- msg:
	default:
		return ErrQueueFull
	}

	now := s.cfg.Clock()
	switch cmd.(type) {
	case protocol.Shutdown:
		s.beginStopLocked(h, now, stopTerminate)
	case protocol.Restart:
		s.beginStopLocked(h, now, stopRestart)
	}
	log.Printf("[supervisor] comando %s enfileirado para %s", cmd.Verb(), cameraID)
	return nil
}

// HandleMessage processa uma mensagem vinda do worker. session identifica o
// processo que mandou; mensagens de processos antigos são descartadas.
func (s *Supervisor) HandleMessage(cameraID, session string, msg protocol.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.workers[cameraID]
	if !ok || h.session != session {
		return
	}
	now := s.cfg.Clock()

	switch msg.Kind {
	case protocol.KindHeartbeat:
		hb := *msg.Heartbeat
		if hb.Camera != cameraID || hb.Session != session {
			s.cfg.Observer.ProtocolDropped(cameraID)
			return
		}
		if !s.registry.ApplyHeartbeat(hb, now) {
			return
		}
		h.lastHeartbeat = now
		if hb.Alive && h.state == core.StateStarting {
			h.runningSince = now
			s.setStateLocked(h, core.StateRunning, now)
		}
	case protocol.KindEvent:
		ev := msg.Event.Core()
		ev.CameraID = cameraID
		if s.bus.Publish(ev) {
			s.cfg.Observer.Event(ev)
		}
	default:
		log.Printf("[supervisor] %s mandou %s, descartando", cameraID, msg.Kind)
		s.cfg.Observer.ProtocolDropped(cameraID)
	}
}

// Tick é a unidade de trabalho do loop de controle. Só olha estado em
// cache e nunca bloqueia em um worker.
func (s *Supervisor) Tick(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	timeout := s.cfg.HeartbeatTimeout()
	for id, h := range s.workers {
		switch h.state {
		case core.StateStarting, core.StateRunning:
			if code, exited := s.exitedLocked(h); exited {
				s.onExitLocked(h, code, now)
				continue
			}
			last := h.lastHeartbeat
			if last.IsZero() {
				last = h.startedAt
			}
			if now.Sub(last) > timeout {
				log.Printf("[supervisor] %s sem heartbeat há %s, marcando unhealthy", id, now.Sub(last).Round(time.Millisecond))
				if err := h.proc.Kill(); err != nil {
					log.Printf("[supervisor] kill %s: %v", id, err)
				}
				s.failLocked(h, now, core.StateUnhealthy, "heartbeat timeout")
				continue
			}
			if h.state == core.StateRunning && s.cfg.Policy.Settle(h.record, h.runningSince, now) {
				log.Printf("[supervisor] %s saudável há %s, histórico de falhas zerado", id, now.Sub(h.runningSince).Round(time.Second))
			}

		case core.StateStopping:
			if code, exited := s.exitedLocked(h); exited {
				s.onStoppedLocked(h, code, now)
				continue
			}
			if !h.killed && now.After(h.stopDeadline) {
				log.Printf("[supervisor] %s não saiu em %s, kill", id, s.cfg.ShutdownTimeout)
				h.killed = true
				if err := h.proc.Kill(); err != nil {
					log.Printf("[supervisor] kill %s: %v", id, err)
				}
			}

		case core.StateBackoff:
			if now.Before(h.backoffUntil) {
				continue
			}
			if _, exited := s.exitedLocked(h); !exited {
				// ainda não confirmou a saída do processo anterior
				_ = h.proc.Kill()
				continue
			}
			s.respawnLocked(h, now)

		case core.StateTerminated:
			if _, exited := s.exitedLocked(h); exited {
				s.removeLocked(h)
			}
		}
	}
}

// exitedLocked trata handle sem processo como já saído.
func (s *Supervisor) exitedLocked(h *handle) (int, bool) {
	if h.proc == nil {
		return 0, true
	}
	return h.proc.Exited()
}

func (s *Supervisor) onExitLocked(h *handle, code int, now time.Time) {
	id := h.spec.ID
	s.closeOutboxLocked(h)

	switch code {
	case 0:
		log.Printf("[supervisor] %s saiu limpo, encerrando sem backoff", id)
		s.setStateLocked(h, core.StateTerminated, now)
		s.removeLocked(h)
	case protocol.ExitCodeRestart:
		log.Printf("[supervisor] %s pediu restart", id)
		s.respawnLocked(h, now)
	default:
		s.publishLocked(h, core.EventWorkerExited, map[string]string{"exit_code": strconv.Itoa(code)})
		s.failLocked(h, now, core.StateCrashed, fmt.Sprintf("exit code %d", code))
	}
}

func (s *Supervisor) onStoppedLocked(h *handle, code int, now time.Time) {
	s.closeOutboxLocked(h)
	if h.intent == stopRestart {
		log.Printf("[supervisor] %s parou para restart (código %d)", h.spec.ID, code)
		s.respawnLocked(h, now)
		return
	}
	log.Printf("[supervisor] %s encerrado (código %d)", h.spec.ID, code)
	s.setStateLocked(h, core.StateTerminated, now)
	s.removeLocked(h)
}

// failLocked registra a falha e consulta a política: backoff ou circuito aberto.
func (s *Supervisor) failLocked(h *handle, now time.Time, state core.State, reason string) {
	id := h.spec.ID
	h.lastErr = reason
	s.closeOutboxLocked(h)
	s.setStateLocked(h, state, now)

	if !h.runningSince.IsZero() {
		s.cfg.Policy.Settle(h.record, h.runningSince, now)
	}
	h.record.Add(now)
	decision := s.cfg.Policy.Decide(h.record, now)

	if decision.CircuitOpen {
		log.Printf("[supervisor] %s: %d falhas na janela, circuito aberto, sem novos restarts", id, decision.Failures)
		s.publishLocked(h, core.EventWorkerPermanentlyFailed, map[string]string{
			"reason":   reason,
			"failures": strconv.Itoa(decision.Failures),
		})
		// crashed -> backoff -> terminated, sem espera
		s.setStateLocked(h, core.StateBackoff, now)
		s.setStateLocked(h, core.StateTerminated, now)
		if _, exited := s.exitedLocked(h); exited {
			s.removeLocked(h)
		} else {
			_ = h.proc.Kill()
		}
		return
	}

	h.backoffUntil = now.Add(decision.Wait)
	s.setStateLocked(h, core.StateBackoff, now)
	s.registry.SetBackoff(id, h.backoffUntil, reason)
	log.Printf("[supervisor] %s: %s, restart em %s (falhas=%d)", id, reason, decision.Wait, decision.Failures)
}

func (s *Supervisor) respawnLocked(h *handle, now time.Time) {
	h.restarts++
	s.cfg.Observer.Restarted(h.spec.ID)
	if err := s.startLocked(h, now); err != nil {
		log.Printf("[supervisor] respawn %s falhou: %v", h.spec.ID, err)
		s.failLocked(h, now, core.StateCrashed, err.Error())
		return
	}
	log.Printf("[supervisor] worker %s reiniciado (pid=%d, restarts=%d)", h.spec.ID, h.proc.PID(), h.restarts)
}

func (s *Supervisor) startLocked(h *handle, now time.Time) error {
	s.closeOutboxLocked(h)
	session := uuid.NewString()
	proc, err := s.launcher.Launch(h.spec, session)
	if err != nil {
		h.proc = nil
		h.session = ""
		return err
	}

	h.proc = proc
	h.session = session
	h.outbox = make(chan protocol.CommandMessage, s.cfg.OutboxSize)
	h.startedAt = now
	h.runningSince = time.Time{}
	h.lastHeartbeat = time.Time{}
	h.backoffUntil = time.Time{}
	h.intent = stopNone
	h.killed = false

	s.registry.Register(h.spec.ID, session, proc.PID(), now)
	s.registry.SetRestartCount(h.spec.ID, h.restarts)
	s.setStateLocked(h, core.StateStarting, now)

	go s.readLoop(h.spec.ID, session, proc)
	go writeLoop(h.spec.ID, proc, h.outbox)
	return nil
}

func (s *Supervisor) readLoop(cameraID, session string, proc Process) {
	ch := proc.Channel()
	for {
		msg, err := ch.Receive()
		if err != nil {
			if protocol.IsProtocolError(err) {
				log.Printf("[channel] %s: mensagem descartada: %v", cameraID, err)
				s.cfg.Observer.ProtocolDropped(cameraID)
				continue
			}
			// a saída do processo é detectada pelo Tick via Exited
			return
		}
		s.HandleMessage(cameraID, session, msg)
	}
}

func writeLoop(cameraID string, proc Process, outbox <-chan protocol.CommandMessage) {
	ch := proc.Channel()
	for msg := range outbox {
		if err := ch.SendCommand(msg); err != nil {
			log.Printf("[channel] %s: comando %s não entregue: %v", cameraID, msg.Verb, err)
		}
	}
}

func (s *Supervisor) closeOutboxLocked(h *handle) {
	if h.outbox != nil {
		close(h.outbox)
		h.outbox = nil
	}
}

func (s *Supervisor) beginStopLocked(h *handle, now time.Time, intent stopIntent) {
	h.intent = intent
	h.stopDeadline = now.Add(s.cfg.ShutdownTimeout)
	h.killed = false
	s.setStateLocked(h, core.StateStopping, now)
}

// stopLocked encerra o worker por ação do operador, em qualquer estado.
func (s *Supervisor) stopLocked(h *handle, now time.Time, reason string) {
	if _, exited := s.exitedLocked(h); exited {
		s.closeOutboxLocked(h)
		s.setStateLocked(h, core.StateTerminated, now)
		s.removeLocked(h)
		return
	}
	if h.state == core.StateStopping {
		h.intent = stopTerminate
		return
	}
	msg := protocol.EncodeCommand(h.spec.ID, h.session, protocol.Shutdown{Reason: reason})
	sent := false
	if h.outbox != nil {
		select {
		case h.outbox <- msg:
			sent = true
		default:
		}
	}
	s.beginStopLocked(h, now, stopTerminate)
	if !sent {
		h.killed = true
		_ = h.proc.Kill()
	}
}

func (s *Supervisor) removeLocked(h *handle) {
	id := h.spec.ID
	if cur, ok := s.workers[id]; ok && cur == h {
		delete(s.workers, id)
		s.registry.Remove(id)
		s.terminal[id] = core.StateTerminated
		log.Printf("[supervisor] worker %s removido do registro", id)
	}
}

func (s *Supervisor) setStateLocked(h *handle, state core.State, now time.Time) {
	if h.state == state {
		return
	}
	from := h.state
	h.state = state
	s.registry.SetState(h.spec.ID, state, now)
	s.registry.SetRestartCount(h.spec.ID, h.restarts)
	s.cfg.Observer.Transition(h.spec.ID, from, state)
}

func (s *Supervisor) publishLocked(h *handle, kind core.EventKind, payload map[string]string) {
	s.seq++
	ev := core.Event{
		CameraID:  h.spec.ID,
		Session:   h.session,
		Seq:       s.seq,
		Kind:      kind,
		Timestamp: s.cfg.Clock(),
		Payload:   payload,
	}
	if s.bus.Publish(ev) {
		s.cfg.Observer.Event(ev)
	}
}

// State devolve o estado corrente, inclusive de workers já encerrados.
func (s *Supervisor) State(cameraID string) (core.State, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.workers[cameraID]; ok {
		return h.state, true
	}
	st, ok := s.terminal[cameraID]
	return st, ok
}

// Restarts devolve o contador cumulativo de restarts de um worker ativo.
func (s *Supervisor) Restarts(cameraID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.workers[cameraID]; ok {
		return h.restarts
	}
	return 0
}

// Terminated lista câmeras encerradas (por shutdown ou circuito aberto).
func (s *Supervisor) Terminated() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.terminal))
	for id := range s.terminal {
		out = append(out, id)
	}
	return out
}

// Specs devolve as specs dos workers ativos (usado no reload de config).
func (s *Supervisor) Specs() map[string]core.CameraSpec {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]core.CameraSpec, len(s.workers))
	for id, h := range s.workers {
		out[id] = h.spec
	}
	return out
}

func (s *Supervisor) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.workers)
}

// Run roda o loop de controle até ctx acabar e então encerra todos os
// workers.
func (s *Supervisor) Run(ctx context.Context, sinks ...StatusSink) error {
	ticker := time.NewTicker(s.cfg.TickInterval)
	defer ticker.Stop()

	if s.cfg.StatusInterval > 0 && len(sinks) > 0 {
		go s.runStatusLoop(ctx, sinks)
	}
	log.Printf("[supervisor] loop iniciado (tick=%s, heartbeat timeout=%s)", s.cfg.TickInterval, s.cfg.HeartbeatTimeout())

	for {
		select {
		case <-ctx.Done():
			log.Printf("[supervisor] context canceled, stopping all workers")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout+2*time.Second)
			defer cancel()
			return s.Shutdown(shutdownCtx)
		case <-ticker.C:
			s.Tick(s.cfg.Clock())
		}
	}
}

// Shutdown manda shutdown para todos e espera as saídas. Kill de quem passa
// do ShutdownTimeout é feito pelo Tick; se ctx acabar antes, mata o resto.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	now := s.cfg.Clock()
	for _, h := range s.workers {
		if h.state == core.StateTerminated {
			continue
		}
		s.stopLocked(h, now, "supervisor shutdown")
	}
	s.mu.Unlock()

	poll := time.NewTicker(50 * time.Millisecond)
	defer poll.Stop()
	for {
		s.Tick(s.cfg.Clock())
		if s.Len() == 0 {
			log.Printf("[supervisor] todos os workers encerrados")
			return nil
		}
		select {
		case <-ctx.Done():
			s.killAll()
			return fmt.Errorf("shutdown: %w", ctx.Err())
		case <-poll.C:
		}
	}
}

func (s *Supervisor) killAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.workers {
		if h.proc != nil {
			log.Printf("[supervisor] kill forçado de %s", id)
			_ = h.proc.Kill()
		}
	}
}

type nopObserver struct{}

func (nopObserver) Transition(string, core.State, core.State) {}
func (nopObserver) Restarted(string)                          {}
func (nopObserver) ProtocolDropped(string)                    {}
func (nopObserver) Event(core.Event)                          {}
