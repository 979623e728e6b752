// Package health guarda o estado corrente de cada worker.
//
// Só o loop do supervisor escreve; HTTP, MQTT e afins leem snapshots.
package health

import (
	"sort"
	"sync"
	"time"

	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/protocol"
)

// Status é a visão de um worker exposta para fora.
type Status struct {
	CameraID      string     `json:"camera_id"`
	State         core.State `json:"state"`
	StateSince    time.Time  `json:"state_since"`
	PID           int        `json:"pid,omitempty"`
	Session       string     `json:"session,omitempty"`
	LastHeartbeat time.Time  `json:"last_heartbeat,omitempty"`
	LastSeq       uint64     `json:"last_seq"`
	RestartCount  int        `json:"restart_count"`
	NextRestart   time.Time  `json:"next_restart,omitempty"`
	LastError     string     `json:"last_error,omitempty"`

	MotionUp         bool    `json:"motion_up"`
	RecorderUp       bool    `json:"recorder_up"`
	SubStreamUp      bool    `json:"sub_stream_up"`
	MainStreamUp     bool    `json:"main_stream_up"`
	Recording        bool    `json:"recording"`
	RecorderRestarts int     `json:"recorder_restarts"`
	FPS              float64 `json:"fps"`

	CPUPercent  float64 `json:"cpu_percent,omitempty"`
	MemRSSBytes uint64  `json:"memory_rss_bytes,omitempty"`
}

// HeartbeatAge é a idade do último heartbeat em relação a now.
func (s Status) HeartbeatAge(now time.Time) time.Duration {
	if s.LastHeartbeat.IsZero() {
		return 0
	}
	return now.Sub(s.LastHeartbeat)
}

type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Status
}

func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Status)}
}

// Register cria (ou recria, num respawn) a entrada de um processo novo.
// O contador de restarts é preservado entre sessões.
func (r *Registry) Register(cameraID, session string, pid int, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.entries[cameraID]
	if !ok {
		st = &Status{CameraID: cameraID}
		r.entries[cameraID] = st
	}
	restarts := st.RestartCount
	*st = Status{
		CameraID:     cameraID,
		State:        core.StateStarting,
		StateSince:   now,
		PID:          pid,
		Session:      session,
		RestartCount: restarts,
	}
}

func (r *Registry) SetState(cameraID string, state core.State, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.entries[cameraID]; ok && st.State != state {
		st.State = state
		st.StateSince = now
	}
}

func (r *Registry) SetBackoff(cameraID string, next time.Time, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.entries[cameraID]; ok {
		st.NextRestart = next
		if reason != "" {
			st.LastError = reason
		}
	}
}

func (r *Registry) SetRestartCount(cameraID string, n int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.entries[cameraID]; ok {
		st.RestartCount = n
	}
}

func (r *Registry) SetProcessMetrics(cameraID string, cpu float64, rss uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if st, ok := r.entries[cameraID]; ok {
		st.CPUPercent = cpu
		st.MemRSSBytes = rss
	}
}

// ApplyHeartbeat registra o heartbeat se ele for mais novo que o último da
// mesma sessão. Duplicados, fora de ordem e de sessões antigas são
// ignorados e o retorno é false.
func (r *Registry) ApplyHeartbeat(hb protocol.Heartbeat, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.entries[hb.Camera]
	if !ok {
		return false
	}
	if hb.Session != st.Session {
		return false
	}
	if !st.LastHeartbeat.IsZero() && hb.Seq <= st.LastSeq {
		return false
	}

	st.LastSeq = hb.Seq
	st.LastHeartbeat = now
	st.MotionUp = hb.Motion
	st.RecorderUp = hb.Recorder
	st.SubStreamUp = hb.SubStream
	st.MainStreamUp = hb.MainStream
	st.Recording = hb.Recording
	st.RecorderRestarts = hb.RecorderRestarts
	st.FPS = hb.FPS
	if hb.Error != "" {
		st.LastError = hb.Error
	}
	return true
}

func (r *Registry) Remove(cameraID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, cameraID)
}

func (r *Registry) Get(cameraID string) (Status, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	st, ok := r.entries[cameraID]
	if !ok {
		return Status{}, false
	}
	return *st, true
}

// Snapshot devolve cópias ordenadas por camera id.
func (r *Registry) Snapshot() []Status {
	r.mu.RLock()
	out := make([]Status, 0, len(r.entries))
	for _, st := range r.entries {
		out = append(out, *st)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].CameraID < out[j].CameraID })
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Summary é o resumo de /health.
type Summary struct {
	Status  string `json:"status"` // healthy, degraded, critical
	Running int    `json:"running"`
	Total   int    `json:"total"`
}

func Summarize(snap []Status) Summary {
	s := Summary{Total: len(snap)}
	for _, st := range snap {
		if st.State == core.StateRunning {
			s.Running++
		}
	}
	switch {
	case s.Total == 0 || s.Running == s.Total:
		s.Status = "healthy"
	case s.Running == 0:
		s.Status = "critical"
	default:
		s.Status = "degraded"
	}
	return s
}
