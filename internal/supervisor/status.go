package supervisor

import (
	"context"
	"log"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/sua-org/nvr-supervisor/internal/health"
)

// HostStatus é o status do próprio supervisor (o "collector").
type HostStatus struct {
	Hostname    string    `json:"hostname"`
	Workers     int       `json:"workers"`
	Running     int       `json:"running"`
	CPUPercent  float64   `json:"cpu_percent"`
	MemPercent  float64   `json:"memory_percent"`
	MemRSSBytes uint64    `json:"memory_rss_bytes"`
	Timestamp   time.Time `json:"timestamp"`
}

// StatusSink recebe o snapshot periódico (MQTT, Redis, ...).
type StatusSink interface {
	PublishStatus(host HostStatus, workers []health.Status) error
}

// Snapshot devolve o status de todos os workers com registro ativo.
func (s *Supervisor) Snapshot() []health.Status {
	return s.registry.Snapshot()
}

func (s *Supervisor) runStatusLoop(ctx context.Context, sinks []StatusSink) {
	hostname, _ := os.Hostname()
	var self *process.Process
	if p, err := process.NewProcess(int32(os.Getpid())); err == nil {
		self = p
	}

	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	log.Printf("[supervisor] status loop iniciado (intervalo=%s)", s.cfg.StatusInterval)

	for {
		select {
		case <-ctx.Done():
			log.Printf("[supervisor] status loop encerrado (context canceled)")
			return
		case t := <-ticker.C:
			s.publishStatuses(self, hostname, t, sinks)
		}
	}
}

func (s *Supervisor) publishStatuses(self *process.Process, hostname string, now time.Time, sinks []StatusSink) {
	s.sampleWorkerProcesses()
	workers := s.registry.Snapshot()

	host := HostStatus{Hostname: hostname, Workers: len(workers), Timestamp: now.UTC()}
	host.Running = health.Summarize(workers).Running
	if self != nil {
		if cpu, err := self.CPUPercent(); err == nil {
			host.CPUPercent = cpu
		}
		if memInfo, err := self.MemoryInfo(); err == nil {
			host.MemRSSBytes = memInfo.RSS
		}
		if memP, err := self.MemoryPercent(); err == nil {
			host.MemPercent = float64(memP)
		}
	}

	for _, sink := range sinks {
		if err := sink.PublishStatus(host, workers); err != nil {
			log.Printf("[status] erro ao publicar status: %v", err)
		}
	}
}

type procSample struct {
	pid int
	cpu float64
	rss uint64
}

// sampleWorkerProcesses lê CPU/RSS de cada worker vivo. A leitura do /proc
// é feita fora do lock; só a escrita no registry passa por s.mu.
func (s *Supervisor) sampleWorkerProcesses() {
	samples := make(map[string]procSample)
	for _, st := range s.registry.Snapshot() {
		if st.PID <= 0 {
			continue
		}
		p, err := process.NewProcess(int32(st.PID))
		if err != nil {
			continue
		}
		sample := procSample{pid: st.PID}
		sample.cpu, _ = p.CPUPercent()
		if mi, err := p.MemoryInfo(); err == nil {
			sample.rss = mi.RSS
		}
		samples[st.CameraID] = sample
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sample := range samples {
		h, ok := s.workers[id]
		if !ok || h.proc == nil || h.proc.PID() != sample.pid {
			continue
		}
		s.registry.SetProcessMetrics(id, sample.cpu, sample.rss)
	}
}
