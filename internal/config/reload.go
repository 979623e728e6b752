package config

import (
	"context"
	"errors"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/supervisor"
)

// Diff é a diferença entre duas listas de câmeras.
type Diff struct {
	Added   []string
	Removed []string
	Changed []string
}

func (d Diff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

func Compare(old, next map[string]core.CameraSpec) Diff {
	var d Diff
	for id, spec := range next {
		prev, ok := old[id]
		switch {
		case !ok:
			d.Added = append(d.Added, id)
		case !prev.Equal(spec):
			d.Changed = append(d.Changed, id)
		}
	}
	for id := range old {
		if _, ok := next[id]; !ok {
			d.Removed = append(d.Removed, id)
		}
	}
	sort.Strings(d.Added)
	sort.Strings(d.Removed)
	sort.Strings(d.Changed)
	return d
}

// Fleet é o que o reload usa do supervisor.
type Fleet interface {
	AddWorker(spec core.CameraSpec) error
	RemoveWorker(cameraID string) error
}

// Reloader aplica mudanças do arquivo de câmeras no supervisor. Câmera
// alterada vira remove + add; o add fica pendente até o worker antigo sair.
type Reloader struct {
	fleet Fleet

	mu      sync.Mutex
	current map[string]core.CameraSpec
	pending map[string]core.CameraSpec
}

func NewReloader(fleet Fleet, current map[string]core.CameraSpec) *Reloader {
	cur := make(map[string]core.CameraSpec, len(current))
	for id, s := range current {
		cur[id] = s
	}
	return &Reloader{fleet: fleet, current: cur, pending: make(map[string]core.CameraSpec)}
}

// Apply reconcilia a frota com next (só câmeras habilitadas contam).
func (r *Reloader) Apply(next map[string]core.CameraSpec) Diff {
	next = Enabled(next)

	r.mu.Lock()
	defer r.mu.Unlock()

	d := Compare(r.current, next)
	if d.Empty() {
		return d
	}
	log.Printf("[config] reload: %d novas, %d removidas, %d alteradas", len(d.Added), len(d.Removed), len(d.Changed))

	for _, id := range d.Removed {
		delete(r.pending, id)
		r.remove(id)
	}
	for _, id := range d.Changed {
		r.remove(id)
		r.pending[id] = next[id]
	}
	for _, id := range d.Added {
		r.pending[id] = next[id]
	}
	r.current = next
	r.flushLocked()
	return d
}

// RetryPending tenta de novo os adds que esperavam o worker antigo sair.
func (r *Reloader) RetryPending() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.flushLocked()
}

func (r *Reloader) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Run chama RetryPending periodicamente até ctx acabar.
func (r *Reloader) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RetryPending()
		}
	}
}

func (r *Reloader) remove(id string) {
	if err := r.fleet.RemoveWorker(id); err != nil && !errors.Is(err, supervisor.ErrUnknownWorker) {
		log.Printf("[config] remove %s: %v", id, err)
	}
}

func (r *Reloader) flushLocked() {
	for id, spec := range r.pending {
		err := r.fleet.AddWorker(spec)
		switch {
		case err == nil:
			delete(r.pending, id)
		case errors.Is(err, supervisor.ErrDuplicateWorker):
			// worker antigo ainda parando
		case errors.Is(err, supervisor.ErrClosing):
			delete(r.pending, id)
		default:
			// falha ao criar o processo: o supervisor já deixou em backoff
			log.Printf("[config] add %s: %v", id, err)
			delete(r.pending, id)
		}
	}
}
