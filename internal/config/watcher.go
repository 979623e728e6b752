package config

import (
	"context"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sua-org/nvr-supervisor/internal/core"
)

// Watcher observa o arquivo de câmeras e entrega a lista nova a cada
// mudança válida. Arquivo inválido é logado e ignorado; a configuração em
// uso continua.
//
// Usa fsnotify no diretório (editores costumam salvar via rename) e um poll
// lento por mtime/tamanho como rede de segurança.
type Watcher struct {
	Path         string
	PollInterval time.Duration
	Debounce     time.Duration
	OnChange     func(map[string]core.CameraSpec)

	// NoNotify força só polling.
	NoNotify bool

	last fileStamp
}

type fileStamp struct {
	mod  time.Time
	size int64
}

func stamp(path string) (fileStamp, bool) {
	fi, err := os.Stat(path)
	if err != nil {
		return fileStamp{}, false
	}
	return fileStamp{mod: fi.ModTime(), size: fi.Size()}, true
}

// Run bloqueia até ctx acabar.
func (w *Watcher) Run(ctx context.Context) {
	if w.PollInterval <= 0 {
		w.PollInterval = 60 * time.Second
	}
	if w.Debounce <= 0 {
		w.Debounce = 200 * time.Millisecond
	}
	w.last, _ = stamp(w.Path)

	var events <-chan fsnotify.Event
	var errs <-chan error
	if !w.NoNotify {
		watcher, err := fsnotify.NewWatcher()
		if err != nil {
			log.Printf("[config] fsnotify indisponível (%v), usando polling", err)
		} else if err := watcher.Add(filepath.Dir(w.Path)); err != nil {
			log.Printf("[config] falha ao observar %s (%v), usando polling", filepath.Dir(w.Path), err)
			watcher.Close()
		} else {
			defer watcher.Close()
			events = watcher.Events
			errs = watcher.Errors
		}
	}

	poll := time.NewTicker(w.PollInterval)
	defer poll.Stop()

	var debounce *time.Timer
	var fire <-chan time.Time
	name := filepath.Clean(w.Path)

	for {
		select {
		case <-ctx.Done():
			if debounce != nil {
				debounce.Stop()
			}
			return
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if debounce == nil {
				debounce = time.NewTimer(w.Debounce)
			} else {
				debounce.Reset(w.Debounce)
			}
			fire = debounce.C
		case err, ok := <-errs:
			if !ok {
				errs = nil
				continue
			}
			log.Printf("[config] erro no watcher: %v", err)
		case <-fire:
			fire = nil
			w.reload()
		case <-poll.C:
			if st, ok := stamp(w.Path); ok && st != w.last {
				w.reload()
			}
		}
	}
}

func (w *Watcher) reload() {
	st, ok := stamp(w.Path)
	if !ok {
		log.Printf("[config] %s sumiu, mantendo configuração atual", w.Path)
		return
	}
	w.last = st

	specs, err := LoadCameras(w.Path)
	if err != nil {
		log.Printf("[config] reload rejeitado: %v", err)
		return
	}
	log.Printf("[config] %s recarregado (%d câmeras)", w.Path, len(specs))
	if w.OnChange != nil {
		w.OnChange(specs)
	}
}
