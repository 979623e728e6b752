// Package archive sobe os segmentos fechados de uma câmera para o object
// storage, cada um com um sidecar <segmento>.motion.json com as janelas de
// movimento anotadas pelo recorder.
//
// Um segmento é considerado fechado quando o próximo aparece no diretório
// (o muxer de segmentos só abre o novo depois de fechar o anterior) ou
// quando Flush é chamado depois que o recorder parou.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/sua-org/nvr-supervisor/internal/recorder"
)

// Annotator é o recorder visto pelo archive.
type Annotator interface {
	Annotations(from, to time.Time) []recorder.Window
}

type Config struct {
	CameraID    string
	Dir         string
	Prefix      string // prefixo das chaves no bucket
	RemoveLocal bool   // apaga o arquivo local depois do upload
	Retries     int
}

// Sidecar é o conteúdo de <segmento>.motion.json.
type Sidecar struct {
	CameraID string            `json:"camera_id"`
	Segment  string            `json:"segment"`
	Start    time.Time         `json:"start"`
	End      time.Time         `json:"end"`
	Motion   []recorder.Window `json:"motion"`
}

type job struct {
	path string
	end  time.Time
}

type Archiver struct {
	cfg   Config
	store Store
	annot Annotator
	now   func() time.Time

	mu      sync.Mutex
	current string // segmento sendo escrito
	jobs    chan job
	done    chan struct{}
}

func New(cfg Config, store Store, annot Annotator) *Archiver {
	if cfg.Retries <= 0 {
		cfg.Retries = 3
	}
	cfg.Prefix = strings.Trim(cfg.Prefix, "/")
	return &Archiver{
		cfg:   cfg,
		store: store,
		annot: annot,
		now:   time.Now,
		jobs:  make(chan job, 16),
		done:  make(chan struct{}),
	}
}

// ParseSegmentTime extrai início e número de restarts do nome gerado pelo
// recorder (<camera>_YYYYmmdd_HHMMSS_rN.mp4).
func ParseSegmentTime(cameraID, name string) (time.Time, int, bool) {
	base := filepath.Base(name)
	if !strings.HasPrefix(base, cameraID+"_") || !strings.HasSuffix(base, ".mp4") {
		return time.Time{}, 0, false
	}
	rest := strings.TrimSuffix(strings.TrimPrefix(base, cameraID+"_"), ".mp4")
	stamp, rpart, ok := strings.Cut(rest, "_r")
	if !ok {
		return time.Time{}, 0, false
	}
	t, err := time.ParseInLocation("20060102_150405", stamp, time.Local)
	if err != nil {
		return time.Time{}, 0, false
	}
	restarts, err := strconv.Atoi(rpart)
	if err != nil {
		return time.Time{}, 0, false
	}
	return t, restarts, true
}

// Key é a chave do objeto: <prefix>/<camera>/YYYY/MM/DD/<arquivo>.
func (a *Archiver) Key(segment string, start time.Time) string {
	key := path.Join(a.cfg.CameraID, start.Format("2006/01/02"), filepath.Base(segment))
	if a.cfg.Prefix != "" {
		key = a.cfg.Prefix + "/" + key
	}
	return key
}

// Run observa o diretório de gravação até ctx acabar. Os uploads rodam numa
// goroutine própria e são drenados antes de Run retornar.
func (a *Archiver) Run(ctx context.Context) error {
	if err := os.MkdirAll(a.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("archive dir: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("fsnotify: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(a.cfg.Dir); err != nil {
		return fmt.Errorf("watch %s: %w", a.cfg.Dir, err)
	}

	go a.uploadLoop(ctx)
	log.Printf("[archive %s] observando %s", a.cfg.CameraID, a.cfg.Dir)

	defer func() {
		close(a.jobs)
		<-a.done
	}()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if ev.Has(fsnotify.Create) {
				a.segmentOpened(ev.Name)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Printf("[archive %s] erro no watcher: %v", a.cfg.CameraID, err)
		}
	}
}

// segmentOpened fecha o segmento anterior: o fim dele é o início do novo.
func (a *Archiver) segmentOpened(name string) {
	start, _, ok := ParseSegmentTime(a.cfg.CameraID, name)
	if !ok {
		return
	}
	a.mu.Lock()
	prev := a.current
	a.current = name
	a.mu.Unlock()

	if prev == "" || prev == name {
		return
	}
	select {
	case a.jobs <- job{path: prev, end: start}:
	default:
		log.Printf("[archive %s] fila cheia, %s fica só local", a.cfg.CameraID, prev)
	}
}

// Flush sobe o segmento corrente. Usado depois que o recorder parou.
func (a *Archiver) Flush(ctx context.Context) error {
	a.mu.Lock()
	cur := a.current
	a.current = ""
	a.mu.Unlock()
	if cur == "" {
		return nil
	}
	return a.Archive(ctx, cur, a.now())
}

// uploadLoop drena a fila mesmo depois de ctx cancelado.
func (a *Archiver) uploadLoop(ctx context.Context) {
	defer close(a.done)
	ctx = context.WithoutCancel(ctx)
	for j := range a.jobs {
		if err := a.Archive(ctx, j.path, j.end); err != nil {
			log.Printf("[archive %s] %v", a.cfg.CameraID, err)
		}
	}
}

// Archive sobe o segmento e o sidecar de movimento.
func (a *Archiver) Archive(ctx context.Context, segment string, end time.Time) error {
	start, _, ok := ParseSegmentTime(a.cfg.CameraID, segment)
	if !ok {
		return fmt.Errorf("nome de segmento inesperado: %s", segment)
	}
	key := a.Key(segment, start)

	side := Sidecar{
		CameraID: a.cfg.CameraID,
		Segment:  key,
		Start:    start,
		End:      end,
		Motion:   a.annot.Annotations(start, end),
	}
	if side.Motion == nil {
		side.Motion = []recorder.Window{}
	}
	raw, err := json.Marshal(side)
	if err != nil {
		return fmt.Errorf("marshal sidecar: %w", err)
	}

	err = a.retry(ctx, func() error { return a.store.PutFile(ctx, key, segment, "video/mp4") })
	if err != nil {
		return fmt.Errorf("upload %s: %w", segment, err)
	}
	err = a.retry(ctx, func() error { return a.store.PutBytes(ctx, key+".motion.json", raw, "application/json") })
	if err != nil {
		return fmt.Errorf("upload sidecar %s: %w", key, err)
	}
	log.Printf("[archive %s] %s enviado (%d janelas de movimento)", a.cfg.CameraID, key, len(side.Motion))

	if a.cfg.RemoveLocal {
		if err := os.Remove(segment); err != nil {
			log.Printf("[archive %s] remover %s: %v", a.cfg.CameraID, segment, err)
		}
	}
	return nil
}

func (a *Archiver) retry(ctx context.Context, fn func() error) error {
	var err error
	wait := 500 * time.Millisecond
	for attempt := 1; attempt <= a.cfg.Retries; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == a.cfg.Retries {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
		wait *= 2
	}
	return err
}
