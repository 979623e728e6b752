package worker

import (
	"context"
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/stream"
)

// subLoop mantém o stream SUB aberto e roda o detector de movimento.
func (w *Worker) subLoop(ctx context.Context) {
	url := w.spec.SubURL
	if url == "" {
		url = w.spec.URL
	}
	det := &stream.Detector{
		Threshold: w.spec.Motion.Threshold,
		Area:      w.spec.Motion.Area,
		Timeout:   w.spec.Motion.Timeout,
	}

	for ctx.Err() == nil {
		src, err := w.openSource(ctx, url)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.setMotion(false)
			w.setStream(core.StreamSub, false, err)
			sleepCtx(ctx, w.opts.StreamRetryInterval)
			continue
		}

		w.setStream(core.StreamSub, true, nil)
		w.setMotion(true)
		det.Reset()

		err = w.analyze(ctx, src, det)
		_ = src.Close()
		w.setMotion(false)
		if ctx.Err() != nil {
			return
		}
		w.setStream(core.StreamSub, false, err)
		sleepCtx(ctx, w.opts.StreamRetryInterval)
	}
}

func (w *Worker) openSource(ctx context.Context, url string) (stream.Source, error) {
	openCtx, cancel := context.WithTimeout(ctx, w.opts.OpenTimeout)
	defer cancel()
	return w.openSub(openCtx, url)
}

// analyze lê quadros até o stream falhar. Panic no detector vira erro do
// pipeline de movimento e não derruba o processo (nem a gravação).
func (w *Worker) analyze(ctx context.Context, src stream.Source, det *stream.Detector) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("motion pipeline panic: %v", r)
			log.Printf("[worker %s] %v", w.spec.ID, err)
		}
	}()

	frames := 0
	windowStart := time.Now()
	for {
		fctx, cancel := context.WithTimeout(ctx, w.opts.FrameTimeout)
		f, err := src.Next(fctx)
		cancel()
		if err != nil {
			return err
		}

		frames++
		if el := time.Since(windowStart); el >= 2*time.Second {
			w.mu.Lock()
			w.fps = float64(frames) / el.Seconds()
			w.mu.Unlock()
			frames = 0
			windowStart = time.Now()
		}

		res := det.Feed(f)
		if res.Confirmed {
			w.rec.MarkMotion(f.At)
			w.emit(core.EventMotionDetected, map[string]string{
				"changed_pixels": strconv.Itoa(res.Changed),
			})
		} else if res.Motion && det.Active() {
			w.rec.MarkMotion(f.At)
		}
	}
}

func (w *Worker) setMotion(up bool) {
	w.mu.Lock()
	w.motionUp = up
	if !up {
		w.fps = 0
	}
	w.mu.Unlock()
}

// mainLoop acompanha o MAIN e reconcilia o recorder com o desejado. O
// restart do ffmpeg após crash é do próprio recorder.
func (w *Worker) mainLoop(ctx context.Context) {
	ticker := time.NewTicker(w.opts.StreamRetryInterval)
	defer ticker.Stop()

	for {
		w.reconcileMain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		case <-w.pokeMain:
		}
	}
}

func (w *Worker) reconcileMain(ctx context.Context) {
	w.mu.Lock()
	want := w.wantRecording
	params := w.recordParams
	w.mu.Unlock()

	st := w.rec.State()
	if !want && st.Recording {
		stopCtx, cancel := context.WithTimeout(context.Background(), w.opts.StopTimeout)
		defer cancel()
		if err := w.rec.Stop(stopCtx); err != nil {
			log.Printf("[worker %s] stop_recording: %v", w.spec.ID, err)
		}
	}

	if err := w.probeMain(ctx, w.spec.URL, w.opts.OpenTimeout); err != nil {
		if ctx.Err() != nil {
			return
		}
		w.setStream(core.StreamMain, false, err)
		return
	}
	w.setStream(core.StreamMain, true, nil)

	if want && !st.Recording {
		if err := w.rec.Start(params); err != nil {
			log.Printf("[worker %s] recorder não iniciou: %v", w.spec.ID, err)
			w.mu.Lock()
			w.lastErr = err.Error()
			w.mu.Unlock()
		}
	}
}
