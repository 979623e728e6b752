// cmd/camera-worker/main.go
//
// Processo de uma câmera. Iniciado pelo nvr-supervisor: a câmera vem em
// NVR_CAMERA_SPEC (JSON) e a sessão em NVR_SESSION. Comandos chegam por
// stdin, heartbeats/eventos saem por stdout e o log vai para stderr.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sua-org/nvr-supervisor/internal/archive"
	"github.com/sua-org/nvr-supervisor/internal/config"
	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/protocol"
	"github.com/sua-org/nvr-supervisor/internal/supervisor"
	"github.com/sua-org/nvr-supervisor/internal/worker"
)

func main() {
	// stdout é do protocolo; nada de log lá
	log.SetOutput(os.Stderr)
	log.SetFlags(log.Ltime | log.Lmicroseconds)

	os.Exit(run())
}

func run() int {
	var spec core.CameraSpec
	if err := json.Unmarshal([]byte(os.Getenv(supervisor.EnvCameraSpec)), &spec); err != nil {
		log.Printf("[worker] %s inválido: %v", supervisor.EnvCameraSpec, err)
		return worker.ExitFailure
	}
	session := os.Getenv(supervisor.EnvSession)
	if spec.ID == "" || session == "" {
		log.Printf("[worker] faltando câmera ou sessão no ambiente")
		return worker.ExitFailure
	}

	settings := config.FromEnv()
	opts := worker.Options{
		HeartbeatInterval:   settings.HeartbeatInterval,
		StreamRetryInterval: settings.StreamRetryInterval,
		FFmpeg:              settings.FFmpeg,
		RecordingsDir:       settings.RecordingsDir,
		RecorderPolicy:      settings.RecorderBackoff,
	}

	ch := protocol.NewChannel(os.Stdin, os.Stdout)
	w := worker.New(spec, session, ch, opts, worker.Deps{})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Encerramento cooperativo é só o comando shutdown do canal. Sinal direto
	// fecha o segmento e sai com 128+sinal, então o supervisor vê crash e
	// reinicia a câmera.
	sig := make(chan os.Signal, 1)
	signaled := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		s := <-sig
		log.Printf("[worker %s] sinal %v recebido, encerrando", spec.ID, s)
		signaled <- s
		cancel()
	}()

	arch := startArchive(ctx, spec, settings.RecordingsDir, w)

	code := w.Run(ctx)
	select {
	case s := <-signaled:
		code = worker.SignalExitCode(s)
	default:
	}

	if arch != nil {
		cancel()
		<-arch.done
		flushCtx, flushCancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := arch.Flush(flushCtx); err != nil {
			log.Printf("[archive %s] último segmento: %v", spec.ID, err)
		}
		flushCancel()
	}
	return code
}

type runningArchive struct {
	*archive.Archiver
	done chan struct{}
}

// startArchive liga o envio dos segmentos ao MinIO quando há credenciais.
func startArchive(ctx context.Context, spec core.CameraSpec, defaultDir string, w *worker.Worker) *runningArchive {
	if !archive.Enabled() {
		return nil
	}
	store, err := archive.NewMinioStoreFromEnv()
	if err != nil {
		log.Printf("[worker %s] aviso: MinIO não inicializado, gravação fica só local: %v", spec.ID, err)
		return nil
	}
	dir := spec.Recording.Dir
	if dir == "" {
		dir = defaultDir
	}
	a := archive.New(archive.Config{
		CameraID:    spec.ID,
		Dir:         dir,
		Prefix:      config.Getenv("MINIO_PREFIX", "recordings"),
		RemoveLocal: config.EnvBool("MINIO_REMOVE_LOCAL", false),
	}, store, w.Recorder())

	ra := &runningArchive{Archiver: a, done: make(chan struct{})}
	go func() {
		defer close(ra.done)
		if err := a.Run(ctx); err != nil {
			log.Printf("[archive %s] %v", spec.ID, err)
		}
	}()
	return ra
}
