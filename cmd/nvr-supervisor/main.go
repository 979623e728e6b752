// cmd/nvr-supervisor/main.go
package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sua-org/nvr-supervisor/internal/bridge"
	"github.com/sua-org/nvr-supervisor/internal/config"
	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/events"
	"github.com/sua-org/nvr-supervisor/internal/health"
	"github.com/sua-org/nvr-supervisor/internal/httpapi"
	"github.com/sua-org/nvr-supervisor/internal/metrics"
	"github.com/sua-org/nvr-supervisor/internal/mqttclient"
	"github.com/sua-org/nvr-supervisor/internal/supervisor"
)

func main() {
	// Carrega .env na raiz (se não existir, só loga aviso)
	if err := godotenv.Load(); err != nil {
		log.Printf("[main] aviso: não foi possível carregar .env: %v", err)
	} else {
		log.Printf("[main] .env carregado com sucesso")
	}

	settings := config.FromEnv()

	specs, err := config.LoadCameras(settings.CamerasFile)
	if err != nil {
		log.Fatalf("erro ao carregar câmeras de %s: %v", settings.CamerasFile, err)
	}
	enabled := config.Enabled(specs)
	log.Printf("[main] %d câmeras configuradas, %d habilitadas", len(specs), len(enabled))

	m := metrics.New()
	bus := events.NewBus(events.NewDedup(4096, 10*time.Minute))

	sup := supervisor.New(supervisor.Config{
		HeartbeatInterval: settings.HeartbeatInterval,
		TimeoutMultiplier: settings.TimeoutMultiplier,
		TickInterval:      settings.TickInterval,
		ShutdownTimeout:   settings.ShutdownTimeout,
		StatusInterval:    settings.StatusInterval,
		Policy:            settings.Backoff,
		Observer:          m,
	}, supervisor.ExecLauncher{Binary: settings.WorkerBinary}, health.NewRegistry(), bus)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	sinks := []supervisor.StatusSink{m}

	// MQTT (opcional; se falhar, segue só com HTTP)
	if settings.MQTTEnabled {
		hostname, _ := os.Hostname()
		cfg := mqttclient.ConfigFromEnv("nvr-supervisor")
		cfg.WillTopic, cfg.WillPayload = bridge.CollectorWill(settings.MQTTBaseTopic, hostname)

		mqttCli, err := mqttclient.NewClient(cfg)
		if err != nil {
			log.Printf("[main] aviso: MQTT não inicializado: %v", err)
		} else {
			defer mqttCli.Close()
			br := bridge.NewMQTTBridge(mqttCli, settings.MQTTBaseTopic, sup)
			if err := br.SubscribeCommands(); err != nil {
				log.Printf("[main] aviso: sem comandos via MQTT: %v", err)
			}
			bus.Attach(ctx, "mqtt", br, 256)
			sinks = append(sinks, br)
		}
	}

	if settings.NATSURL != "" {
		nc, err := events.ConnectNATS(settings.NATSURL, "nvr-supervisor")
		if err != nil {
			log.Printf("[main] aviso: NATS não inicializado: %v", err)
		} else {
			defer nc.Close()
			prefix := config.Getenv("NATS_SUBJECT_PREFIX", "nvr.events")
			bus.Attach(ctx, "nats", events.NewNATSSink(nc, prefix, 3), 256)
		}
	}

	if settings.RedisAddr != "" {
		rdb := bridge.NewRedisClient(settings.RedisAddr, os.Getenv("REDIS_PASSWORD"))
		defer rdb.Close()
		mirror := bridge.NewRedisMirror(rdb, settings.RedisTTL)
		bus.Attach(ctx, "redis", mirror, 256)
		sinks = append(sinks, mirror)
	}

	spawnAll(sup, enabled)

	reloader := config.NewReloader(sup, enabled)
	watcher := &config.Watcher{
		Path:         settings.CamerasFile,
		PollInterval: settings.ReloadPoll,
		OnChange: func(next map[string]core.CameraSpec) {
			d := reloader.Apply(next)
			log.Printf("[main] reload: +%v -%v ~%v", d.Added, d.Removed, d.Changed)
		},
	}
	go watcher.Run(ctx)
	go reloader.Run(ctx, settings.TickInterval)

	api := httpapi.NewServer(sup, bus, m.Handler())
	go func() {
		if err := api.ListenAndServe(ctx, settings.HTTPAddr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Printf("[main] api terminou com erro: %v", err)
		}
	}()

	supDone := make(chan error, 1)
	go func() {
		supDone <- sup.Run(ctx, sinks...)
	}()

	select {
	case <-sig:
		log.Println("[main] sinal recebido, encerrando...")
	case err := <-supDone:
		log.Printf("[main] supervisor terminou antes do sinal: %v", err)
		return
	}
	cancel()
	if err := <-supDone; err != nil {
		log.Printf("[main] supervisor terminou com erro: %v", err)
	}
	// dá tempo dos sinks drenarem o último status
	time.Sleep(500 * time.Millisecond)
}

// spawnAll sobe as câmeras em ordem de id. Falha de spawn não derruba o
// resto: o worker fica em backoff e o supervisor tenta de novo.
func spawnAll(sup *supervisor.Supervisor, specs map[string]core.CameraSpec) {
	ids := make([]string, 0, len(specs))
	for id := range specs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := sup.Spawn(specs[id]); err != nil {
			log.Printf("[main] spawn %s: %v", id, err)
		}
	}
}
