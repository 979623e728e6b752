// Package config carrega a configuração do supervisor: parâmetros de
// processo pelo ambiente (.env) e a lista de câmeras por arquivo YAML.
package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/sua-org/nvr-supervisor/internal/backoff"
)

// Settings reúne os parâmetros ajustáveis por variável de ambiente.
type Settings struct {
	CamerasFile  string
	WorkerBinary string

	HeartbeatInterval time.Duration
	TimeoutMultiplier int
	TickInterval      time.Duration
	ShutdownTimeout   time.Duration
	StatusInterval    time.Duration
	ReloadPoll        time.Duration

	Backoff         backoff.Policy
	RecorderBackoff backoff.Policy

	StreamRetryInterval time.Duration
	RecordingsDir       string
	FFmpeg              string

	HTTPAddr      string
	MQTTBaseTopic string
	MQTTEnabled   bool
	NATSURL       string
	RedisAddr     string
	RedisTTL      time.Duration
}

// FromEnv lê Settings do ambiente, com os defaults documentados.
func FromEnv() Settings {
	return Settings{
		CamerasFile:  Getenv("NVR_CAMERAS_FILE", "config/cameras.yaml"),
		WorkerBinary: Getenv("NVR_WORKER_BINARY", defaultWorkerBinary()),

		HeartbeatInterval: EnvDuration("NVR_HEARTBEAT_INTERVAL", 5*time.Second),
		TimeoutMultiplier: EnvInt("NVR_HEARTBEAT_TIMEOUT_MULTIPLIER", 3),
		TickInterval:      EnvDuration("NVR_TICK_INTERVAL", time.Second),
		ShutdownTimeout:   EnvDuration("NVR_SHUTDOWN_TIMEOUT", 10*time.Second),
		StatusInterval:    EnvDuration("NVR_STATUS_INTERVAL", 30*time.Second),
		ReloadPoll:        EnvDuration("NVR_RELOAD_POLL_INTERVAL", 60*time.Second),

		Backoff: backoff.Policy{
			Base:        EnvDuration("NVR_BACKOFF_BASE", time.Second),
			Ceiling:     EnvDuration("NVR_BACKOFF_CEILING", 60*time.Second),
			Lookback:    EnvDuration("NVR_BACKOFF_LOOKBACK", 10*time.Minute),
			MaxFailures: EnvInt("NVR_BACKOFF_MAX_FAILURES", 5),
			Cooldown:    EnvDuration("NVR_BACKOFF_COOLDOWN", 2*time.Minute),
		},
		RecorderBackoff: backoff.Policy{
			Base:     EnvDuration("NVR_RECORDER_BACKOFF_BASE", 500*time.Millisecond),
			Ceiling:  EnvDuration("NVR_RECORDER_BACKOFF_CEILING", 5*time.Second),
			Lookback: EnvDuration("NVR_BACKOFF_LOOKBACK", 10*time.Minute),
			Cooldown: EnvDuration("NVR_BACKOFF_COOLDOWN", 2*time.Minute),
		},

		StreamRetryInterval: EnvDuration("NVR_STREAM_RETRY_INTERVAL", 3*time.Second),
		RecordingsDir:       Getenv("NVR_RECORDINGS_DIR", "recordings"),
		FFmpeg:              Getenv("NVR_FFMPEG", "ffmpeg"),

		HTTPAddr:      Getenv("NVR_HTTP_ADDR", ":8089"),
		MQTTBaseTopic: Getenv("MQTT_BASE_TOPIC", "nvr/cameras"),
		MQTTEnabled:   EnvBool("MQTT_ENABLED", os.Getenv("MQTT_HOST") != ""),
		NATSURL:       os.Getenv("NATS_URL"),
		RedisAddr:     os.Getenv("REDIS_ADDR"),
		RedisTTL:      EnvDuration("REDIS_STATUS_TTL", 2*time.Minute),
	}
}

// o worker é instalado ao lado do supervisor
func defaultWorkerBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return "camera-worker"
	}
	return filepath.Join(filepath.Dir(exe), "camera-worker")
}

func Getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func EnvInt(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}

// EnvDuration aceita "5s", "1m30s" ou um número puro em segundos ("2.5").
func EnvDuration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if d, err := time.ParseDuration(v); err == nil && d > 0 {
		return d
	}
	if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
		return time.Duration(f * float64(time.Second))
	}
	return def
}

func EnvBool(key string, def bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}
