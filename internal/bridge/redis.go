package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/health"
	"github.com/sua-org/nvr-supervisor/internal/supervisor"
)

const (
	recentEvents  = 100
	redisDeadline = 2 * time.Second
)

// RedisMirror espelha o status no Redis para leitores que não falam MQTT.
//
//	nvr:status:<camera>   hash, expira em TTL
//	nvr:collector         hash, expira em TTL
//	nvr:events:<camera>   lista com os últimos eventos (JSON)
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
}

func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
}

func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	if ttl <= 0 {
		ttl = 2 * time.Minute
	}
	return &RedisMirror{client: client, ttl: ttl}
}

func StatusKey(cameraID string) string { return "nvr:status:" + cameraID }
func EventsKey(cameraID string) string { return "nvr:events:" + cameraID }

// PublishStatus implementa supervisor.StatusSink.
func (m *RedisMirror) PublishStatus(host supervisor.HostStatus, workers []health.Status) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisDeadline)
	defer cancel()

	pipe := m.client.Pipeline()
	pipe.HSet(ctx, "nvr:collector",
		"hostname", host.Hostname,
		"workers", host.Workers,
		"running", host.Running,
		"cpu_percent", host.CPUPercent,
		"memory_rss_bytes", host.MemRSSBytes,
		"timestamp", host.Timestamp.UTC().Format(time.RFC3339),
	)
	pipe.Expire(ctx, "nvr:collector", m.ttl)

	for _, st := range workers {
		key := StatusKey(st.CameraID)
		pipe.HSet(ctx, key,
			"state", string(st.State),
			"state_since", st.StateSince.UTC().Format(time.RFC3339),
			"pid", st.PID,
			"session", st.Session,
			"last_seq", strconv.FormatUint(st.LastSeq, 10),
			"restart_count", st.RestartCount,
			"recorder_restarts", st.RecorderRestarts,
			"recorder_up", st.RecorderUp,
			"motion_up", st.MotionUp,
			"sub_stream_up", st.SubStreamUp,
			"main_stream_up", st.MainStreamUp,
			"recording", st.Recording,
			"last_error", st.LastError,
		)
		pipe.Expire(ctx, key, m.ttl)
	}

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis status mirror: %w", err)
	}
	return nil
}

// Publish implementa events.Sink: mantém os últimos eventos por câmera.
func (m *RedisMirror) Publish(ev core.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisDeadline)
	defer cancel()

	key := EventsKey(ev.CameraID)
	pipe := m.client.Pipeline()
	pipe.LPush(ctx, key, raw)
	pipe.LTrim(ctx, key, 0, recentEvents-1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis event mirror: %w", err)
	}
	return nil
}

// Status lê o hash de uma câmera.
func (m *RedisMirror) Status(ctx context.Context, cameraID string) (map[string]string, error) {
	return m.client.HGetAll(ctx, StatusKey(cameraID)).Result()
}
