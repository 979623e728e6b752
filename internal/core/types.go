// internal/core/types.go
package core

import (
	"slices"
	"strconv"
	"time"
)

// CameraSpec é a configuração estática de uma câmera. Imutável depois de
// carregada; o supervisor repassa uma cópia para o worker no spawn.
type CameraSpec struct {
	ID      string `yaml:"-" json:"id"`
	Name    string `yaml:"name" json:"name"`
	URL     string `yaml:"url" json:"url"`         // stream MAIN (gravação)
	SubURL  string `yaml:"sub_url" json:"sub_url"` // stream SUB (movimento)
	Enabled bool   `yaml:"enabled" json:"enabled"`

	Motion    MotionSpec    `yaml:"motion" json:"motion"`
	Recording RecordingSpec `yaml:"recording" json:"recording"`
}

type MotionSpec struct {
	Threshold int           `yaml:"threshold" json:"threshold"` // 0..255, diferença por pixel
	Area      int           `yaml:"area" json:"area"`           // pixels alterados para contar movimento
	Timeout   time.Duration `yaml:"timeout" json:"timeout"`     // tempo contínuo até confirmar
}

type RecordingSpec struct {
	PreRoll        time.Duration `yaml:"pre_roll" json:"pre_roll"`
	PostRoll       time.Duration `yaml:"post_roll" json:"post_roll"`
	FPS            int           `yaml:"fps" json:"fps"`
	Width          int           `yaml:"width" json:"width"`
	Height         int           `yaml:"height" json:"height"`
	SegmentSeconds int           `yaml:"segment_seconds" json:"segment_seconds"`
	Dir            string        `yaml:"dir,omitempty" json:"dir,omitempty"`
	ExtraArgs      []string      `yaml:"extra_args,omitempty" json:"extra_args,omitempty"`
}

// Equal diz se duas specs são equivalentes a ponto de não precisar
// reiniciar o worker num reload.
func (c CameraSpec) Equal(o CameraSpec) bool {
	return c.ID == o.ID &&
		c.Name == o.Name &&
		c.URL == o.URL &&
		c.SubURL == o.SubURL &&
		c.Enabled == o.Enabled &&
		c.Motion == o.Motion &&
		c.Recording.PreRoll == o.Recording.PreRoll &&
		c.Recording.PostRoll == o.Recording.PostRoll &&
		c.Recording.FPS == o.Recording.FPS &&
		c.Recording.Width == o.Recording.Width &&
		c.Recording.Height == o.Recording.Height &&
		c.Recording.SegmentSeconds == o.Recording.SegmentSeconds &&
		c.Recording.Dir == o.Recording.Dir &&
		slices.Equal(c.Recording.ExtraArgs, o.Recording.ExtraArgs)
}

// State é o estado do ciclo de vida de um worker visto pelo supervisor.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateUnhealthy  State = "unhealthy"
	StateCrashed    State = "crashed"
	StateBackoff    State = "backoff"
	StateStopping   State = "stopping"
	StateTerminated State = "terminated"
)

type EventKind string

const (
	EventMotionDetected          EventKind = "motion-detected"
	EventRecorderCrashed         EventKind = "recorder-crashed"
	EventStreamLost              EventKind = "stream-lost"
	EventStreamRestored          EventKind = "stream-restored"
	EventWorkerPermanentlyFailed EventKind = "worker-permanently-failed"
	EventWorkerExited            EventKind = "worker-exited"
)

type StreamRole string

const (
	StreamSub  StreamRole = "sub"
	StreamMain StreamRole = "main"
)

// Event é o evento publicado para consumidores externos (timeline, notificações).
// Vem do worker sem alteração; o supervisor só gera worker-permanently-failed
// e worker-exited.
type Event struct {
	CameraID  string            `json:"camera_id"`
	Session   string            `json:"session"`
	Seq       uint64            `json:"seq"`
	Kind      EventKind         `json:"kind"`
	Timestamp time.Time         `json:"timestamp"`
	Payload   map[string]string `json:"payload,omitempty"`
}

// DedupKey identifica o evento para consumidores com entrega at-least-once.
func (e Event) DedupKey() string {
	return e.CameraID + "|" + e.Session + "|" + string(e.Kind) + "|" + strconv.FormatUint(e.Seq, 10)
}
