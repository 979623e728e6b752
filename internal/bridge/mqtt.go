// Package bridge liga o supervisor a superfícies externas: status e eventos
// por MQTT (com comandos de volta) e espelho de status no Redis.
package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/health"
	"github.com/sua-org/nvr-supervisor/internal/mqttclient"
	"github.com/sua-org/nvr-supervisor/internal/protocol"
	"github.com/sua-org/nvr-supervisor/internal/supervisor"
)

// Publisher é o pedaço do mqttclient.Client usado aqui.
type Publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Subscribe(topic string, qos byte, handler mqttclient.Handler) error
}

// Dispatcher recebe os comandos vindos do broker.
type Dispatcher interface {
	Dispatch(cameraID string, cmd protocol.Command) error
}

// MQTTBridge publica (retained) o status de cada câmera e do collector,
// publica eventos e roteia comandos para o supervisor.
//
//	<base>/<camera>/status            retained
//	<base>/<camera>/events/<kind>
//	<base>/<camera>/command           entrada
//	<base>/<camera>/command/result
//	<base>/_collector/status          retained
type MQTTBridge struct {
	pub        Publisher
	base       string
	dispatcher Dispatcher

	mu    sync.Mutex
	known map[string]bool
}

func NewMQTTBridge(pub Publisher, baseTopic string, dispatcher Dispatcher) *MQTTBridge {
	return &MQTTBridge{
		pub:        pub,
		base:       strings.TrimSuffix(baseTopic, "/"),
		dispatcher: dispatcher,
		known:      make(map[string]bool),
	}
}

func (b *MQTTBridge) StatusTopic(cameraID string) string {
	return fmt.Sprintf("%s/%s/status", b.base, cameraID)
}

func (b *MQTTBridge) EventTopic(ev core.Event) string {
	return fmt.Sprintf("%s/%s/events/%s", b.base, ev.CameraID, ev.Kind)
}

func (b *MQTTBridge) CommandTopic(cameraID string) string {
	return fmt.Sprintf("%s/%s/command", b.base, cameraID)
}

func (b *MQTTBridge) CollectorTopic() string {
	return b.base + "/_collector/status"
}

// CollectorWill é o last will do collector: offline, retained.
func CollectorWill(baseTopic, hostname string) (string, []byte) {
	payload, _ := json.Marshal(map[string]any{
		"collector": "nvr-supervisor",
		"status":    "offline",
		"hostname":  hostname,
	})
	return strings.TrimSuffix(baseTopic, "/") + "/_collector/status", payload
}

// PublishStatus implementa supervisor.StatusSink.
func (b *MQTTBridge) PublishStatus(host supervisor.HostStatus, workers []health.Status) error {
	var errs []error
	if err := b.publishCollector(host); err != nil {
		errs = append(errs, err)
	}

	seen := make(map[string]bool, len(workers))
	for _, st := range workers {
		seen[st.CameraID] = true
		if err := b.publishCamera(st, host.Timestamp); err != nil {
			errs = append(errs, err)
		}
	}

	// câmera que saiu do registro fica com status terminal retido
	b.mu.Lock()
	var gone []string
	for id := range b.known {
		if !seen[id] {
			gone = append(gone, id)
		}
	}
	b.known = seen
	b.mu.Unlock()

	for _, id := range gone {
		st := health.Status{CameraID: id, State: core.StateTerminated, StateSince: host.Timestamp}
		if err := b.publishCamera(st, host.Timestamp); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (b *MQTTBridge) publishCollector(host supervisor.HostStatus) error {
	payload := map[string]any{
		"collector":        "nvr-supervisor",
		"status":           "online",
		"timestamp":        host.Timestamp.UTC().Format(time.RFC3339),
		"hostname":         host.Hostname,
		"workers":          host.Workers,
		"running":          host.Running,
		"cpu_percent":      host.CPUPercent,
		"memory_percent":   host.MemPercent,
		"memory_rss_bytes": host.MemRSSBytes,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal collector status: %w", err)
	}
	topic := b.CollectorTopic()
	if err := b.pub.Publish(topic, 1, true, raw); err != nil {
		return fmt.Errorf("publish collector status to %s: %w", topic, err)
	}
	return nil
}

func (b *MQTTBridge) publishCamera(st health.Status, now time.Time) error {
	payload := map[string]any{
		"camera_id":         st.CameraID,
		"status":            string(st.State),
		"timestamp":         now.UTC().Format(time.RFC3339),
		"restart_count":     st.RestartCount,
		"recorder_restarts": st.RecorderRestarts,
		"motion_up":         st.MotionUp,
		"recorder_up":       st.RecorderUp,
		"sub_stream_up":     st.SubStreamUp,
		"main_stream_up":    st.MainStreamUp,
		"recording":         st.Recording,
	}
	if !st.StateSince.IsZero() {
		payload["status_since"] = st.StateSince.UTC().Format(time.RFC3339)
	}
	if !st.LastHeartbeat.IsZero() {
		payload["last_heartbeat"] = st.LastHeartbeat.UTC().Format(time.RFC3339)
		payload["heartbeat_age_seconds"] = st.HeartbeatAge(now).Seconds()
	}
	if !st.NextRestart.IsZero() && st.State == core.StateBackoff {
		payload["next_restart"] = st.NextRestart.UTC().Format(time.RFC3339)
	}
	if st.LastError != "" {
		payload["status_reason"] = st.LastError
	}
	if st.PID > 0 {
		payload["pid"] = st.PID
		payload["cpu_percent"] = st.CPUPercent
		payload["memory_rss_bytes"] = st.MemRSSBytes
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal camera status: %w", err)
	}
	topic := b.StatusTopic(st.CameraID)
	if err := b.pub.Publish(topic, 1, true, raw); err != nil {
		return fmt.Errorf("publish camera status to %s: %w", topic, err)
	}
	return nil
}

// Publish implementa events.Sink.
func (b *MQTTBridge) Publish(ev core.Event) error {
	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return b.pub.Publish(b.EventTopic(ev), 1, false, raw)
}

type commandRequest struct {
	Command string            `json:"command"`
	Params  map[string]string `json:"params,omitempty"`
}

type commandResult struct {
	Command string `json:"command"`
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
}

// SubscribeCommands assina <base>/+/command.
func (b *MQTTBridge) SubscribeCommands() error {
	topic := b.base + "/+/command"
	log.Printf("[mqtt] assinando comandos em %s", topic)
	return b.pub.Subscribe(topic, 1, b.handleCommand)
}

func (b *MQTTBridge) handleCommand(topic string, payload []byte) {
	rest := strings.TrimPrefix(topic, b.base+"/")
	cameraID := strings.TrimSuffix(rest, "/command")
	if rest == topic || cameraID == rest || cameraID == "" || strings.Contains(cameraID, "/") {
		log.Printf("[mqtt] tópico de comando inválido: %s", topic)
		return
	}

	var req commandRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		log.Printf("[mqtt] JSON inválido em %s: %v", topic, err)
		b.reply(cameraID, commandResult{Status: "rejected", Error: "invalid json"})
		return
	}

	res := commandResult{Command: req.Command, Status: "queued"}
	verb, err := protocol.ParseVerb(req.Command)
	if err == nil {
		var cmd protocol.Command
		if cmd, err = protocol.NewCommand(verb, req.Params); err == nil {
			err = b.dispatcher.Dispatch(cameraID, cmd)
		}
	}
	if err != nil {
		log.Printf("[mqtt] comando %q para %s rejeitado: %v", req.Command, cameraID, err)
		res.Status = "rejected"
		res.Error = err.Error()
	}
	b.reply(cameraID, res)
}

func (b *MQTTBridge) reply(cameraID string, res commandResult) {
	raw, _ := json.Marshal(res)
	topic := b.CommandTopic(cameraID) + "/result"
	if err := b.pub.Publish(topic, 1, false, raw); err != nil {
		log.Printf("[mqtt] falha ao publicar resultado em %s: %v", topic, err)
	}
}
