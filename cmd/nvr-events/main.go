// cmd/nvr-events/main.go
//
// Assina os eventos e status publicados pelo nvr-supervisor e imprime no
// log. Útil para depurar câmeras em campo.
package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/sua-org/nvr-supervisor/internal/config"
	"github.com/sua-org/nvr-supervisor/internal/mqttclient"
)

func main() {
	_ = godotenv.Load()

	baseTopic := config.Getenv("MQTT_BASE_TOPIC", "nvr/cameras")

	// <base>/<camera>/events/<kind>
	topics := []string{baseTopic + "/+/events/#"}
	if config.EnvBool("NVR_EVENTS_STATUS", false) {
		topics = append(topics, baseTopic+"/+/status")
	}
	if t := os.Getenv("MQTT_DEBUG_TOPIC"); t != "" {
		topics = []string{t}
	}

	mqttCli, err := mqttclient.NewClientFromEnv("nvr-events")
	if err != nil {
		log.Fatalf("erro ao conectar no MQTT: %v", err)
	}
	defer mqttCli.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for _, topic := range topics {
		if err := mqttCli.Subscribe(topic, 1, handleMessage); err != nil {
			log.Fatalf("erro ao assinar tópico %s: %v", topic, err)
		}
		log.Printf("[events] assinado: %s", topic)
	}

	go func() {
		<-sig
		log.Println("[events] sinal recebido, encerrando...")
		cancel()
	}()

	<-ctx.Done()
	time.Sleep(500 * time.Millisecond)
}

func handleMessage(topic string, payload []byte) {
	var raw map[string]any
	if err := json.Unmarshal(payload, &raw); err != nil {
		log.Printf("[events] %s: payload não é JSON (%d bytes): %s", topic, len(payload), string(payload))
		return
	}

	camera := getString(raw, "camera_id", "camera")
	kind := getString(raw, "kind", "state", "status")
	ts := getString(raw, "timestamp", "ts", "last_update")
	log.Printf("[EVENT] camera=%s kind=%s ts=%s topic=%s", camera, kind, ts, topic)

	if payloadField, ok := raw["payload"]; ok {
		pretty, _ := json.MarshalIndent(payloadField, "", "  ")
		log.Printf("[EVENT] payload:\n%s", string(pretty))
	}
}

func getString(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			if s, ok := v.(string); ok {
				return s
			}
		}
	}
	return ""
}
