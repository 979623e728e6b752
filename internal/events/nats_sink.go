package events

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/sua-org/nvr-supervisor/internal/core"
)

// Publisher é o pedaço de *nats.Conn que o sink usa.
type Publisher interface {
	Publish(subject string, data []byte) error
}

// NATSSink publica cada evento em <prefix>.<camera>.<kind>.
type NATSSink struct {
	conn       Publisher
	prefix     string
	maxRetries int
	retryWait  time.Duration
}

func NewNATSSink(conn Publisher, prefix string, maxRetries int) *NATSSink {
	if prefix == "" {
		prefix = "nvr.events"
	}
	return &NATSSink{conn: conn, prefix: prefix, maxRetries: maxRetries, retryWait: 100 * time.Millisecond}
}

// ConnectNATS abre a conexão com reconexão infinita.
func ConnectNATS(url, name string) (*nats.Conn, error) {
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

var subjectToken = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

func (s *NATSSink) Subject(ev core.Event) string {
	return s.prefix + "." + subjectToken.Replace(ev.CameraID) + "." + string(ev.Kind)
}

func (s *NATSSink) Publish(ev core.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal error: %w", err)
	}

	subject := s.Subject(ev)
	for i := 0; i <= s.maxRetries; i++ {
		err = s.conn.Publish(subject, data)
		if err == nil {
			return nil
		}
		time.Sleep(time.Duration(i+1) * s.retryWait)
	}
	return fmt.Errorf("publish %s failed after %d retries: %w", subject, s.maxRetries, err)
}
