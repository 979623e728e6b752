package protocol

import (
	"time"

	"github.com/sua-org/nvr-supervisor/internal/core"
)

// SchemaVersion é a versão do envelope. Mudou o formato, incrementa aqui.
const SchemaVersion = 1

type Kind string

const (
	KindHeartbeat Kind = "heartbeat"
	KindEvent     Kind = "event"
	KindCommand   Kind = "command"
)

// Envelope é o que trafega em cada frame.
type Envelope struct {
	Version int    `msgpack:"v"`
	Kind    Kind   `msgpack:"k"`
	Body    []byte `msgpack:"b"`
}

// Heartbeat é o único sinal de vida em que o supervisor confia.
type Heartbeat struct {
	Camera    string    `msgpack:"camera"`
	Session   string    `msgpack:"session"`
	Seq       uint64    `msgpack:"seq"`
	Timestamp time.Time `msgpack:"ts"`
	Alive     bool      `msgpack:"alive"`

	Motion     bool `msgpack:"motion"`    // pipeline de movimento rodando
	Recorder   bool `msgpack:"recorder"`  // subprocesso de gravação vivo
	SubStream  bool `msgpack:"sub"`
	MainStream bool `msgpack:"main"`
	Recording  bool `msgpack:"recording"` // gravação pedida (start_recording)

	RecorderRestarts int     `msgpack:"recorder_restarts"`
	FPS              float64 `msgpack:"fps"`
	Error            string  `msgpack:"error,omitempty"`
}

// Event sobe do worker e é repassado sem alteração.
type Event struct {
	Camera    string            `msgpack:"camera"`
	Session   string            `msgpack:"session"`
	Seq       uint64            `msgpack:"seq"`
	Kind      core.EventKind    `msgpack:"kind"`
	Timestamp time.Time         `msgpack:"ts"`
	Payload   map[string]string `msgpack:"payload,omitempty"`
}

func (e Event) Core() core.Event {
	return core.Event{
		CameraID:  e.Camera,
		Session:   e.Session,
		Seq:       e.Seq,
		Kind:      e.Kind,
		Timestamp: e.Timestamp,
		Payload:   e.Payload,
	}
}

// CommandMessage desce do supervisor para o worker.
type CommandMessage struct {
	Camera  string            `msgpack:"camera"`
	Session string            `msgpack:"session"`
	Verb    Verb              `msgpack:"verb"`
	Params  map[string]string `msgpack:"params,omitempty"`
}
