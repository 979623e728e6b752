// Package protocol implementa o canal de mensagens entre supervisor e worker.
//
// Cada mensagem é um frame: 4 bytes big-endian com o tamanho, seguido de um
// Envelope em msgpack. O envelope carrega a versão do schema; o lado que
// recebe rejeita versões diferentes com ErrSchemaMismatch sem tentar
// interpretar o corpo. Frames inválidos são consumidos inteiros, então o
// fluxo continua sincronizado e quem chama só descarta a mensagem.
//
// O canal não faz retry. Heartbeat perdido parece worker lento até o
// timeout do supervisor disparar.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

const MaxFrameSize = 1 << 20

var (
	ErrSchemaMismatch = errors.New("schema version mismatch")
	ErrMalformed      = errors.New("malformed message")
	ErrFrameTooLarge  = errors.New("frame too large")
)

// IsProtocolError indica erro de uma mensagem só; o canal continua usável.
func IsProtocolError(err error) bool {
	return errors.Is(err, ErrSchemaMismatch) ||
		errors.Is(err, ErrMalformed) ||
		errors.Is(err, ErrFrameTooLarge) ||
		errors.Is(err, ErrUnknownVerb)
}

// Message é uma mensagem decodificada; só o campo do Kind vem preenchido.
type Message struct {
	Kind      Kind
	Heartbeat *Heartbeat
	Event     *Event
	Command   *CommandMessage
}

type readDeadliner interface {
	SetReadDeadline(t time.Time) error
}

type writeDeadliner interface {
	SetWriteDeadline(t time.Time) error
}

// Channel liga exatamente um supervisor a um worker. Send pode ser chamado
// de várias goroutines; Receive deve ter um único leitor.
type Channel struct {
	r io.Reader
	w io.Writer

	wmu          sync.Mutex
	writeTimeout time.Duration
	readTimeout  time.Duration
}

func NewChannel(r io.Reader, w io.Writer) *Channel {
	return &Channel{r: r, w: w}
}

// SetTimeouts aplica deadlines de leitura/escrita quando o transporte
// suporta (pipes do os e conexões de rede suportam).
func (c *Channel) SetTimeouts(read, write time.Duration) {
	c.readTimeout = read
	c.writeTimeout = write
}

func (c *Channel) SendHeartbeat(hb Heartbeat) error {
	return c.send(KindHeartbeat, &hb)
}

func (c *Channel) SendEvent(ev Event) error {
	return c.send(KindEvent, &ev)
}

func (c *Channel) SendCommand(cmd CommandMessage) error {
	return c.send(KindCommand, &cmd)
}

func (c *Channel) send(kind Kind, body any) error {
	if c.w == nil {
		return fmt.Errorf("channel has no writer")
	}
	raw, err := msgpack.Marshal(body)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}
	payload, err := msgpack.Marshal(&Envelope{Version: SchemaVersion, Kind: kind, Body: raw})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	frame := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(frame, uint32(len(payload)))
	copy(frame[4:], payload)

	c.wmu.Lock()
	defer c.wmu.Unlock()

	if d, ok := c.w.(writeDeadliner); ok && c.writeTimeout > 0 {
		_ = d.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer d.SetWriteDeadline(time.Time{})
	}
	if _, err := c.w.Write(frame); err != nil {
		return fmt.Errorf("write %s: %w", kind, err)
	}
	return nil
}

// Receive lê o próximo frame. Erros de IO (EOF, deadline) são devolvidos
// como estão; erros de protocolo satisfazem IsProtocolError.
func (c *Channel) Receive() (Message, error) {
	var header [4]byte

	d, hasDeadline := c.r.(readDeadliner)
	if hasDeadline && c.readTimeout > 0 {
		_ = d.SetReadDeadline(time.Now().Add(c.readTimeout))
	}
	if _, err := io.ReadFull(c.r, header[:]); err != nil {
		return Message{}, err
	}
	// o corpo já está a caminho; sem deadline para não quebrar o frame ao meio
	if hasDeadline && c.readTimeout > 0 {
		_ = d.SetReadDeadline(time.Time{})
	}

	size := binary.BigEndian.Uint32(header[:])
	if size > MaxFrameSize {
		if _, err := io.CopyN(io.Discard, c.r, int64(size)); err != nil {
			return Message{}, err
		}
		return Message{}, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, size)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(c.r, payload); err != nil {
		return Message{}, err
	}
	return Decode(payload)
}

// Decode interpreta o payload de um frame (sem o header de tamanho).
func Decode(payload []byte) (Message, error) {
	var env Envelope
	if err := msgpack.Unmarshal(payload, &env); err != nil {
		return Message{}, fmt.Errorf("%w: envelope: %v", ErrMalformed, err)
	}
	if env.Version != SchemaVersion {
		return Message{}, fmt.Errorf("%w: got v%d, want v%d", ErrSchemaMismatch, env.Version, SchemaVersion)
	}

	msg := Message{Kind: env.Kind}
	switch env.Kind {
	case KindHeartbeat:
		var hb Heartbeat
		if err := msgpack.Unmarshal(env.Body, &hb); err != nil {
			return Message{}, fmt.Errorf("%w: heartbeat: %v", ErrMalformed, err)
		}
		msg.Heartbeat = &hb
	case KindEvent:
		var ev Event
		if err := msgpack.Unmarshal(env.Body, &ev); err != nil {
			return Message{}, fmt.Errorf("%w: event: %v", ErrMalformed, err)
		}
		msg.Event = &ev
	case KindCommand:
		var cmd CommandMessage
		if err := msgpack.Unmarshal(env.Body, &cmd); err != nil {
			return Message{}, fmt.Errorf("%w: command: %v", ErrMalformed, err)
		}
		msg.Command = &cmd
	default:
		return Message{}, fmt.Errorf("%w: unknown kind %q", ErrMalformed, env.Kind)
	}
	return msg, nil
}

// Close fecha os dois lados quando são io.Closer.
func (c *Channel) Close() error {
	var errs []error
	if cl, ok := c.w.(io.Closer); ok {
		errs = append(errs, cl.Close())
	}
	if cl, ok := c.r.(io.Closer); ok {
		errs = append(errs, cl.Close())
	}
	return errors.Join(errs...)
}
