package protocol

import (
	"errors"
	"fmt"
	"strings"
)

// Verb é o verbo do comando no fio. Dentro do código usamos Command.
type Verb string

const (
	VerbStartRecording Verb = "start_recording"
	VerbStopRecording  Verb = "stop_recording"
	VerbRestart        Verb = "restart"
	VerbShutdown       Verb = "shutdown"
)

var ErrUnknownVerb = errors.New("unknown command verb")

// ExitCodeRestart é o código com que o worker sai ao atender Restart. O
// supervisor recria o processo sem registrar falha.
const ExitCodeRestart = 75

// Command é a variante fechada de comandos. Decodificado uma vez na borda
// do canal; quem consome faz switch no tipo.
type Command interface {
	Verb() Verb
	isCommand()
}

type StartRecording struct {
	Params map[string]string
}

type StopRecording struct{}

// Restart pede ao worker que saia para ser recriado pelo supervisor, sem
// contar como falha.
type Restart struct {
	Reason string
}

// Shutdown encerra o worker de forma limpa (fecha o segmento em gravação).
type Shutdown struct {
	Reason string
}

func (StartRecording) Verb() Verb { return VerbStartRecording }
func (StopRecording) Verb() Verb  { return VerbStopRecording }
func (Restart) Verb() Verb        { return VerbRestart }
func (Shutdown) Verb() Verb       { return VerbShutdown }

func (StartRecording) isCommand() {}
func (StopRecording) isCommand()  {}
func (Restart) isCommand()        {}
func (Shutdown) isCommand()       {}

// ParseVerb aceita o verbo como vem de fora (HTTP, MQTT): case-insensitive,
// hífen ou underline.
func ParseVerb(s string) (Verb, error) {
	v := Verb(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	switch v {
	case VerbStartRecording, VerbStopRecording, VerbRestart, VerbShutdown:
		return v, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownVerb, s)
}

// NewCommand monta o Command a partir do verbo e parâmetros.
func NewCommand(verb Verb, params map[string]string) (Command, error) {
	switch verb {
	case VerbStartRecording:
		return StartRecording{Params: params}, nil
	case VerbStopRecording:
		return StopRecording{}, nil
	case VerbRestart:
		return Restart{Reason: params["reason"]}, nil
	case VerbShutdown:
		return Shutdown{Reason: params["reason"]}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownVerb, verb)
}

// Decode converte a mensagem do fio em Command.
func (m CommandMessage) Decode() (Command, error) {
	return NewCommand(m.Verb, m.Params)
}

// EncodeCommand monta a mensagem do fio para um Command.
func EncodeCommand(camera, session string, cmd Command) CommandMessage {
	msg := CommandMessage{Camera: camera, Session: session, Verb: cmd.Verb()}
	switch c := cmd.(type) {
	case StartRecording:
		msg.Params = c.Params
	case Restart:
		if c.Reason != "" {
			msg.Params = map[string]string{"reason": c.Reason}
		}
	case Shutdown:
		if c.Reason != "" {
			msg.Params = map[string]string{"reason": c.Reason}
		}
	}
	return msg
}
