package supervisor

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"os/exec"
	"sync"
	"time"

	"github.com/sua-org/nvr-supervisor/internal/core"
	"github.com/sua-org/nvr-supervisor/internal/protocol"
)

// Variáveis de ambiente que o worker lê no boot.
const (
	EnvCameraSpec = "NVR_CAMERA_SPEC"
	EnvSession    = "NVR_SESSION"
)

// Process é o processo worker visto pelo supervisor.
type Process interface {
	PID() int
	Channel() *protocol.Channel
	// Exited não bloqueia: devolve o código de saída quando já saiu.
	Exited() (code int, exited bool)
	Kill() error
}

// Launcher cria o processo worker de uma câmera.
type Launcher interface {
	Launch(spec core.CameraSpec, session string) (Process, error)
}

// ExecLauncher executa o binário do worker. stdin leva comandos, stdout
// traz heartbeats/eventos e stderr é copiado para o log do supervisor.
type ExecLauncher struct {
	Binary       string
	Args         []string
	Env          []string // extra, além do ambiente do supervisor
	WriteTimeout time.Duration
}

func (l ExecLauncher) Launch(spec core.CameraSpec, session string) (Process, error) {
	raw, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("marshal spec: %w", err)
	}

	cmd := exec.Command(l.Binary, l.Args...)
	cmd.Env = append(os.Environ(), l.Env...)
	cmd.Env = append(cmd.Env, EnvCameraSpec+"="+string(raw), EnvSession+"="+session)

	// Pipes do os em vez de StdinPipe/StdoutPipe: o lado do supervisor aceita
	// deadline de escrita e o Wait não fecha o stdout antes da leitura acabar.
	inR, inW, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	outR, outW, err := os.Pipe()
	if err != nil {
		inR.Close()
		inW.Close()
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stdin = inR
	cmd.Stdout = outW
	stderr, err := cmd.StderrPipe()
	if err != nil {
		closeAll(inR, inW, outR, outW)
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		closeAll(inR, inW, outR, outW)
		return nil, fmt.Errorf("start %s: %w", l.Binary, err)
	}
	// as pontas do filho ficam só com ele
	closeAll(inR, outW)

	stdout := &eofReader{f: outR, done: make(chan struct{})}
	ch := protocol.NewChannel(stdout, inW)
	wt := l.WriteTimeout
	if wt <= 0 {
		wt = 2 * time.Second
	}
	ch.SetTimeouts(0, wt)

	p := &execProcess{cmd: cmd, ch: ch, stdin: inW, stdout: stdout, done: make(chan struct{})}
	go copyLogs(spec.ID, stderr)
	go p.wait()
	return p, nil
}

func closeAll(files ...*os.File) {
	for _, f := range files {
		_ = f.Close()
	}
}

func copyLogs(cameraID string, r io.Reader) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		log.Printf("[worker %s] %s", cameraID, sc.Text())
	}
}

// eofReader marca done quando a leitura do stdout do worker termina.
type eofReader struct {
	f    *os.File
	once sync.Once
	done chan struct{}
}

func (r *eofReader) Read(b []byte) (int, error) {
	n, err := r.f.Read(b)
	if err != nil {
		r.once.Do(func() { close(r.done) })
	}
	return n, err
}

// drainTimeout limita a espera pelo EOF do stdout depois da saída do
// processo (algum neto pode ter herdado o descritor).
const drainTimeout = 2 * time.Second

type execProcess struct {
	cmd    *exec.Cmd
	ch     *protocol.Channel
	stdin  *os.File
	stdout *eofReader

	done chan struct{}
	mu   sync.Mutex
	code int
}

// wait só publica a saída depois que o leitor consumiu tudo o que o worker
// escreveu, então as últimas mensagens chegam antes do Exited.
func (p *execProcess) wait() {
	err := p.cmd.Wait()
	code := 0
	if err != nil {
		code = -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		}
	}

	select {
	case <-p.stdout.done:
	case <-time.After(drainTimeout):
		log.Printf("[supervisor] stdout do pid %d sem EOF após a saída, fechando", p.cmd.Process.Pid)
	}
	_ = p.stdout.f.Close()
	_ = p.stdin.Close()

	p.mu.Lock()
	p.code = code
	p.mu.Unlock()
	close(p.done)
}

func (p *execProcess) PID() int                   { return p.cmd.Process.Pid }
func (p *execProcess) Channel() *protocol.Channel { return p.ch }

func (p *execProcess) Exited() (int, bool) {
	select {
	case <-p.done:
		p.mu.Lock()
		defer p.mu.Unlock()
		return p.code, true
	default:
		return 0, false
	}
}

func (p *execProcess) Kill() error {
	if _, exited := p.Exited(); exited {
		return nil
	}
	return p.cmd.Process.Kill()
}
