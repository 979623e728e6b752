package recorder

import (
	"fmt"
	"io"
	"os"
	"os/exec"
)

// Process é um subprocesso de gravação em execução.
type Process interface {
	PID() int
	// Wait bloqueia até o processo sair. Chamado uma única vez, pelo monitor.
	Wait() error
	// Interrupt pede encerramento limpo (ffmpeg fecha o segmento atual).
	Interrupt() error
	Kill() error
}

// Runner cria subprocessos. Em produção é o ExecRunner; nos testes, um fake.
type Runner interface {
	Run(name string, args []string) (Process, error)
}

// ExecRunner roda o comando de verdade via os/exec.
type ExecRunner struct {
	Stdout io.Writer
	Stderr io.Writer
}

func (r ExecRunner) Run(name string, args []string) (Process, error) {
	cmd := exec.Command(name, args...)
	cmd.Stdout = r.Stdout
	cmd.Stderr = r.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", name, err)
	}
	return &execProcess{cmd: cmd, stdin: stdin}, nil
}

type execProcess struct {
	cmd   *exec.Cmd
	stdin io.WriteCloser
}

func (p *execProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

func (p *execProcess) Wait() error {
	return p.cmd.Wait()
}

// Interrupt manda "q" no stdin, que é como o ffmpeg encerra fechando o arquivo.
func (p *execProcess) Interrupt() error {
	_, err := io.WriteString(p.stdin, "q\n")
	_ = p.stdin.Close()
	return err
}

func (p *execProcess) Kill() error {
	if p.cmd.Process == nil {
		return nil
	}
	return p.cmd.Process.Kill()
}
