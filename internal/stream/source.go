package stream

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os/exec"
	"strconv"
	"sync"
	"time"
)

// Frame é um quadro em tons de cinza, um byte por pixel.
type Frame struct {
	Width  int
	Height int
	Pix    []byte
	At     time.Time
}

// Source entrega quadros do stream SUB.
type Source interface {
	Next(ctx context.Context) (Frame, error)
	Close() error
}

// Opener abre uma Source para a URL dada.
type Opener func(ctx context.Context, url string) (Source, error)

var ErrClosed = errors.New("source closed")

// FFmpegOptions controla a decodificação do SUB.
type FFmpegOptions struct {
	Command string
	Width   int // largura de análise; altura derivada do aspecto
	Height  int
	FPS     int
}

// FFmpegOpener devolve um Opener que decodifica o stream com ffmpeg para
// rawvideo gray na resolução de análise.
func FFmpegOpener(opts FFmpegOptions) Opener {
	if opts.Command == "" {
		opts.Command = "ffmpeg"
	}
	if opts.Width <= 0 || opts.Height <= 0 {
		opts.Width, opts.Height = 320, 180
	}
	if opts.FPS <= 0 {
		opts.FPS = 5
	}
	return func(ctx context.Context, url string) (Source, error) {
		return startFFmpeg(opts, url)
	}
}

type ffmpegSource struct {
	cmd    *exec.Cmd
	width  int
	height int

	frames chan Frame
	done   chan struct{}
	once   sync.Once

	mu  sync.Mutex
	err error
}

func startFFmpeg(opts FFmpegOptions, url string) (*ffmpegSource, error) {
	cmd := exec.Command(opts.Command,
		"-hide_banner", "-loglevel", "error",
		"-rtsp_transport", "tcp",
		"-i", url,
		"-an",
		"-vf", fmt.Sprintf("scale=%d:%d", opts.Width, opts.Height),
		"-r", strconv.Itoa(opts.FPS),
		"-pix_fmt", "gray",
		"-f", "rawvideo",
		"pipe:1",
	)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start %s: %w", opts.Command, err)
	}

	s := &ffmpegSource{
		cmd:    cmd,
		width:  opts.Width,
		height: opts.Height,
		frames: make(chan Frame, 1),
		done:   make(chan struct{}),
	}
	go s.readLoop(bufio.NewReaderSize(stdout, opts.Width*opts.Height))
	return s, nil
}

func (s *ffmpegSource) readLoop(r io.Reader) {
	defer close(s.frames)
	size := s.width * s.height
	for {
		pix := make([]byte, size)
		if _, err := io.ReadFull(r, pix); err != nil {
			s.setErr(err)
			_ = s.cmd.Wait()
			return
		}
		f := Frame{Width: s.width, Height: s.height, Pix: pix, At: time.Now()}
		// análise atrasada descarta quadro antigo em vez de acumular
		select {
		case s.frames <- f:
		default:
			select {
			case <-s.frames:
			default:
			}
			s.frames <- f
		}
		select {
		case <-s.done:
			return
		default:
		}
	}
}

func (s *ffmpegSource) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err == nil {
		s.err = err
	}
}

func (s *ffmpegSource) Next(ctx context.Context) (Frame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			s.mu.Lock()
			defer s.mu.Unlock()
			if s.err != nil && !errors.Is(s.err, io.EOF) {
				return Frame{}, fmt.Errorf("sub stream: %w", s.err)
			}
			return Frame{}, ErrClosed
		}
		return f, nil
	case <-ctx.Done():
		return Frame{}, ctx.Err()
	}
}

func (s *ffmpegSource) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.cmd.Process != nil {
			if err := s.cmd.Process.Kill(); err != nil {
				log.Printf("[stream] kill ffmpeg: %v", err)
			}
		}
	})
	return nil
}
