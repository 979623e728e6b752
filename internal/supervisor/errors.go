package supervisor

import (
	"errors"
	"fmt"
)

var (
	ErrUnknownWorker   = errors.New("unknown worker")
	ErrDuplicateWorker = errors.New("worker already active")
	ErrQueueFull       = errors.New("command queue full")
	ErrNotRunning      = errors.New("worker has no live process")
	ErrInvalidSpec     = errors.New("invalid camera spec")
	ErrClosing         = errors.New("supervisor shutting down")
)

// SpawnError é devolvido por Spawn quando a câmera não pôde ser iniciada.
type SpawnError struct {
	CameraID string
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("spawn %s: %v", e.CameraID, e.Err)
}

func (e *SpawnError) Unwrap() error {
	return e.Err
}
