// Package events distribui os eventos dos workers para consumidores externos.
//
// Entrega é at-least-once: um worker pode reenviar e o supervisor não
// deduplica na origem. Bus filtra duplicados pela chave (camera, sessão,
// tipo, seq) antes do fan-out; consumidores remotos devem fazer o mesmo.
package events

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"github.com/sua-org/nvr-supervisor/internal/core"
)

// Sink recebe eventos fora do processo (NATS, MQTT, ...).
type Sink interface {
	Publish(ev core.Event) error
}

type Bus struct {
	dedup *Dedup

	mu   sync.RWMutex
	subs map[int]chan core.Event
	next int

	dropped    atomic.Uint64
	duplicates atomic.Uint64
}

// NewBus cria o bus. dedup pode ser nil.
func NewBus(dedup *Dedup) *Bus {
	return &Bus{dedup: dedup, subs: make(map[int]chan core.Event)}
}

// Subscribe devolve um canal com buffer e a função que cancela a inscrição.
// Assinante lento perde eventos; o bus nunca bloqueia o loop do supervisor.
func (b *Bus) Subscribe(buffer int) (<-chan core.Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	ch := make(chan core.Event, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(ch)
		})
	}
}

// Publish faz o fan-out. Retorna false quando o evento é duplicado.
func (b *Bus) Publish(ev core.Event) bool {
	if b.dedup != nil && b.dedup.IsDuplicate(ev.DedupKey()) {
		b.duplicates.Add(1)
		return false
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
			b.dropped.Add(1)
		}
	}
	return true
}

func (b *Bus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Bus) Dropped() uint64    { return b.dropped.Load() }
func (b *Bus) Duplicates() uint64 { return b.duplicates.Load() }

// Attach liga um Sink ao bus até o ctx acabar. Erro do sink é logado e o
// evento segue para os demais.
func (b *Bus) Attach(ctx context.Context, name string, sink Sink, buffer int) {
	ch, cancel := b.Subscribe(buffer)
	go func() {
		defer cancel()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				if err := sink.Publish(ev); err != nil {
					log.Printf("[events] sink %s: %v", name, err)
				}
			}
		}
	}()
}
