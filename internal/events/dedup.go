package events

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type Dedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
	now   func() time.Time
}

func NewDedup(maxKeys int, ttl time.Duration) *Dedup {
	if maxKeys <= 0 {
		maxKeys = 4096
	}
	c, _ := lru.New[string, time.Time](maxKeys)
	return &Dedup{cache: c, ttl: ttl, now: time.Now}
}

// IsDuplicate marca a chave como vista e diz se ela já tinha sido vista
// dentro do ttl. ttl zero = para sempre (enquanto couber no LRU).
func (d *Dedup) IsDuplicate(key string) bool {
	now := d.now()
	if seenAt, ok := d.cache.Get(key); ok {
		if d.ttl <= 0 || now.Sub(seenAt) < d.ttl {
			return true
		}
	}
	d.cache.Add(key, now)
	return false
}
