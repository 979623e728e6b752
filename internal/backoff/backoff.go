// Package backoff decide quanto esperar antes de reiniciar algo que falhou
// e quando parar de tentar (circuit breaker).
//
// A mesma política é usada em dois níveis: pelo supervisor para o processo
// worker e pelo recorder para o subprocesso ffmpeg, com parâmetros diferentes.
package backoff

import (
	"time"
)

const defaultRecordLimit = 32

// RestartRecord guarda os instantes de falha recentes, em ordem crescente.
// O zero value é utilizável.
type RestartRecord struct {
	Limit    int
	failures []time.Time
}

func NewRestartRecord(limit int) *RestartRecord {
	return &RestartRecord{Limit: limit}
}

// Add registra uma falha. Timestamps fora de ordem são ajustados para o
// último registrado, mantendo a sequência monotônica.
func (r *RestartRecord) Add(t time.Time) {
	if n := len(r.failures); n > 0 && t.Before(r.failures[n-1]) {
		t = r.failures[n-1]
	}
	r.failures = append(r.failures, t)

	limit := r.Limit
	if limit <= 0 {
		limit = defaultRecordLimit
	}
	if over := len(r.failures) - limit; over > 0 {
		r.failures = append(r.failures[:0], r.failures[over:]...)
	}
}

// Prune remove falhas anteriores a before.
func (r *RestartRecord) Prune(before time.Time) {
	i := 0
	for i < len(r.failures) && r.failures[i].Before(before) {
		i++
	}
	if i > 0 {
		r.failures = append(r.failures[:0], r.failures[i:]...)
	}
}

func (r *RestartRecord) Reset() {
	r.failures = r.failures[:0]
}

func (r *RestartRecord) Len() int {
	return len(r.failures)
}

// Failures devolve uma cópia dos timestamps.
func (r *RestartRecord) Failures() []time.Time {
	out := make([]time.Time, len(r.failures))
	copy(out, r.failures)
	return out
}

// Since conta as falhas em [since, ∞).
func (r *RestartRecord) Since(since time.Time) int {
	n := 0
	for i := len(r.failures) - 1; i >= 0; i-- {
		if r.failures[i].Before(since) {
			break
		}
		n++
	}
	return n
}

// Policy é a política de backoff exponencial com circuit breaker.
type Policy struct {
	Base        time.Duration // espera após a primeira falha
	Ceiling     time.Duration // teto da espera
	Lookback    time.Duration // janela em que as falhas contam
	MaxFailures int           // acima disso o circuito abre; 0 = nunca abre
	Cooldown    time.Duration // tempo saudável contínuo que zera o histórico
}

// Decision é o resultado de Decide: ou espera Wait, ou o circuito abriu.
type Decision struct {
	Wait        time.Duration
	CircuitOpen bool
	Failures    int
}

func (p Policy) withDefaults() Policy {
	if p.Base <= 0 {
		p.Base = time.Second
	}
	if p.Ceiling <= 0 {
		p.Ceiling = 60 * time.Second
	}
	if p.Ceiling < p.Base {
		p.Ceiling = p.Base
	}
	if p.Lookback <= 0 {
		p.Lookback = 10 * time.Minute
	}
	return p
}

// RecordLimit é o tamanho do RestartRecord para esta política: configured
// (ou o default), mas nunca menor que MaxFailures+1, senão o circuito não
// teria como abrir.
func (p Policy) RecordLimit(configured int) int {
	limit := configured
	if limit <= 0 {
		limit = defaultRecordLimit
	}
	if p.MaxFailures > 0 && limit <= p.MaxFailures {
		limit = p.MaxFailures + 1
	}
	return limit
}

// Decide calcula a espera para o próximo restart a partir do histórico.
// Não altera o record.
//
//	wait = Base * 2^(falhas-1), limitado a Ceiling
func (p Policy) Decide(record *RestartRecord, now time.Time) Decision {
	p = p.withDefaults()

	failures := 0
	if record != nil {
		failures = record.Since(now.Add(-p.Lookback))
	}
	if p.MaxFailures > 0 && failures > p.MaxFailures {
		return Decision{CircuitOpen: true, Failures: failures}
	}
	return Decision{Wait: p.delay(failures), Failures: failures}
}

func (p Policy) delay(failures int) time.Duration {
	if failures <= 1 {
		return p.Base
	}
	delay := p.Base
	for i := 1; i < failures; i++ {
		delay *= 2
		if delay >= p.Ceiling {
			return p.Ceiling
		}
	}
	return delay
}

// Settle zera o histórico se o processo está saudável desde healthySince há
// pelo menos Cooldown. Também descarta falhas fora da janela. Retorna true
// quando houve reset.
func (p Policy) Settle(record *RestartRecord, healthySince, now time.Time) bool {
	if record == nil {
		return false
	}
	p = p.withDefaults()
	record.Prune(now.Add(-p.Lookback))
	if healthySince.IsZero() || p.Cooldown <= 0 || record.Len() == 0 {
		return false
	}
	if now.Sub(healthySince) < p.Cooldown {
		return false
	}
	record.Reset()
	return true
}
