package stream

import "time"

// Detector compara quadros consecutivos. Um pixel conta como alterado
// quando a diferença passa de Threshold; há movimento quando Area pixels
// mudam. O movimento só é confirmado depois de Timeout contínuo.
type Detector struct {
	Threshold int
	Area      int
	Timeout   time.Duration

	prev       []byte
	start      time.Time
	lastMotion time.Time
	confirmed  bool
}

// Result é o resultado de um quadro.
type Result struct {
	Motion    bool // houve movimento neste quadro
	Confirmed bool // começou um episódio de movimento confirmado
	Changed   int  // pixels alterados
}

func (d *Detector) Feed(f Frame) Result {
	now := f.At
	if d.prev == nil || len(d.prev) != len(f.Pix) {
		d.prev = append(d.prev[:0], f.Pix...)
		return Result{}
	}

	changed := 0
	for i, p := range f.Pix {
		diff := int(p) - int(d.prev[i])
		if diff < 0 {
			diff = -diff
		}
		if diff > d.Threshold {
			changed++
		}
	}
	copy(d.prev, f.Pix)

	res := Result{Changed: changed, Motion: changed >= d.Area}
	if !res.Motion {
		d.start = time.Time{}
		if d.confirmed && now.Sub(d.lastMotion) > d.Timeout {
			d.confirmed = false
		}
		return res
	}

	d.lastMotion = now
	if d.confirmed {
		return res
	}
	if d.start.IsZero() {
		d.start = now
	}
	if now.Sub(d.start) >= d.Timeout {
		d.confirmed = true
		d.start = time.Time{}
		res.Confirmed = true
	}
	return res
}

// Active indica um episódio confirmado ainda em andamento.
func (d *Detector) Active() bool {
	return d.confirmed
}

// Reset descarta o quadro de referência; usado quando o stream reconecta.
func (d *Detector) Reset() {
	d.prev = nil
	d.start = time.Time{}
	d.confirmed = false
}
