package meter

import (
	"math"
	"sync/atomic"
)

// SampleWindow is a fixed-capacity circular buffer of raw amplitudes.
//
// It has exactly one writer. Readers take a WindowView and read slots while
// the writer keeps overwriting them; every slot is a single atomic word, so a
// reader sees either the sample it expected or one written after it, never
// an older one and never a torn value.
type SampleWindow struct {
	slots   []atomic.Uint64 // float64 bits
	window  int
	tail    int
	written atomic.Uint64 // total samples ever written
}

// NewSampleWindow allocates a window holding window samples for reduction
// plus tail older samples used as filter pre-roll.
func NewSampleWindow(window, tail int) *SampleWindow {
	return &SampleWindow{
		slots:  make([]atomic.Uint64, window+tail),
		window: window,
		tail:   tail,
	}
}

// Cap returns the number of slots.
func (w *SampleWindow) Cap() int {
	return len(w.slots)
}

// WriteSlice appends samples, overwriting the oldest slots.
// Only the producer may call it. The cursor is published after the slice so
// a view never points past samples that have not been stored.
func (w *SampleWindow) WriteSlice(samples []float64) {
	if len(samples) == 0 {
		return
	}
	start := w.written.Load()
	n := uint64(len(w.slots))

	// Anything older than the last cap samples would be overwritten within
	// this same call.
	skip := 0
	if len(samples) > len(w.slots) {
		skip = len(samples) - len(w.slots)
	}
	pos := (start + uint64(skip)) % n
	for _, s := range samples[skip:] {
		w.slots[pos].Store(math.Float64bits(s))
		pos++
		if pos == n {
			pos = 0
		}
	}
	w.written.Store(start + uint64(len(samples)))
}

// Written returns the total number of samples written so far.
func (w *SampleWindow) Written() uint64 {
	return w.written.Load()
}

// View returns a read-only view of the most recent window samples.
// The view is bound to the live buffer; it does not copy.
func (w *SampleWindow) View() WindowView {
	return WindowView{w: w, end: w.written.Load()}
}

// WindowView is a chronological view of a SampleWindow ending at the cursor
// position observed when it was taken. Positions that were never written
// read as silence.
type WindowView struct {
	w   *SampleWindow
	end uint64
}

// Len returns the number of samples in the reduction window.
func (v WindowView) Len() int {
	if v.w == nil {
		return 0
	}
	return v.w.window
}

// TailLen returns the number of pre-roll samples preceding the window.
func (v WindowView) TailLen() int {
	if v.w == nil {
		return 0
	}
	return v.w.tail
}

// End returns the stream position of the newest sample in the view, plus one.
func (v WindowView) End() uint64 {
	return v.end
}

// At returns the i-th window sample, oldest first.
func (v WindowView) At(i int) float64 {
	return v.load(int64(v.end) - int64(v.w.window) + int64(i))
}

// TailAt returns the i-th pre-roll sample, oldest first.
func (v WindowView) TailAt(i int) float64 {
	return v.load(int64(v.end) - int64(v.w.window+v.w.tail) + int64(i))
}

func (v WindowView) load(pos int64) float64 {
	if pos < 0 {
		return 0
	}
	return math.Float64frombits(v.w.slots[uint64(pos)%uint64(len(v.w.slots))].Load())
}

// CopyTo copies the window into dst, oldest first, and returns the number of
// samples copied.
func (v WindowView) CopyTo(dst []float64) int {
	n := min(len(dst), v.Len())
	for i := range n {
		dst[i] = v.At(i)
	}
	return n
}
