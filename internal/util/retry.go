package util

import "time"

// Retry is a capped exponential retry schedule. The zero value retries
// immediately.
type Retry struct {
	Initial time.Duration
	Max     time.Duration
}

// Delay returns the wait before the given retry, counting from 1. Each
// retry doubles the previous wait up to Max.
func (r Retry) Delay(retry int) time.Duration {
	d := r.Initial
	for i := 1; i < retry && d < r.Max; i++ {
		d *= 2
	}
	return min(d, r.Max)
}

// Wait sleeps before the given retry. It returns false if done is closed
// first.
func (r Retry) Wait(done <-chan struct{}, retry int) bool {
	t := time.NewTimer(r.Delay(retry))
	defer t.Stop()
	select {
	case <-done:
		return false
	case <-t.C:
		return true
	}
}
