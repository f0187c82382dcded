// Package clockutil centralizes the "now" reading every component that
// schedules by monotonic time uses: the Audio Batcher's idle trigger,
// the Control Plane's playback/input timers, and the arrival stamp
// Session puts on decoded envelopes.
package clockutil

import "time"

// processStart is read once at package init; time.Now() always attaches
// a monotonic clock reading alongside its wall-clock one (see the time
// package docs), and time.Since keeps using that monotonic reading.
var processStart = time.Now()

// NowMs returns milliseconds elapsed since process start, derived from
// the monotonic clock reading time.Now()/time.Since carry rather than
// from UnixMilli's wall-clock epoch. Every caller here only ever
// subtracts two NowMs() values, and a wall-clock adjustment (e.g. an
// NTP step) cannot make that subtraction go backward the way it could
// if this returned time.Now().UnixMilli() directly (the glossary's
// "now - last_ms" deltas must never go backward).
func NowMs() int64 {
	return int64(time.Since(processStart) / time.Millisecond)
}
