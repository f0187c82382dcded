// Package wirecapture implements the optional raw-frame capture hook
// referenced by spec §6.4 ("a separate wire-capture hook may dump raw
// inbound/outbound frames to a directory when enabled") and specified
// fully as a supplemented feature in SPEC_FULL.md §4: one rotating file
// per session under a configured directory.
//
// Grounded on the teacher's general structured-logging discipline
// (corelog wraps zap the same way throughout the core) rather than any
// single teacher file — the teacher has no raw-frame dumper of its own
// — built in the teacher's idiom of a thin wrapper around
// lumberjack.Logger (the same library internal/corelog already uses for
// log rotation).
package wirecapture

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Direction distinguishes which half of the duplex a captured frame
// belongs to.
type Direction string

const (
	DirectionInbound  Direction = "inbound"
	DirectionOutbound Direction = "outbound"
)

// record is one captured line, written as a single JSON object per
// line (consistent with the rest of the ambient logging stack's
// structured-JSON convention).
type record struct {
	SessionID string      `json:"session_id"`
	Direction Direction   `json:"direction"`
	TsMs      int64       `json:"ts_ms"`
	Raw       interface{} `json:"raw"`
}

// Recorder captures raw frames for exactly one session to its own
// rotating file. A nil *Recorder is valid and every method on it is a
// no-op, so callers can hold one unconditionally and skip a presence
// check at every call site.
type Recorder struct {
	mu  sync.Mutex
	out *lumberjack.Logger
}

// New constructs a Recorder writing to "<dir>/<sessionID>.jsonl" with
// rotation, or returns nil if dir is empty (capture disabled).
func New(dir, sessionID string) *Recorder {
	if dir == "" {
		return nil
	}
	return &Recorder{
		out: &lumberjack.Logger{
			Filename:   filepath.Join(dir, sessionID+".jsonl"),
			MaxSize:    20, // megabytes
			MaxBackups: 3,
			MaxAge:     3, // days
			Compress:   true,
		},
	}
}

// Capture appends one frame to the session's capture file. raw is
// typically the already-decoded JSON value (map[string]interface{} or a
// wire frame struct); it is re-marshaled here so the capture line
// carries the envelope fields alongside it.
func (r *Recorder) Capture(sessionID string, direction Direction, raw interface{}) {
	if r == nil {
		return
	}
	line, err := json.Marshal(record{
		SessionID: sessionID,
		Direction: direction,
		TsMs:      time.Now().UnixMilli(),
		Raw:       raw,
	})
	if err != nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	_, _ = r.out.Write(append(line, '\n'))
}

// Close closes the underlying rotated file. Safe to call on a nil
// Recorder.
func (r *Recorder) Close() error {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.out.Close()
}

