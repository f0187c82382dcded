// Package callcontext carries the optional identity attached to one
// session's connection (spec §3 "Connection Context": "session id +
// optional caller/correlation ids"). Generalized from the teacher's
// internal/callcontext.CallContext, which bridges a raw connection to a
// Postgres-backed call row — here there is nothing to persist, so the
// bridge is just an in-memory value scoped to the session's lifetime.
package callcontext

// CallContext holds the identity fields a session may be opened with.
// CallerID and CorrelationID are both optional; an empty value means the
// peer did not supply one.
type CallContext struct {
	SessionID     string
	CallerID      string
	CorrelationID string
}

// FromMetadata extracts CallerID/CorrelationID out of a decoded frame's
// metadata map, tolerating their absence or a wrong-typed value.
func FromMetadata(sessionID string, metadata map[string]interface{}) CallContext {
	cc := CallContext{SessionID: sessionID}
	if metadata == nil {
		return cc
	}
	if v, ok := metadata["caller_id"].(string); ok {
		cc.CallerID = v
	}
	if v, ok := metadata["correlation_id"].(string); ok {
		cc.CorrelationID = v
	}
	return cc
}

// LogFields flattens the context into alternating key/value pairs for
// corelog.Logger.With, omitting any field that was never supplied.
func (cc CallContext) LogFields() []interface{} {
	fields := []interface{}{"session_id", cc.SessionID}
	if cc.CallerID != "" {
		fields = append(fields, "caller_id", cc.CallerID)
	}
	if cc.CorrelationID != "" {
		fields = append(fields, "correlation_id", cc.CorrelationID)
	}
	return fields
}
