// Package wire defines the ACS-style inbound/outbound wire frame shapes
// and the parse/serialize contract (spec §4.4, §6.1). It has no
// dependency on session/pipeline so every layer (session, pipeline,
// provider, reformatter) can share one frame vocabulary without an
// import cycle.
package wire

import (
	"encoding/json"
)

// Inbound frame kinds recognized on the wire (spec §6.1).
const (
	KindAudioData     = "AudioData"
	KindControlSettings = "control.test.settings"
)

// Outbound frame types emitted back to the peer (spec §6.1).
const (
	TypeTextDelta      = "translation.text_delta"
	TypeTextFinal      = "translation.text_final"
	TypeAudio          = "translation.audio"
	TypeResponseDone   = "translation.response.done"
	TypeError          = "error"
)

// InboundAudioData mirrors the wire "audioData" object.
type InboundAudioData struct {
	ParticipantRawID string `json:"participantRawID"`
	Data             string `json:"data"`
	Timestamp        string `json:"timestamp,omitempty"`
	SampleRate       int    `json:"sampleRate"`
	Channels         int    `json:"channels"`
}

// RawInboundFrame is the shape of one inbound JSON text message before
// it is classified and wrapped into a DecodedEnvelope.
type RawInboundFrame struct {
	Kind      string                 `json:"kind,omitempty"`
	Type      string                 `json:"type,omitempty"`
	AudioData *InboundAudioData      `json:"audioData,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
	Provider  string                 `json:"provider,omitempty"`
	Extra     map[string]interface{} `json:"-"`
}

// DecodedEnvelope is the parsed, sequenced form of one inbound message
// published onto acs_inbound (spec §3, §4.4).
type DecodedEnvelope struct {
	Type             string
	Payload          *RawInboundFrame
	ParticipantID    string
	TimestampMs      int64 // peer timestamp slot; Session leaves it zero and keeps the peer timestamp only in commit metadata
	Sequence         uint64
	SessionID        string
	ReceivedAtMonoMs int64 // monotonic arrival time used for all scheduling (spec §9)
}

// ControlSettingsUpdate is published onto acs_inbound for a
// "control.test.settings" frame (spec §9 Open Question: a hot provider
// change is a recorded preference, not a rebind of the current adapter).
type ControlSettingsUpdate struct {
	SessionID           string
	Provider            string
	TranslationSettings map[string]interface{}
}

// ParseInbound decodes one raw inbound JSON message. Unknown fields are
// preserved in Extra but not typed, per spec.md §9's "loose metadata
// dict" redesign note: only the keys the core actually branches on are
// parsed into fields.
func ParseInbound(raw []byte) (*RawInboundFrame, error) {
	var frame RawInboundFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	var all map[string]interface{}
	if err := json.Unmarshal(raw, &all); err == nil {
		for _, key := range []string{"kind", "type", "audioData", "metadata", "provider"} {
			delete(all, key)
		}
		if len(all) > 0 {
			frame.Extra = all
		}
	}
	return &frame, nil
}

// OutboundFrame is the common envelope every outbound wire message
// satisfies; concrete frame types below implement it via FrameType and
// are serialized by encoding/json from their struct tags.
type OutboundFrame interface {
	FrameType() string
}

type TextDeltaFrame struct {
	Type             string `json:"type"`
	ParticipantRawID string `json:"participantRawID"`
	Text             string `json:"text"`
	Sequence         uint64 `json:"sequence"`
}

func NewTextDeltaFrame(participantID, text string, seq uint64) TextDeltaFrame {
	return TextDeltaFrame{Type: TypeTextDelta, ParticipantRawID: participantID, Text: text, Sequence: seq}
}
func (f TextDeltaFrame) FrameType() string { return TypeTextDelta }

type TextFinalFrame struct {
	Type             string `json:"type"`
	ParticipantRawID string `json:"participantRawID"`
	Text             string `json:"text"`
	Sequence         uint64 `json:"sequence"`
}

func NewTextFinalFrame(participantID, text string, seq uint64) TextFinalFrame {
	return TextFinalFrame{Type: TypeTextFinal, ParticipantRawID: participantID, Text: text, Sequence: seq}
}
func (f TextFinalFrame) FrameType() string { return TypeTextFinal }

type AudioFrame struct {
	Type             string `json:"type"`
	ParticipantRawID string `json:"participantRawID"`
	ResponseID       string `json:"responseId"`
	Data             string `json:"data"`
}

func NewAudioFrame(participantID, responseID, base64Data string) AudioFrame {
	return AudioFrame{Type: TypeAudio, ParticipantRawID: participantID, ResponseID: responseID, Data: base64Data}
}
func (f AudioFrame) FrameType() string { return TypeAudio }

// IsAudio reports whether this outbound frame carries audio payload, so
// the wire-sender handler can discard it while the gate is closed while
// still forwarding text/control frames (spec §4.5 set_outbound_gate).
func (f AudioFrame) IsAudio() bool { return true }

type ResponseDoneFrame struct {
	Type       string `json:"type"`
	ResponseID string `json:"responseId"`
}

func NewResponseDoneFrame(responseID string) ResponseDoneFrame {
	return ResponseDoneFrame{Type: TypeResponseDone, ResponseID: responseID}
}
func (f ResponseDoneFrame) FrameType() string { return TypeResponseDone }

type ErrorFrame struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

func NewErrorFrame(code, message string) ErrorFrame {
	return ErrorFrame{Type: TypeError, Code: code, Message: message}
}
func (f ErrorFrame) FrameType() string { return TypeError }
