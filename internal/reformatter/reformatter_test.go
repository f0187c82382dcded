package reformatter

import (
	"encoding/base64"
	"sync"
	"testing"

	"github.com/rapidaai/voicecore/internal/corelog"
	"github.com/rapidaai/voicecore/internal/provider"
	"github.com/rapidaai/voicecore/internal/wire"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type frameCollector struct {
	mu     sync.Mutex
	frames []wire.OutboundFrame
}

func (c *frameCollector) add(f wire.OutboundFrame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, f)
}

func (c *frameCollector) all() []wire.OutboundFrame {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]wire.OutboundFrame, len(c.frames))
	copy(out, c.frames)
	return out
}

func TestSpellOutNumbers(t *testing.T) {
	cases := map[string]string{
		"I have 5 apples":          "I have five apples",
		"There are 15 students":    "There are fifteen students",
		"He is 20 years old":       "He is twenty years old",
		"We need 42 items":         "We need forty-two items",
		"Population is 100":        "Population is 100",
		"Hello world":              "Hello world",
		"There are 99 problems":    "There are ninety-nine problems",
	}
	for in, want := range cases {
		assert.Equal(t, want, SpellOutNumbers(in))
	}
}

func TestReformatter_TextDeltaThenDoneAccumulatesFullText(t *testing.T) {
	collector := &frameCollector{}
	r := New(DefaultConfig(), corelog.NewNop(), collector.add)

	r.HandleEvent(provider.Event{Kind: provider.EventKindTextDelta, ParticipantID: "p1", Delta: "I have "})
	r.HandleEvent(provider.Event{Kind: provider.EventKindTextDelta, ParticipantID: "p1", Delta: "5 apples"})
	r.HandleEvent(provider.Event{Kind: provider.EventKindTextDone, ParticipantID: "p1"})

	frames := collector.all()
	require.Len(t, frames, 3)
	final, ok := frames[2].(wire.TextFinalFrame)
	require.True(t, ok)
	assert.Equal(t, "I have five apples", final.Text)
}

func TestReformatter_AudioDeltaResamplesOnRateMismatch(t *testing.T) {
	collector := &frameCollector{}
	cfg := DefaultConfig()
	cfg.OutputSampleRateHz = 16000
	r := New(cfg, corelog.NewNop(), collector.add)

	pcm := make([]byte, 8000*2) // 1s of 8kHz mono silence
	b64 := base64.StdEncoding.EncodeToString(pcm)

	r.HandleEvent(provider.Event{
		Kind: provider.EventKindAudioDelta, ParticipantID: "p1", ResponseID: "r1",
		AudioBase64: b64, SampleRateHz: 8000,
	})

	frames := collector.all()
	require.Len(t, frames, 1)
	af, ok := frames[0].(wire.AudioFrame)
	require.True(t, ok)
	decoded, err := base64.StdEncoding.DecodeString(af.Data)
	require.NoError(t, err)
	assert.InDelta(t, len(pcm)*2, len(decoded), 4, "8kHz->16kHz should roughly double the byte count")
}

func TestReformatter_AudioDoneEmitsResponseDone(t *testing.T) {
	collector := &frameCollector{}
	r := New(DefaultConfig(), corelog.NewNop(), collector.add)

	r.HandleEvent(provider.Event{Kind: provider.EventKindAudioDone, ResponseID: "r1"})

	frames := collector.all()
	require.Len(t, frames, 1)
	df, ok := frames[0].(wire.ResponseDoneFrame)
	require.True(t, ok)
	assert.Equal(t, "r1", df.ResponseID)
}

func TestReformatter_TextNormalizationCanBeDisabled(t *testing.T) {
	collector := &frameCollector{}
	cfg := DefaultConfig()
	cfg.TextNormalizationEnabled = false
	r := New(cfg, corelog.NewNop(), collector.add)

	r.HandleEvent(provider.Event{Kind: provider.EventKindTextDelta, ParticipantID: "p1", Delta: "5 apples"})
	r.HandleEvent(provider.Event{Kind: provider.EventKindTextDone, ParticipantID: "p1"})

	frames := collector.all()
	final := frames[1].(wire.TextFinalFrame)
	assert.Equal(t, "5 apples", final.Text)
}
