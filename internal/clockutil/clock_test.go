package clockutil

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNowMs_MonotonicNonDecreasing(t *testing.T) {
	a := NowMs()
	time.Sleep(5 * time.Millisecond)
	b := NowMs()
	assert.GreaterOrEqual(t, b, a)
	assert.Greater(t, b-a, int64(0))
}
