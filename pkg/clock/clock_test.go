package clock

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFakeStartsAtGivenValue(t *testing.T) {
	f := NewFake(100)
	assert.Equal(t, int64(100), f.Now())
}

func TestFakeAdvanceIsCumulative(t *testing.T) {
	f := NewFake(0)
	assert.Equal(t, int64(50), f.Advance(50))
	assert.Equal(t, int64(80), f.Advance(30))
	assert.Equal(t, int64(80), f.Now())
}

func TestFakeSetPinsAbsoluteValue(t *testing.T) {
	f := NewFake(10)
	f.Advance(500)
	f.Set(7)
	assert.Equal(t, int64(7), f.Now())
}

func TestRealNowIsNonNegativeAndMonotonicNonDecreasing(t *testing.T) {
	r := NewReal()
	first := r.Now()
	second := r.Now()
	assert.GreaterOrEqual(t, first, int64(0))
	assert.GreaterOrEqual(t, second, first)
}
