package backoff

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNextGrowsAndCaps(t *testing.T) {
	b := Backoff{Min: 10 * time.Millisecond, Max: 50 * time.Millisecond, Factor: 2}

	assert.Equal(t, 10*time.Millisecond, b.Next(0))
	assert.Equal(t, 10*time.Millisecond, b.Next(1))
	assert.Equal(t, 20*time.Millisecond, b.Next(2))
	assert.Equal(t, 40*time.Millisecond, b.Next(3))
	assert.Equal(t, 50*time.Millisecond, b.Next(4))
	assert.Equal(t, 50*time.Millisecond, b.Next(30))
}

func TestJitterStaysInRange(t *testing.T) {
	b := Backoff{Min: 100 * time.Millisecond, Max: time.Second, Factor: 2, Jitter: 0.2}
	for i := 0; i < 200; i++ {
		d := b.Next(1)
		assert.GreaterOrEqual(t, d, 80*time.Millisecond)
		assert.LessOrEqual(t, d, 120*time.Millisecond)
	}
}

func TestZeroValueUsesDefaults(t *testing.T) {
	var b Backoff
	assert.Equal(t, 100*time.Millisecond, b.Next(1))
	assert.Equal(t, 200*time.Millisecond, b.Next(2))
}
