package clock

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestVirtual_AdvanceAndSet(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	v := NewVirtual(start)
	assert.Equal(t, start, v.Now())

	v.Advance(time.Hour)
	assert.Equal(t, start.Add(time.Hour), v.Now())

	later := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)
	v.Set(later)
	assert.Equal(t, later, v.Now())
}

func TestReal_ReturnsCurrentTime(t *testing.T) {
	before := time.Now()
	got := Real{}.Now()
	after := time.Now()
	assert.False(t, got.Before(before))
	assert.False(t, got.After(after))
}
