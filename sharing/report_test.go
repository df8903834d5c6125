package sharing

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestFileProgress(t *testing.T) {
	tests := []struct {
		name      string
		length    int64
		position  int64
		speed     float64
		status    Status
		progress  float64
		remaining time.Duration
	}{
		{name: "half way", length: 1000, position: 500, speed: 100, status: StatusRunning, progress: 0.5, remaining: 5 * time.Second},
		{name: "stalled", length: 1000, position: 500, speed: 0.5, status: StatusRunning, progress: 0.5},
		{name: "completed", length: 1000, position: 1000, speed: 100, status: StatusSuccess, progress: 1},
		{name: "aborted keeps progress", length: 1000, position: 250, speed: 100, status: StatusAborted, progress: 0.25},
		{name: "empty pending", length: 0, position: 0, speed: 0, status: StatusPending, progress: 0},
		{name: "empty success", length: 0, position: 0, speed: 0, status: StatusSuccess, progress: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			progress, remaining := fileProgress(tt.length, tt.position, tt.speed, tt.status)
			assert.InDelta(t, tt.progress, progress, 1e-9)
			assert.Equal(t, tt.remaining, remaining)
		})
	}
}

func TestInstantSpeed(t *testing.T) {
	start := time.Unix(100, 0)
	last := tick{at: start, position: 1000}

	assert.InDelta(t, 2000.0, instantSpeed(last, start.Add(500*time.Millisecond), 2000), 1e-9)
	assert.Zero(t, instantSpeed(last, start, 5000))
	assert.Zero(t, instantSpeed(last, start.Add(-time.Second), 5000))
}

func TestTrimTicksKeepsWindow(t *testing.T) {
	start := time.Unix(100, 0)
	ticks := []tick{
		{at: start, speed: 1},
		{at: start.Add(time.Second), speed: 2},
		{at: start.Add(2 * time.Second), speed: 3},
		{at: start.Add(3 * time.Second), speed: 4},
	}

	trimmed := trimTicks(ticks, start.Add(3*time.Second), 2*time.Second)
	assert.Len(t, trimmed, 3)
	assert.Equal(t, 2.0, trimmed[0].speed)
	assert.InDelta(t, 3.0, averageSpeed(trimmed), 1e-9)
}

func TestTrimTicksKeepsNewest(t *testing.T) {
	start := time.Unix(100, 0)
	ticks := []tick{{at: start, speed: 1}, {at: start.Add(time.Second), speed: 7}}

	trimmed := trimTicks(ticks, start.Add(time.Hour), 2*time.Second)
	assert.Len(t, trimmed, 1)
	assert.Equal(t, 7.0, trimmed[0].speed)
}

func TestAverageSpeedEmpty(t *testing.T) {
	assert.Zero(t, averageSpeed(nil))
}
