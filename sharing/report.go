package sharing

import (
	"math"
	"time"
)

type tick struct {
	at       time.Time
	position int64
	speed    float64
}

// report samples the shared counter and refreshes the derived fields.
func (s *Session) report() {
	s.update(func(v *Viewer) {
		now := s.options.now()
		position := s.position.Load()
		v.Position = position

		if len(s.ticks) > 0 {
			last := s.ticks[len(s.ticks)-1]
			s.ticks = append(s.ticks, tick{
				at:       now,
				position: position,
				speed:    instantSpeed(last, now, position),
			})
			s.ticks = trimTicks(s.ticks, now, s.options.TickWindow)
			v.Speed = averageSpeed(s.ticks)
		}

		if v.Kind == KindFile {
			v.Progress, v.Remaining = fileProgress(v.Length, v.Position, v.Speed, v.Status)
		}
	})
}

// instantSpeed is the byte rate between the newest tick and a new sample.
func instantSpeed(last tick, now time.Time, position int64) float64 {
	elapsed := now.Sub(last.at).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(position-last.position) / elapsed
}

// trimTicks drops ticks older than window. The newest tick is always kept.
func trimTicks(ticks []tick, now time.Time, window time.Duration) []tick {
	drop := 0
	for drop < len(ticks)-1 && now.Sub(ticks[drop].at) > window {
		drop++
	}
	if drop == 0 {
		return ticks
	}
	return append(ticks[:0], ticks[drop:]...)
}

func averageSpeed(ticks []tick) float64 {
	if len(ticks) == 0 {
		return 0
	}
	var sum float64
	for _, t := range ticks {
		sum += t.speed
	}
	return sum / float64(len(ticks))
}

// fileProgress derives the progress fraction and the remaining time. An
// empty file is complete only once the session succeeded.
func fileProgress(length, position int64, speed float64, status Status) (float64, time.Duration) {
	var progress float64
	if length == 0 {
		if status == StatusSuccess {
			progress = 1
		}
	} else {
		progress = float64(position) / float64(length)
	}

	if speed < 1 || status.Completed() {
		return progress, 0
	}
	seconds := float64(length-position) / speed
	if seconds < 0 || math.IsInf(seconds, 0) || math.IsNaN(seconds) {
		return progress, 0
	}
	return progress, time.Duration(seconds * float64(time.Second))
}
