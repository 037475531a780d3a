package md

import (
	"context"
	"time"

	"trader/internal/domain"
)

// Replay publishes recorded ticks in order, waiting between two ticks for
// their recorded gap divided by speed. With speed zero or less the ticks go
// out back to back. It returns how many ticks publish accepted, and
// ctx.Err() when ctx ends the replay early.
func Replay(ctx context.Context, ticks []domain.Tick, speed float64, publish func(domain.Tick) bool) (int, error) {
	n := 0
	for i := range ticks {
		if i > 0 && speed > 0 {
			if gap := ticks[i].Time.Sub(ticks[i-1].Time); gap > 0 {
				select {
				case <-ctx.Done():
					return n, ctx.Err()
				case <-time.After(time.Duration(float64(gap) / speed)):
				}
			}
		}
		if err := ctx.Err(); err != nil {
			return n, err
		}
		if publish(ticks[i]) {
			n++
		}
	}
	return n, nil
}
