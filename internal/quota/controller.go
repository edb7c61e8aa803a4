package quota

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// Defaults for the resume computation.
const (
	DefaultBuffer        = 5 * time.Minute
	DefaultWindow        = 5 * time.Hour
	DefaultCountdownTick = time.Second
)

// ErrCancelled is returned when a wait is interrupted before the resume time.
var ErrCancelled = errors.New("quota wait cancelled")

// Source names where a resume time came from.
type Source string

const (
	SourceUsage   Source = "usage"
	SourceMessage Source = "message"
	SourceHint    Source = "hint"
	SourceDefault Source = "default"
)

// UsageSource reports the end of the currently active quota window.
type UsageSource interface {
	ActiveWindowEnd(ctx context.Context) (time.Time, error)
}

// Voider undoes an attempt that should not count.
type Voider interface {
	Decrement(id string) error
}

// Options configures a Controller.
type Options struct {
	Usage         UsageSource
	Voider        Voider
	Buffer        time.Duration
	DefaultWindow time.Duration
	Tick          time.Duration
	// OnTick is called on every countdown tick with the time remaining.
	OnTick func(remaining time.Duration)
	Logger zerolog.Logger
	Now    func() time.Time
}

// Controller voids the attempt of a refused run, decides when to resume and
// sleeps until then.
type Controller struct {
	usage         UsageSource
	voider        Voider
	buffer        time.Duration
	defaultWindow time.Duration
	tick          time.Duration
	onTick        func(time.Duration)
	logger        zerolog.Logger
	now           func() time.Time
}

// NewController creates a Controller, filling unset options with defaults.
func NewController(opts Options) *Controller {
	c := &Controller{
		usage:         opts.Usage,
		voider:        opts.Voider,
		buffer:        opts.Buffer,
		defaultWindow: opts.DefaultWindow,
		tick:          opts.Tick,
		onTick:        opts.OnTick,
		logger:        opts.Logger,
		now:           opts.Now,
	}
	if c.buffer < 0 {
		c.buffer = 0
	}
	if c.defaultWindow <= 0 {
		c.defaultWindow = DefaultWindow
	}
	if c.tick <= 0 {
		c.tick = DefaultCountdownTick
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c
}

// Void removes the attempt just charged to itemID. An empty id is a no-op.
func (c *Controller) Void(itemID string) error {
	if itemID == "" || c.voider == nil {
		return nil
	}
	if err := c.voider.Decrement(itemID); err != nil {
		return fmt.Errorf("failed to void attempt for %s: %w", itemID, err)
	}
	return nil
}

// ResumeTime decides when work may resume. The usage query wins when it
// reports a window ending in the future; then an exact reset instant from the
// marker; then a reset-hour hint in the message; then the default window.
// The safety buffer is always added.
func (c *Controller) ResumeTime(ctx context.Context, det Detection) (time.Time, Source) {
	now := c.now()

	if c.usage != nil {
		end, err := c.usage.ActiveWindowEnd(ctx)
		switch {
		case err != nil:
			c.logger.Debug().Err(err).Msg("usage query unavailable")
		case end.After(now):
			return end.Add(c.buffer), SourceUsage
		default:
			c.logger.Debug().Time("end", end).Msg("usage window is stale")
		}
	}

	if !det.ResetAt.IsZero() && det.ResetAt.After(now) {
		return det.ResetAt.Add(c.buffer), SourceMessage
	}

	if at, ok := ParseResetHour(det.Text, now); ok {
		return at.Add(c.buffer), SourceHint
	}

	return now.Add(c.defaultWindow).Add(c.buffer), SourceDefault
}

// Wait blocks until resumeAt, reporting the remaining time on every tick.
// It returns an error wrapping ErrCancelled and the context error when ctx
// ends first.
func (c *Controller) Wait(ctx context.Context, resumeAt time.Time) error {
	remaining := resumeAt.Sub(c.now())
	if remaining <= 0 {
		return nil
	}

	ticker := time.NewTicker(c.tick)
	defer ticker.Stop()

	for {
		if c.onTick != nil {
			c.onTick(remaining)
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %w", ErrCancelled, ctx.Err())
		case <-ticker.C:
		}
		remaining = resumeAt.Sub(c.now())
		if remaining <= 0 {
			if c.onTick != nil {
				c.onTick(0)
			}
			return nil
		}
	}
}
