package browser

import (
	"context"
	"fmt"
	"time"
)

// Drivers accepted by Open.
const (
	DriverPlaywright = "playwright"
	DriverChromedp   = "chromedp"
)

// Launcher owns a browser process and hands out pages.
type Launcher interface {
	NewPage(ctx context.Context) (Page, error)
	Close() error
}

// Options configures a launcher.
type Options struct {
	Headless bool
	// DefaultTimeout bounds driver operations issued without a context deadline.
	DefaultTimeout time.Duration
}

// Open starts the named driver.
func Open(ctx context.Context, driver string, opts Options) (Launcher, error) {
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 10 * time.Second
	}
	switch driver {
	case DriverPlaywright:
		return StartPlaywright(opts)
	case DriverChromedp:
		return StartChromedp(ctx, opts)
	default:
		return nil, fmt.Errorf("unknown browser driver %q", driver)
	}
}

// remaining returns the time left before ctx's deadline, or fallback when ctx
// has none.
func remaining(ctx context.Context, fallback time.Duration) time.Duration {
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d > 0 {
			return d
		}
		return time.Millisecond
	}
	return fallback
}
