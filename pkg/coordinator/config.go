package coordinator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/levenlabs/go-lflag"
)

const (
	DefaultInterval = 30 * time.Second
	// MinInterval is the shortest scan interval accepted. Shorter values are
	// raised to it.
	MinInterval = 10 * time.Second
)

// Config controls the poll schedule.
type Config struct {
	Interval time.Duration
	// Location is the plant's timezone, used to pick the flow endpoint's date.
	Location *time.Location
}

// Configured registers the poll flags and returns a Config that is filled in
// once flags are parsed.
func Configured() *Config {
	c := &Config{}
	interval := lflag.Duration("scan-interval", DefaultInterval, "How often to poll the Sol-Ark cloud (minimum 10s)")
	timezone := lflag.String("timezone", "Local", "IANA timezone of the plant, used for the energy-flow date")

	lflag.Do(func() {
		loc, err := time.LoadLocation(*timezone)
		if err != nil {
			panic(fmt.Sprintf("invalid timezone (%s): %v", *timezone, err))
		}
		c.Location = loc
		c.Interval = *interval
		if c.Interval < MinInterval {
			slog.Warn(
				"scan-interval below minimum, using minimum",
				slog.Duration("requested", c.Interval),
				slog.Duration("minimum", MinInterval),
			)
			c.Interval = MinInterval
		}
	})

	return c
}

func (c *Config) interval() time.Duration {
	if c == nil || c.Interval <= 0 {
		return DefaultInterval
	}
	if c.Interval < MinInterval {
		return MinInterval
	}
	return c.Interval
}

func (c *Config) location() *time.Location {
	if c == nil || c.Location == nil {
		return time.Local
	}
	return c.Location
}
