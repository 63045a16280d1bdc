package faildetector

import (
	"errors"
	"fmt"
	"time"
)

var ErrInvalidConfig = errors.New("invalid config")

// Config holds the protocol tunables. Use DefaultConfig as a starting point,
// since some of the zero values are not valid.
type Config struct {
	// ProtocolPeriod is the interval between the starts of two consecutive
	// probing rounds.
	ProtocolPeriod time.Duration

	// PingTimeout bounds both the direct and the indirect probe phases of a round.
	PingTimeout time.Duration

	// SuspectTimeout is how long a member stays suspected before it is declared
	// dead. Should be at least three protocol periods, so that a refutation has
	// enough rounds to propagate. Zero means suspected members are declared dead
	// straight away.
	SuspectTimeout time.Duration

	// SubgroupSize is the number of members asked to probe the target on our
	// behalf once the direct probe has timed out.
	SubgroupSize int

	// PiggybackLimit is the maximum number of updates attached to a single message.
	PiggybackLimit int

	// PiggybackTxMax is the number of messages an update is attached to before
	// it is retired from the update log.
	PiggybackTxMax uint32

	// TickInterval is how often Run advances the state machine. It defines the
	// precision of all protocol deadlines.
	TickInterval time.Duration

	// GlitchThreshold is how much longer than a protocol period may pass
	// between two ticks before the delay is treated as a local stall rather
	// than network silence, and all pending deadlines are shifted by the
	// excess. Zero disables the compensation.
	GlitchThreshold time.Duration
}

// DefaultConfig creates a Config with reasonable default values.
func DefaultConfig() Config {
	const period = 2 * time.Second

	return Config{
		ProtocolPeriod:  period,
		PingTimeout:     800 * time.Millisecond,
		SuspectTimeout:  3 * period,
		SubgroupSize:    2,
		PiggybackLimit:  8,
		PiggybackTxMax:  50,
		TickInterval:    period / 10,
		GlitchThreshold: period / 2,
	}
}

// Validate checks that the config can drive the protocol.
func (c *Config) Validate() error {
	switch {
	case c.ProtocolPeriod <= 0:
		return fmt.Errorf("%w: protocol period must be positive", ErrInvalidConfig)
	case c.PingTimeout <= 0:
		return fmt.Errorf("%w: ping timeout must be positive", ErrInvalidConfig)
	case c.SuspectTimeout < 0:
		return fmt.Errorf("%w: suspect timeout must not be negative", ErrInvalidConfig)
	case c.SubgroupSize < 0:
		return fmt.Errorf("%w: subgroup size must not be negative", ErrInvalidConfig)
	case c.PiggybackLimit <= 0:
		return fmt.Errorf("%w: piggyback limit must be positive", ErrInvalidConfig)
	case c.PiggybackTxMax == 0:
		return fmt.Errorf("%w: piggyback tx max must be positive", ErrInvalidConfig)
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: tick interval must be positive", ErrInvalidConfig)
	case c.GlitchThreshold < 0:
		return fmt.Errorf("%w: glitch threshold must not be negative", ErrInvalidConfig)
	}

	return nil
}
