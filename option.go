package mesh

import (
	"time"

	"github.com/benbjohnson/clock"
)

// An Option is a configuration function, which configures the engine.
type Option func(*Config) error

// Apply runs opts against c in order and validates the result.
func (c *Config) Apply(opts ...Option) error {
	for _, o := range opts {
		if err := o(c); err != nil {
			return err
		}
	}
	return c.Validate()
}

// OptDefaultTTL sets the TTL used when a send does not specify one.
func OptDefaultTTL(ttl uint8) Option {
	return func(c *Config) error {
		c.DefaultTTL = ttl
		return nil
	}
}

// OptSegmentRetry overrides the segment retransmission interval and limit.
func OptSegmentRetry(interval time.Duration, limit int) Option {
	return func(c *Config) error {
		c.SegmentRetransmitInterval = interval
		c.SegmentRetryLimit = limit
		return nil
	}
}

// OptAckDelay overrides the receiver acknowledgement delay.
func OptAckDelay(d time.Duration) Option {
	return func(c *Config) error {
		c.AckDelay = d
		return nil
	}
}

// OptReassemblyTimeout overrides the incomplete reassembly timeout.
func OptReassemblyTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.ReassemblyTimeout = d
		return nil
	}
}

// OptAckedMessageTimeout overrides the wait for status replies.
func OptAckedMessageTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.AckedMessageTimeout = d
		return nil
	}
}

// OptProvisioningTimeout overrides the per-step provisioning timeout.
func OptProvisioningTimeout(d time.Duration) Option {
	return func(c *Config) error {
		c.ProvisioningTimeout = d
		return nil
	}
}

// OptSequenceReserve sets the block size of persisted sequence marks.
func OptSequenceReserve(n uint32) Option {
	return func(c *Config) error {
		c.SequenceReserve = n
		return nil
	}
}

// OptClock replaces the wall clock, typically with clock.NewMock in tests.
func OptClock(clk clock.Clock) Option {
	return func(c *Config) error {
		c.Clock = clk
		return nil
	}
}
