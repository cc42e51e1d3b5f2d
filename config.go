package mesh

import (
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
)

// Config holds the protocol-configurable parameters of the engine.
type Config struct {
	DefaultTTL uint8

	// SegmentRetransmitInterval is the wait between retransmissions of
	// unacknowledged segments.
	SegmentRetransmitInterval time.Duration
	// SegmentRetryLimit bounds the number of retransmission cycles.
	SegmentRetryLimit int
	// AckDelay is how long the receiver waits before sending a partial
	// segment acknowledgement.
	AckDelay time.Duration
	// ReassemblyTimeout evicts an incomplete reassembly buffer after this
	// long without a new segment.
	ReassemblyTimeout time.Duration
	// AckedMessageTimeout bounds the wait for a status reply.
	AckedMessageTimeout time.Duration
	// ProvisioningTimeout bounds every provisioning step.
	ProvisioningTimeout time.Duration

	MessageCacheSize int
	// SequenceReserve is the block size of persisted sequence marks.
	SequenceReserve uint32

	Clock clock.Clock
}

func DefaultConfig() Config {
	return Config{
		DefaultTTL:                5,
		SegmentRetransmitInterval: 400 * time.Millisecond,
		SegmentRetryLimit:         4,
		AckDelay:                  150 * time.Millisecond,
		ReassemblyTimeout:         10 * time.Second,
		AckedMessageTimeout:       30 * time.Second,
		ProvisioningTimeout:       60 * time.Second,
		MessageCacheSize:          256,
		SequenceReserve:           256,
		Clock:                     clock.New(),
	}
}

func (c Config) Validate() error {
	switch {
	case c.DefaultTTL == 1 || c.DefaultTTL > 0x7F:
		return errors.Errorf("invalid default ttl %d", c.DefaultTTL)
	case c.SegmentRetransmitInterval <= 0:
		return errors.New("segment retransmit interval must be positive")
	case c.SegmentRetryLimit < 1:
		return errors.New("segment retry limit must be at least 1")
	case c.AckDelay <= 0:
		return errors.New("ack delay must be positive")
	case c.ReassemblyTimeout < 10*time.Second:
		return errors.Errorf("reassembly timeout %v below 10s", c.ReassemblyTimeout)
	case c.AckedMessageTimeout <= 0:
		return errors.New("acked message timeout must be positive")
	case c.ProvisioningTimeout <= 0:
		return errors.New("provisioning timeout must be positive")
	case c.MessageCacheSize < 1:
		return errors.New("message cache size must be at least 1")
	case c.SequenceReserve < 1:
		return errors.New("sequence reserve must be at least 1")
	case c.Clock == nil:
		return errors.New("nil clock")
	}
	return nil
}

type fileConfig struct {
	DefaultTTL                int    `toml:"default_ttl"`
	SegmentRetransmitInterval string `toml:"segment_retransmit_interval"`
	SegmentRetryLimit         int    `toml:"segment_retry_limit"`
	AckDelay                  string `toml:"ack_delay"`
	ReassemblyTimeout         string `toml:"reassembly_timeout"`
	AckedMessageTimeout       string `toml:"acked_message_timeout"`
	ProvisioningTimeout       string `toml:"provisioning_timeout"`
	MessageCacheSize          int    `toml:"message_cache_size"`
	SequenceReserve           int64  `toml:"sequence_reserve"`
}

// LoadConfig overlays the keys present in a TOML file on DefaultConfig.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, errors.Wrap(err, "load mesh config")
	}

	if meta.IsDefined("default_ttl") {
		cfg.DefaultTTL = uint8(raw.DefaultTTL)
	}
	if meta.IsDefined("segment_retry_limit") {
		cfg.SegmentRetryLimit = raw.SegmentRetryLimit
	}
	if meta.IsDefined("message_cache_size") {
		cfg.MessageCacheSize = raw.MessageCacheSize
	}
	if meta.IsDefined("sequence_reserve") {
		if raw.SequenceReserve < 0 {
			return Config{}, errors.Errorf("negative sequence_reserve %d", raw.SequenceReserve)
		}
		cfg.SequenceReserve = uint32(raw.SequenceReserve)
	}

	durations := []struct {
		key string
		val string
		dst *time.Duration
	}{
		{"segment_retransmit_interval", raw.SegmentRetransmitInterval, &cfg.SegmentRetransmitInterval},
		{"ack_delay", raw.AckDelay, &cfg.AckDelay},
		{"reassembly_timeout", raw.ReassemblyTimeout, &cfg.ReassemblyTimeout},
		{"acked_message_timeout", raw.AckedMessageTimeout, &cfg.AckedMessageTimeout},
		{"provisioning_timeout", raw.ProvisioningTimeout, &cfg.ProvisioningTimeout},
	}
	for _, d := range durations {
		if !meta.IsDefined(d.key) {
			continue
		}
		v, err := time.ParseDuration(strings.TrimSpace(d.val))
		if err != nil {
			return Config{}, errors.Wrapf(err, "parse %s", d.key)
		}
		*d.dst = v
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}
