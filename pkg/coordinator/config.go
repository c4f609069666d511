package coordinator

import (
	"time"

	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

const (
	defaultReplication        = 3
	defaultQuorum             = 2
	defaultCallTimeout        = 2 * time.Second
	defaultHintTTL            = 10 * time.Minute
	defaultHintReplayInterval = 5 * time.Second
	defaultHintMaxPerNode     = 1024
	defaultRepairConcurrency  = 16
)

// Config holds replication and quorum settings.
type Config struct {
	ReplicationFactor  int           // N: replicas per key
	WriteQuorum        int           // W: acks required for a write
	ReadQuorum         int           // R: answers required for a read
	CallTimeout        time.Duration // per replica call, detached from caller cancellation
	HintTTL            time.Duration // hints older than this are discarded
	HintReplayInterval time.Duration // zero disables the replay loop
	HintMaxPerNode     int           // hints beyond this are dropped
	RepairConcurrency  int           // bound on in-flight background read repairs
}

// Defaults returns a Config with safe initial values (N=3, W=2, R=2).
func Defaults() Config {
	return Config{
		ReplicationFactor:  defaultReplication,
		WriteQuorum:        defaultQuorum,
		ReadQuorum:         defaultQuorum,
		CallTimeout:        defaultCallTimeout,
		HintTTL:            defaultHintTTL,
		HintReplayInterval: defaultHintReplayInterval,
		HintMaxPerNode:     defaultHintMaxPerNode,
		RepairConcurrency:  defaultRepairConcurrency,
	}
}

// Validate checks that every read quorum intersects every write quorum.
func (c Config) Validate() error {
	if c.ReplicationFactor < 1 {
		return ewrap.Wrapf(sentinel.ErrInvalidReplication, "got %d", c.ReplicationFactor)
	}

	if c.WriteQuorum < 1 || c.WriteQuorum > c.ReplicationFactor {
		return ewrap.Wrapf(sentinel.ErrConfiguration, "write quorum %d outside [1,%d]", c.WriteQuorum, c.ReplicationFactor)
	}

	if c.ReadQuorum < 1 || c.ReadQuorum > c.ReplicationFactor {
		return ewrap.Wrapf(sentinel.ErrConfiguration, "read quorum %d outside [1,%d]", c.ReadQuorum, c.ReplicationFactor)
	}

	if c.WriteQuorum+c.ReadQuorum <= c.ReplicationFactor {
		return ewrap.Wrapf(sentinel.ErrInvalidQuorum, "W=%d R=%d N=%d", c.WriteQuorum, c.ReadQuorum, c.ReplicationFactor)
	}

	if c.CallTimeout < 0 || c.HintTTL < 0 || c.HintReplayInterval < 0 {
		return ewrap.Wrap(sentinel.ErrConfiguration, "durations must not be negative")
	}

	return nil
}

// withDefaults fills unset tuning knobs; quorum parameters are left as given.
func (c Config) withDefaults() Config {
	d := Defaults()

	if c.CallTimeout == 0 {
		c.CallTimeout = d.CallTimeout
	}

	if c.HintTTL == 0 {
		c.HintTTL = d.HintTTL
	}

	if c.HintMaxPerNode <= 0 {
		c.HintMaxPerNode = d.HintMaxPerNode
	}

	if c.RepairConcurrency <= 0 {
		c.RepairConcurrency = d.RepairConcurrency
	}

	return c
}
