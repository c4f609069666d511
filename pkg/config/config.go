// Package config loads the coretex node configuration from TOML.
package config

import (
	"net"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/hyp3rd/ewrap"

	"github.com/hyp3rd/coretex/internal/libs/serializer"
	"github.com/hyp3rd/coretex/internal/sentinel"
	"github.com/hyp3rd/coretex/pkg/coordinator"
	"github.com/hyp3rd/coretex/pkg/logger"
	"github.com/hyp3rd/coretex/pkg/storage"
)

// Duration is a time.Duration decoded from strings such as "250ms" or "5s".
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return ewrap.Wrapf(sentinel.ErrConfiguration, "invalid duration %q", string(b))
	}

	d.Duration = v

	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) { return []byte(d.String()), nil }

// Config is the full node configuration.
type Config struct {
	Node        NodeConfig        `toml:"node" json:"node"`
	Storage     StorageConfig     `toml:"storage" json:"storage"`
	Replication ReplicationConfig `toml:"replication" json:"replication"`
	Consistency ConsistencyConfig `toml:"consistency" json:"consistency"`
	Messaging   MessagingConfig   `toml:"messaging" json:"messaging"`
	Log         logger.Config     `toml:"log" json:"log"`
}

// NodeConfig describes the local node and its listeners. Empty addresses disable
// the corresponding listener.
type NodeConfig struct {
	ID                string `toml:"id" json:"id"`
	BindAddress       string `toml:"bind_address" json:"bind_address"`             // replica RPC (HTTP)
	AdvertiseAddress  string `toml:"advertise_address" json:"advertise_address"`   // defaults to bind_address
	ClientAddress     string `toml:"client_address" json:"client_address"`         // wire protocol
	ManagementAddress string `toml:"management_address" json:"management_address"` // management HTTP
	EventsAddress     string `toml:"events_address" json:"events_address"`         // websocket event stream
	Weight            int    `toml:"weight" json:"weight"`
	Seeds             []Seed `toml:"seeds" json:"seeds"`
}

// Seed is a statically known peer.
type Seed struct {
	ID      string `toml:"id" json:"id"`
	Address string `toml:"address" json:"address"`
	Weight  int    `toml:"weight" json:"weight"`
}

// StorageConfig selects the local storage engine.
type StorageConfig struct {
	Engine        string `toml:"engine" json:"engine"` // memory, badger, redis
	DataDir       string `toml:"data_dir" json:"data_dir"`
	Serializer    string `toml:"serializer" json:"serializer"`
	RedisAddr     string `toml:"redis_addr" json:"redis_addr"`
	RedisPassword string `toml:"redis_password" json:"-"`
	RedisDB       int    `toml:"redis_db" json:"redis_db"`
	Namespace     string `toml:"namespace" json:"namespace"`
}

// ReplicationConfig holds the quorum parameters.
type ReplicationConfig struct {
	Factor             int      `toml:"factor" json:"factor"`
	ReadQuorum         int      `toml:"read_quorum" json:"read_quorum"`
	WriteQuorum        int      `toml:"write_quorum" json:"write_quorum"`
	VirtualNodes       int      `toml:"virtual_nodes" json:"virtual_nodes"`
	CallTimeout        Duration `toml:"call_timeout" json:"call_timeout"`
	HintTTL            Duration `toml:"hint_ttl" json:"hint_ttl"`
	HintReplayInterval Duration `toml:"hint_replay_interval" json:"hint_replay_interval"`
	HintMaxPerNode     int      `toml:"hint_max_per_node" json:"hint_max_per_node"`
	RepairConcurrency  int      `toml:"repair_concurrency" json:"repair_concurrency"`
}

// ConsistencyConfig tunes the local consistency manager.
type ConsistencyConfig struct {
	EventQueue int `toml:"event_queue" json:"event_queue"`
}

// MessagingConfig routes consistency events. Kafka is used when servers are set.
type MessagingConfig struct {
	EventsTopic  string   `toml:"events_topic" json:"events_topic"`
	KafkaServers []string `toml:"kafka_servers" json:"kafka_servers"`
	TopicPrefix  string   `toml:"topic_prefix" json:"topic_prefix"`
	QueueSize    int      `toml:"queue_size" json:"queue_size"`
}

// Default returns a standalone node configuration. A node without seeds is its
// only replica, so N, W and R start at 1.
func Default() Config {
	d := coordinator.Defaults()

	return Config{
		Node: NodeConfig{
			ID:          "node-1",
			BindAddress: "127.0.0.1:7000",
		},
		Storage: StorageConfig{
			Engine:     storage.EngineMemory,
			Serializer: serializer.Default,
			Namespace:  "coretex",
		},
		Replication: ReplicationConfig{
			Factor:             1,
			ReadQuorum:         1,
			WriteQuorum:        1,
			VirtualNodes:       64,
			CallTimeout:        Duration{d.CallTimeout},
			HintTTL:            Duration{d.HintTTL},
			HintReplayInterval: Duration{d.HintReplayInterval},
			HintMaxPerNode:     d.HintMaxPerNode,
			RepairConcurrency:  d.RepairConcurrency,
		},
		Consistency: ConsistencyConfig{EventQueue: 64},
		Messaging:   MessagingConfig{EventsTopic: "coretex.events", QueueSize: 64},
		Log:         logger.DefaultConfig(),
	}
}

// Load reads path over the defaults and validates the result.
func Load(path string) (Config, error) {
	cfg := Default()

	md, err := toml.DecodeFile(path, &cfg)

	return finish(cfg, md, err, "decode "+path)
}

// Parse decodes TOML text over the defaults and validates the result.
func Parse(text string) (Config, error) {
	cfg := Default()

	md, err := toml.Decode(text, &cfg)

	return finish(cfg, md, err, "decode config")
}

// finish rejects decode errors and unknown keys, then validates cfg.
func finish(cfg Config, md toml.MetaData, err error, what string) (Config, error) {
	if err != nil {
		return Config{}, sentinel.Classify(sentinel.ErrConfiguration, err, what)
	}

	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, ewrap.Wrapf(sentinel.ErrConfiguration, "unknown setting %q", undecoded[0].String())
	}

	return cfg, cfg.Validate()
}

// Validate rejects configurations that cannot serve traffic, most importantly
// quorums that do not intersect.
func (c Config) Validate() error {
	if c.Node.ID == "" {
		return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "node.id")
	}

	for name, addr := range map[string]string{
		"node.bind_address":       c.Node.BindAddress,
		"node.advertise_address":  c.Node.AdvertiseAddress,
		"node.client_address":     c.Node.ClientAddress,
		"node.management_address": c.Node.ManagementAddress,
		"node.events_address":     c.Node.EventsAddress,
	} {
		if addr == "" {
			continue
		}

		_, _, err := net.SplitHostPort(addr)
		if err != nil {
			return ewrap.Wrapf(sentinel.ErrConfiguration, "%s: %v", name, err)
		}
	}

	for _, s := range c.Node.Seeds {
		if s.ID == "" || s.Address == "" {
			return ewrap.Wrap(sentinel.ErrConfiguration, "node.seeds entries need id and address")
		}
	}

	switch c.Storage.Engine {
	case storage.EngineMemory, storage.EngineBadger:
	case storage.EngineRedis:
		if c.Storage.RedisAddr == "" {
			return ewrap.Wrap(sentinel.ErrParamCannotBeEmpty, "storage.redis_addr")
		}
	default:
		return ewrap.Wrapf(sentinel.ErrUnknownEngine, "%q", c.Storage.Engine)
	}

	_, err := serializer.New(c.Storage.Serializer)
	if err != nil {
		return err
	}

	return c.Coordinator().Validate()
}

// Coordinator returns the coordinator settings.
func (c Config) Coordinator() coordinator.Config {
	r := c.Replication

	return coordinator.Config{
		ReplicationFactor:  r.Factor,
		WriteQuorum:        r.WriteQuorum,
		ReadQuorum:         r.ReadQuorum,
		CallTimeout:        r.CallTimeout.Duration,
		HintTTL:            r.HintTTL.Duration,
		HintReplayInterval: r.HintReplayInterval.Duration,
		HintMaxPerNode:     r.HintMaxPerNode,
		RepairConcurrency:  r.RepairConcurrency,
	}
}

// Advertise returns the address peers use to reach this node.
func (c Config) Advertise() string {
	if c.Node.AdvertiseAddress != "" {
		return c.Node.AdvertiseAddress
	}

	return c.Node.BindAddress
}
