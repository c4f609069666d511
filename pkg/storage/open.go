package storage

import (
	"github.com/hyp3rd/ewrap"
	"github.com/redis/go-redis/v9"

	"github.com/hyp3rd/coretex/internal/sentinel"
)

// OpenOptions selects and configures a storage engine.
type OpenOptions struct {
	Engine    string                // memory, badger or redis
	Dir       string                // badger data directory; empty means in-memory
	Redis     redis.UniversalClient // required for the redis engine
	Namespace string                // redis key prefix
}

// Open builds the Backend named by o.Engine. An empty engine selects memory.
func Open(o OpenOptions) (Backend, error) {
	switch o.Engine {
	case "", EngineMemory:
		return NewMemory(), nil
	case EngineBadger:
		return OpenBadger(o.Dir)
	case EngineRedis:
		return NewRedis(o.Redis, WithNamespace(o.Namespace))
	}

	return nil, ewrap.Wrapf(sentinel.ErrUnknownEngine, "%q", o.Engine)
}
