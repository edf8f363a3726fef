package killswitch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/hostlens/hostlens/internal/registry"
	"github.com/hostlens/hostlens/internal/status"
)

// RedisPlugin is a killswitch backend for multi-host deployments: flags
// live in a single Redis hash, refreshed in bulk into a local snapshot so
// isEnabled calls never block on the network. Grounded on docker-agent's
// leaderelection redisBackend (go-redis/v9 client idiom), adapted from a
// lock primitive to a read-mostly flag cache.
type RedisPlugin struct {
	client  *redis.Client
	hashKey string
	timeout time.Duration
	log     zerolog.Logger

	mu    sync.RWMutex
	flags map[string]bool
}

// NewRedisPlugin returns a plugin backed by client, reading flags from the
// Redis hash at hashKey (field -> "1"/"0", same encoding as isEnabled's
// wire value).
func NewRedisPlugin(client *redis.Client, hashKey string) *RedisPlugin {
	return &RedisPlugin{
		client:  client,
		hashKey: hashKey,
		timeout: 5 * time.Second,
		log:     log.With().Str("component", "killswitch.redis").Str("key", hashKey).Logger(),
		flags:   map[string]bool{},
	}
}

// SetUp performs the initial load, per registry.Plugin.
func (p *RedisPlugin) SetUp() status.Status {
	return p.refresh()
}

// TearDown closes nothing; the redis.Client is owned by its caller, not
// by this plugin.
func (p *RedisPlugin) TearDown() status.Status { return status.OKStatus }

func (p *RedisPlugin) refresh() status.Status {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	raw, err := p.client.HGetAll(ctx, p.hashKey).Result()
	if err != nil {
		return status.New(status.TransientIO, "killswitch: redis HGETALL %s: %v", p.hashKey, err)
	}

	flags := make(map[string]bool, len(raw))
	for field, value := range raw {
		switch value {
		case "1":
			flags[field] = true
		case "0":
			flags[field] = false
		default:
			var b bool
			if err := json.Unmarshal([]byte(value), &b); err == nil {
				flags[field] = b
				continue
			}
			p.log.Warn().Str("field", field).Str("value", value).Msg("ignoring malformed killswitch flag")
		}
	}

	p.mu.Lock()
	p.flags = flags
	p.mu.Unlock()
	return status.OKStatus
}

// Call implements registry.Plugin's uniform action dispatch.
func (p *RedisPlugin) Call(req registry.Request) (registry.Response, status.Status) {
	switch req["action"] {
	case "refresh":
		if st := p.refresh(); !st.Ok() {
			return nil, st
		}
		return registry.Response{}, status.OKStatus
	case "isEnabled":
		key := req["key"]
		p.mu.RLock()
		enabled := p.flags[key]
		p.mu.RUnlock()
		value := "0"
		if enabled {
			value = "1"
		}
		return registry.Response{{"isEnabled": value}}, status.OKStatus
	default:
		return nil, status.New(status.Unsupported, "killswitch: unsupported action %q", req["action"])
	}
}
