package rate

import (
	"fmt"
	"net/netip"
	"os"
	"strings"
	"time"
)

const (
	storeTypeMemory = "memory"
	storeTypeRedis  = "redis"
)

// Config is the configuration for the rate limiter.
type Config struct {
	Enable bool `yaml:"enable"`

	StoreType string `yaml:"storeType"`

	Redis *RedisStoreConfig `yaml:"redis"`

	// Rate is allowed requests for the period.
	Rate int `yaml:"rate"`
	// Period is the time period for the rate.
	Period time.Duration `yaml:"period"`
	// Burst is the maximum burst capacity.
	Burst int `yaml:"burst"`

	// TrustedProxies are the addresses or CIDR ranges of reverse proxies
	// whose X-Forwarded-For header is honoured.
	TrustedProxies []string `yaml:"trustedProxies"`
}

// intervalSec returns the token emission interval in seconds.
func (c *Config) intervalSec() float64 {
	return c.Period.Seconds() / float64(c.Rate)
}

// burstOffset returns the max allowed burst time.
func (c *Config) burstOffset() float64 {
	return float64(c.Burst) * c.intervalSec()
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if !c.Enable {
		return nil
	}

	switch c.StoreType {
	case storeTypeRedis:
		if c.Redis == nil {
			return fmt.Errorf("redis must be set")
		}
		if err := c.Redis.validate(); err != nil {
			return err
		}
	case "":
		c.StoreType = storeTypeMemory
	case storeTypeMemory:
	default:
		return fmt.Errorf("unknown store type: %s", c.StoreType)
	}

	if c.Rate <= 0 {
		return fmt.Errorf("rate must be greater than 0")
	}
	if c.Period <= 0 {
		return fmt.Errorf("period must be greater than 0")
	}
	if c.Burst <= 0 {
		return fmt.Errorf("burst must be greater than 0")
	}
	if _, err := parseTrustedProxies(c.TrustedProxies); err != nil {
		return err
	}
	return nil
}

// parseTrustedProxies parses addresses and CIDR ranges into prefixes.
func parseTrustedProxies(proxies []string) ([]netip.Prefix, error) {
	var prefixes []netip.Prefix
	for _, p := range proxies {
		if strings.Contains(p, "/") {
			prefix, err := netip.ParsePrefix(p)
			if err != nil {
				return nil, fmt.Errorf("invalid trusted proxy %q: %s", p, err)
			}
			prefixes = append(prefixes, prefix.Masked())
			continue
		}
		addr, err := netip.ParseAddr(p)
		if err != nil {
			return nil, fmt.Errorf("invalid trusted proxy %q: %s", p, err)
		}
		addr = addr.Unmap()
		prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
	}
	return prefixes, nil
}

// RedisStoreConfig is the configuration for the redis store.
type RedisStoreConfig struct {
	// host:port address.
	Address string `yaml:"address"`

	Username string `yaml:"username"`
	Password string `yaml:"-"`
	Database int    `yaml:"database"`
}

func (c *RedisStoreConfig) validate() error {
	if c.Address == "" {
		return fmt.Errorf("address is required")
	}

	c.Password = os.Getenv("REDIS_PASSWORD")
	return nil
}
