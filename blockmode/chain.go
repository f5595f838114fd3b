package blockmode

import (
	"crypto/cipher"
	"fmt"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	scheduleCacheSize = 64
	scheduleCacheTTL  = 10 * time.Minute
)

// Chain is an ordered list of algorithms. A key is served by the first algorithm that accepts it.
// Key schedules are cached, so a Chain is cheap to call per packet.
type Chain struct {
	algorithms []Algorithm
	schedules  *ttlcache.Cache[string, cipher.Block]
}

// NewChain builds a chain from algorithm names, or every registered algorithm if names is empty.
func NewChain(names ...string) (*Chain, error) {
	if len(names) == 0 {
		names = Names()
	}
	c := &Chain{
		schedules: ttlcache.New[string, cipher.Block](
			ttlcache.WithTTL[string, cipher.Block](scheduleCacheTTL),
			ttlcache.WithCapacity[string, cipher.Block](scheduleCacheSize),
		),
	}
	for _, n := range names {
		a, err := Lookup(n)
		if err != nil {
			return nil, err
		}
		c.algorithms = append(c.algorithms, a)
	}
	return c, nil
}

func (c *Chain) Algorithms() []Algorithm {
	return c.algorithms
}

// Block returns the initialized cipher for key and the algorithm that accepted it.
func (c *Chain) Block(key []byte) (cipher.Block, error) {
	if item := c.schedules.Get(string(key)); item != nil {
		return item.Value(), nil
	}
	for _, a := range c.algorithms {
		if len(key) < a.KeySize {
			continue
		}
		b, err := a.Init(key)
		if err != nil {
			continue
		}
		c.schedules.Set(string(key), b, ttlcache.DefaultTTL)
		return b, nil
	}
	return nil, fmt.Errorf("%d byte key: %w", len(key), ErrKeyRejected)
}

// Preferred returns the algorithm that serves key.
func (c *Chain) Preferred(key []byte) (Algorithm, error) {
	for _, a := range c.algorithms {
		if len(key) < a.KeySize {
			continue
		}
		if _, err := a.Init(key); err == nil {
			return a, nil
		}
	}
	return Algorithm{}, fmt.Errorf("%d byte key: %w", len(key), ErrKeyRejected)
}
