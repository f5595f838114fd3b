package blockmode

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"

	"golang.org/x/crypto/blowfish"
	"golang.org/x/crypto/twofish"
	"golang.org/x/crypto/xtea"
)

var ErrKeyRejected = errors.New("no algorithm accepts the key")

// Algorithm adapts a block cipher. New consumes the first KeySize bytes of the key.
type Algorithm struct {
	Name      string
	KeySize   int
	BlockSize int
	New       func(key []byte) (cipher.Block, error)
}

var registry = []Algorithm{
	{
		Name:      "aes",
		KeySize:   16,
		BlockSize: aes.BlockSize,
		New:       aes.NewCipher,
	},
	{
		Name:      "twofish",
		KeySize:   16,
		BlockSize: twofish.BlockSize,
		New: func(key []byte) (cipher.Block, error) {
			return twofish.NewCipher(key)
		},
	},
	{
		Name:      "blowfish",
		KeySize:   20,
		BlockSize: blowfish.BlockSize,
		New: func(key []byte) (cipher.Block, error) {
			return blowfish.NewCipher(key)
		},
	},
	{
		Name:      "xtea",
		KeySize:   16,
		BlockSize: xtea.BlockSize,
		New: func(key []byte) (cipher.Block, error) {
			return xtea.NewCipher(key)
		},
	},
}

// Names lists the registered algorithms in default chain order.
func Names() []string {
	names := make([]string, 0, len(registry))
	for _, a := range registry {
		names = append(names, a.Name)
	}
	return names
}

func Lookup(name string) (Algorithm, error) {
	for _, a := range registry {
		if a.Name == name {
			return a, nil
		}
	}
	return Algorithm{}, fmt.Errorf("unknown algorithm %q", name)
}

// Init runs the key schedule of a on key.
func (a Algorithm) Init(key []byte) (cipher.Block, error) {
	if len(key) < a.KeySize {
		return nil, fmt.Errorf("%s needs a %d byte key, got %d", a.Name, a.KeySize, len(key))
	}
	return a.New(key[:a.KeySize])
}
