package state

import (
	"crypto/rand"
	"crypto/subtle"
)

// Key is a symmetric key: the pre-shared initial key, a global key or a pairwise key.
type Key [KeySize]byte

func GenerateKey() Key {
	var k Key
	_, err := rand.Read(k[:])
	if err != nil {
		panic(err)
	}
	return k
}

func GenerateNonce() [NonceSize]byte {
	var n [NonceSize]byte
	_, err := rand.Read(n[:])
	if err != nil {
		panic(err)
	}
	return n
}

func (k Key) IsZero() bool {
	return k == Key{}
}

func (k Key) Equal(o Key) bool {
	return subtle.ConstantTimeCompare(k[:], o[:]) == 1
}
