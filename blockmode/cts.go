package blockmode

import (
	"crypto/cipher"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

var ErrShortInput = errors.New("input shorter than one block")

// EncryptCTS encrypts src into dst with CBC and ciphertext stealing, swapping the last two
// blocks (CS3). len(dst) must be at least len(src) and len(src) at least one block.
func EncryptCTS(b cipher.Block, iv, dst, src []byte) error {
	bs := b.BlockSize()
	n := len(src)
	if n < bs {
		return fmt.Errorf("%d bytes: %w", n, ErrShortInput)
	}
	if len(iv) != bs {
		return fmt.Errorf("iv of %d bytes for block size %d", len(iv), bs)
	}
	prev := make([]byte, bs)
	copy(prev, iv)
	if n == bs {
		subtle.XORBytes(dst[:bs], src[:bs], prev)
		b.Encrypt(dst[:bs], dst[:bs])
		return nil
	}

	tail := n % bs
	if tail == 0 {
		tail = bs
	}
	// all blocks before the last two are plain CBC
	head := n - tail - bs
	blk := make([]byte, bs)
	for i := 0; i < head; i += bs {
		subtle.XORBytes(blk, src[i:i+bs], prev)
		b.Encrypt(dst[i:i+bs], blk)
		copy(prev, dst[i:i+bs])
	}

	// second to last block
	penult := make([]byte, bs)
	subtle.XORBytes(penult, src[head:head+bs], prev)
	b.Encrypt(penult, penult)

	// last block, zero padded, chained on penult
	last := make([]byte, bs)
	copy(last, src[head+bs:])
	subtle.XORBytes(last, last, penult)
	b.Encrypt(last, last)

	copy(dst[head:head+bs], last)
	copy(dst[head+bs:n], penult[:tail])
	return nil
}

// DecryptCTS reverses EncryptCTS.
func DecryptCTS(b cipher.Block, iv, dst, src []byte) error {
	bs := b.BlockSize()
	n := len(src)
	if n < bs {
		return fmt.Errorf("%d bytes: %w", n, ErrShortInput)
	}
	if len(iv) != bs {
		return fmt.Errorf("iv of %d bytes for block size %d", len(iv), bs)
	}
	prev := make([]byte, bs)
	copy(prev, iv)
	if n == bs {
		b.Decrypt(dst[:bs], src[:bs])
		subtle.XORBytes(dst[:bs], dst[:bs], prev)
		return nil
	}

	tail := n % bs
	if tail == 0 {
		tail = bs
	}
	head := n - tail - bs
	blk := make([]byte, bs)
	for i := 0; i < head; i += bs {
		copy(blk, src[i:i+bs])
		b.Decrypt(dst[i:i+bs], blk)
		subtle.XORBytes(dst[i:i+bs], dst[i:i+bs], prev)
		copy(prev, blk)
	}

	// d = padded last plaintext xor penultimate ciphertext
	d := make([]byte, bs)
	b.Decrypt(d, src[head:head+bs])
	penult := make([]byte, bs)
	copy(penult, src[head+bs:n])
	copy(penult[tail:], d[tail:])

	lastPlain := make([]byte, tail)
	subtle.XORBytes(lastPlain, d[:tail], penult[:tail])

	b.Decrypt(blk, penult)
	subtle.XORBytes(dst[head:head+bs], blk, prev)
	copy(dst[head+bs:n], lastPlain)
	return nil
}

// MAC computes a CBC-MAC of msg truncated to size bytes. The first block carries the message
// length in blocks so messages of different lengths cannot be extended into each other.
func MAC(b cipher.Block, msg []byte, size int) []byte {
	bs := b.BlockSize()
	blocks := (len(msg) + bs - 1) / bs
	state := make([]byte, bs)
	binary.BigEndian.PutUint16(state, uint16(blocks))
	b.Encrypt(state, state)

	blk := make([]byte, bs)
	for i := 0; i < len(msg); i += bs {
		clear(blk)
		copy(blk, msg[i:min(i+bs, len(msg))])
		subtle.XORBytes(state, state, blk)
		b.Encrypt(state, state)
	}
	return state[:min(size, bs)]
}
