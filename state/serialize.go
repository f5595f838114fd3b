package state

import (
	"encoding/hex"
	"fmt"
)

func (k Key) MarshalText() ([]byte, error) {
	return []byte(hex.EncodeToString(k[:])), nil
}

func (k *Key) UnmarshalText(text []byte) error {
	data, err := hex.DecodeString(string(text))
	if err != nil {
		return err
	}
	if len(data) != KeySize {
		return fmt.Errorf("key must be %d bytes, got %d", KeySize, len(data))
	}
	*k = Key(data)
	return nil
}

func (k Key) String() string {
	return hex.EncodeToString(k[:4]) + "..."
}
