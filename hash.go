package ctrfs

import (
	"crypto/sha256"
)

func sha256Hash(payloads ...[]byte) []byte {
	hash := sha256.New()
	for _, payload := range payloads {
		hash.Write(payload)
	}
	return hash.Sum(nil)
}
