package wal

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const keyInfo = "changetrack-log-v1"

// DeriveKey derives the HMAC key for one document's log from a master key.
// An empty master key yields a key bound only to the document id, which
// still detects cross-document log swaps.
func DeriveKey(master []byte, documentID string) ([]byte, error) {
	r := hkdf.New(sha256.New, master, []byte(documentID), []byte(keyInfo))
	key := make([]byte, 32)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("derive log key: %w", err)
	}
	return key, nil
}
