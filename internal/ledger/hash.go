package ledger

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// saltBytes is the length of the per-record random salt before hex encoding.
const saltBytes = 16

// NewSalt returns a fresh per-record salt: 16 bytes from a cryptographically
// secure source, hex encoded.
func NewSalt() (string, error) {
	buf := make([]byte, saltBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random salt: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// ComputeHash computes a record's identity hash:
//
//	record_hash = hex(SHA-256(canonical_payload || "|" || salt || "|" || previous_hash))
//
// The concatenation order is fixed; changing it invalidates every previously
// computed hash. prevHash is either the predecessor's record hash or GenesisHash.
func ComputeHash(canonical []byte, salt, prevHash string) (string, error) {
	if err := checkHex(salt, saltBytes*2); err != nil {
		return "", &HashInputError{Detail: "salt: " + err.Error()}
	}
	if err := checkHex(prevHash, sha256.Size*2); err != nil {
		return "", &HashInputError{Detail: "previous hash: " + err.Error()}
	}

	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte{'|'})
	h.Write([]byte(salt))
	h.Write([]byte{'|'})
	h.Write([]byte(prevHash))
	return hex.EncodeToString(h.Sum(nil)), nil
}

func checkHex(s string, wantLen int) error {
	if len(s) != wantLen {
		return fmt.Errorf("got %d chars, want %d", len(s), wantLen)
	}
	if _, err := hex.DecodeString(s); err != nil {
		return fmt.Errorf("not hex encoded")
	}
	return nil
}
