package ledger

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// MerkleRoot builds a binary Merkle tree bottom-up over an ordered list of
// record hashes and returns the hex-encoded root.
//
// Adjacent leaves are paired and hashed as SHA-256(left || right) over the
// raw 32-byte digests. An odd leaf at the end of a level is promoted to the
// next level unchanged (no duplication). A single leaf is therefore its own
// root. An empty input returns ErrEmptyPeriod.
func MerkleRoot(hashes []string) (string, error) {
	if len(hashes) == 0 {
		return "", ErrEmptyPeriod
	}

	layer := make([][]byte, len(hashes))
	for i, hs := range hashes {
		raw, err := hex.DecodeString(hs)
		if err != nil || len(raw) != sha256.Size {
			return "", &HashInputError{Detail: fmt.Sprintf("leaf %d is not a sha-256 hex digest", i)}
		}
		layer[i] = raw
	}

	for len(layer) > 1 {
		next := make([][]byte, 0, (len(layer)+1)/2)
		for i := 0; i < len(layer); i += 2 {
			if i+1 == len(layer) {
				next = append(next, layer[i])
				break
			}
			h := sha256.New()
			h.Write(layer[i])
			h.Write(layer[i+1])
			next = append(next, h.Sum(nil))
		}
		layer = next
	}
	return hex.EncodeToString(layer[0]), nil
}
