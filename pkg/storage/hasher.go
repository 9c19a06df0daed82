package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"regexp"
)

// Fingerprints are lowercase hex SHA-256 digests of the payload bytes.
var fingerprintRegex = regexp.MustCompile("^[a-f0-9]{64}$")

// ValidFingerprint reports whether s is a well-formed content fingerprint.
func ValidFingerprint(s string) bool {
	return fingerprintRegex.MatchString(s)
}

// HashBytes returns the fingerprint of an in-memory payload.
func HashBytes(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashReader streams r through the hasher and returns the fingerprint and the
// number of bytes consumed. The payload is never buffered whole.
func HashReader(r io.Reader) (string, int64, error) {
	hasher := sha256.New()
	n, err := io.Copy(hasher, r)
	if err != nil {
		return "", 0, fmt.Errorf("hashing stream: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), n, nil
}
