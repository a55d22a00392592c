package sqlfrag

import (
	"crypto/sha1" //nolint:gosec // content-addressing, not a security boundary
	"encoding/hex"
)

// Hash returns the 40-character lowercase hex SHA-1 digest of a canonical
// fragment string (spec §4.1: "fragment hashes are SHA-1, chosen only for
// its fixed 40-char width and ubiquity as a cache key, not for any
// cryptographic property").
func Hash(canonical string) string {
	sum := sha1.Sum([]byte(canonical))
	return hex.EncodeToString(sum[:])
}
