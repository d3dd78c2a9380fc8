package download

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/WilliamQf-AI/zoe/internal/types"
)

// ComputeFileHash digests the whole file at path with the given algorithm and
// returns the lowercase hex string.
func ComputeFileHash(path string, ht types.HashType) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("error opening %s for hashing: %w", path, err)
	}
	defer file.Close()

	var h hash.Hash
	switch ht {
	case types.CRC32:
		h = crc32.NewIEEE()
	case types.SHA1:
		h = sha1.New()
	case types.SHA256:
		h = sha256.New()
	default:
		h = md5.New()
	}
	if _, err := io.Copy(h, file); err != nil {
		return "", fmt.Errorf("error hashing %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
