// Package integrity verifies finished files against "algo:hex" checksum tokens.
package integrity

import (
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/zeebo/xxh3"
	"lukechampine.com/blake3"
)

var (
	ErrInvalidToken         = errors.New("integrity: invalid checksum token")
	ErrUnsupportedAlgorithm = errors.New("integrity: unsupported algorithm")
)

type Algorithm string

const (
	SHA256 Algorithm = "sha256"
	SHA512 Algorithm = "sha512"
	BLAKE3 Algorithm = "blake3"
	XXH3   Algorithm = "xxh3"
	XXH64  Algorithm = "xxh64"
)

var digestHexLen = map[Algorithm]int{
	SHA256: 64,
	SHA512: 128,
	BLAKE3: 64,
	XXH3:   16,
	XXH64:  16,
}

type Checksum struct {
	Algorithm Algorithm
	Digest    string // lowercase hex
}

func (c Checksum) String() string {
	return string(c.Algorithm) + ":" + c.Digest
}

// Parse reads a token such as "sha256:9f86d0...". The 64-bit xxhash
// families accept digests without leading zeros.
func Parse(token string) (Checksum, error) {
	algo, digest, ok := strings.Cut(strings.TrimSpace(token), ":")
	if !ok || digest == "" {
		return Checksum{}, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	a := Algorithm(strings.ToLower(algo))
	want, ok := digestHexLen[a]
	if !ok {
		return Checksum{}, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, algo)
	}
	digest = strings.ToLower(digest)
	if a == XXH3 || a == XXH64 {
		v, err := strconv.ParseUint(digest, 16, 64)
		if err != nil {
			return Checksum{}, fmt.Errorf("%w: %q", ErrInvalidToken, token)
		}
		digest = fmt.Sprintf("%016x", v)
	}
	if _, err := hex.DecodeString(digest); err != nil || len(digest) != want {
		return Checksum{}, fmt.Errorf("%w: %q", ErrInvalidToken, token)
	}
	return Checksum{Algorithm: a, Digest: digest}, nil
}

func newHash(a Algorithm) (hash.Hash, error) {
	switch a {
	case SHA256:
		return sha256.New(), nil
	case SHA512:
		return sha512.New(), nil
	case BLAKE3:
		return blake3.New(32, nil), nil
	case XXH3:
		return xxh3.New(), nil
	case XXH64:
		return xxhash.New(), nil
	}
	return nil, fmt.Errorf("%w: %s", ErrUnsupportedAlgorithm, a)
}

// MismatchError reports a file whose digest differs from the expected one.
type MismatchError struct {
	Path     string
	Expected Checksum
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("integrity: %s digest mismatch for %s: expected %s, got %s",
		e.Expected.Algorithm, e.Path, e.Expected.Digest, e.Actual)
}

// Sum computes the hex digest of r with the given algorithm.
func Sum(a Algorithm, r io.Reader) (string, error) {
	h, err := newHash(a)
	if err != nil {
		return "", err
	}
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// VerifyFile streams path through the expected algorithm.
func VerifyFile(path string, expected Checksum) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	actual, err := Sum(expected.Algorithm, f)
	if err != nil {
		return fmt.Errorf("integrity: hash %s: %w", path, err)
	}
	if actual != expected.Digest {
		return &MismatchError{Path: path, Expected: expected, Actual: actual}
	}
	return nil
}
