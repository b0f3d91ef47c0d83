package cellar

import (
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"strings"

	"lukechampine.com/blake3"
)

// HashAlgo names a supported content hash.
type HashAlgo string

const (
	HashSHA1   HashAlgo = "sha1"
	HashSHA256 HashAlgo = "sha256"
	HashBLAKE3 HashAlgo = "blake3"
)

// Digest is an expected content hash, e.g. "sha256:ab12...".
type Digest struct {
	Algo HashAlgo
	Hex  string
}

func (d Digest) String() string {
	return string(d.Algo) + ":" + d.Hex
}

// ParseHash parses "algo:hex". Bare hex is accepted for sha1 (40 digits)
// and sha256 (64 digits).
func ParseHash(s string) (Digest, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Digest{}, fmt.Errorf("hash is required")
	}
	algo, sum, found := strings.Cut(s, ":")
	if !found {
		sum = s
		switch len(s) {
		case 40:
			algo = string(HashSHA1)
		case 64:
			algo = string(HashSHA256)
		default:
			return Digest{}, fmt.Errorf("cannot infer hash algorithm from %d hex digits", len(s))
		}
	}
	d := Digest{Algo: HashAlgo(strings.ToLower(algo)), Hex: strings.ToLower(sum)}

	want := 0
	switch d.Algo {
	case HashSHA1:
		want = 40
	case HashSHA256, HashBLAKE3:
		want = 64
	default:
		return Digest{}, fmt.Errorf("unsupported hash algorithm %q", algo)
	}
	if len(d.Hex) != want {
		return Digest{}, fmt.Errorf("%s hash must be %d hex digits, got %d", d.Algo, want, len(d.Hex))
	}
	if _, err := hex.DecodeString(d.Hex); err != nil {
		return Digest{}, fmt.Errorf("invalid %s hash: %w", d.Algo, err)
	}
	return d, nil
}

func (d Digest) newHash() hash.Hash {
	switch d.Algo {
	case HashSHA1:
		return sha1.New()
	case HashSHA256:
		return sha256.New()
	default:
		return blake3.New(32, nil)
	}
}

// Sum hashes r with the digest's algorithm.
func (d Digest) Sum(r io.Reader) (string, error) {
	h := d.newHash()
	buf := make([]byte, 64*1024)
	if _, err := io.CopyBuffer(h, r, buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// SumFile hashes the file at path.
func (d Digest) SumFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return d.Sum(f)
}

// Verify hashes the file at path and returns *IntegrityError on mismatch.
func (d Digest) Verify(resource, path string) error {
	got, err := d.SumFile(path)
	if err != nil {
		return fmt.Errorf("failed to hash %s: %w", path, err)
	}
	if got != d.Hex {
		return &IntegrityError{Resource: resource, Want: d.String(), Got: string(d.Algo) + ":" + got}
	}
	return nil
}

// hashString returns a BLAKE3 digest of s, used for cache keys.
func hashString(s string) string {
	h := blake3.New(32, nil)
	h.Write([]byte(s))
	return fmt.Sprintf("%x", h.Sum(nil))
}
