package hasher

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"os"
	"sync"

	"github.com/cespare/xxhash/v2"
	"lukechampine.com/blake3"

	"playcheck/logger"
)

const (
	hashBufferSmallSize      = 32 * 1024
	hashBufferLargeSize      = 128 * 1024
	hashLargeBufferThreshold = 256 * 1024
)

var hashBufferSmallPool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, hashBufferSmallSize)
		return &buf
	},
}

var hashBufferLargePool = sync.Pool{
	New: func() interface{} {
		buf := make([]byte, hashBufferLargeSize)
		return &buf
	},
}

// Supported reports whether name is a digest this package can compute.
func Supported(name string) bool {
	return newHash(name) != nil
}

func newHash(name string) hash.Hash {
	switch name {
	case "md5":
		return md5.New()
	case "sha1":
		return sha1.New()
	case "sha256":
		return sha256.New()
	case "blake3":
		return blake3.New(32, nil)
	}
	return nil
}

type hasherEntry struct {
	name string
	h    hash.Hash
}

func buildHashers(algorithms []string) []hasherEntry {
	hashers := make([]hasherEntry, 0, len(algorithms))
	seen := make(map[string]struct{}, len(algorithms))
	for _, algo := range algorithms {
		if _, ok := seen[algo]; ok {
			continue
		}
		h := newHash(algo)
		if h == nil {
			logger.Warnf("Unsupported hash algorithm: %s", algo)
			continue
		}
		seen[algo] = struct{}{}
		hashers = append(hashers, hasherEntry{name: algo, h: h})
	}
	return hashers
}

// Digest streams r once through every requested algorithm. Unknown
// algorithms are skipped with a warning.
func Digest(r io.Reader, algorithms []string) (map[string]string, error) {
	return digest(r, algorithms, &hashBufferSmallPool)
}

// DigestFile is Digest over the file at path.
func DigestFile(path string, algorithms []string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s for hashing: %w", path, err)
	}
	defer file.Close()

	pool := &hashBufferSmallPool
	if info, statErr := file.Stat(); statErr == nil && info.Size() >= hashLargeBufferThreshold {
		pool = &hashBufferLargePool
	}
	hashes, err := digest(file, algorithms, pool)
	if err != nil {
		return nil, fmt.Errorf("hash %s: %w", path, err)
	}
	return hashes, nil
}

func digest(r io.Reader, algorithms []string, pool *sync.Pool) (map[string]string, error) {
	hashers := buildHashers(algorithms)
	hashes := make(map[string]string, len(hashers))
	if len(hashers) == 0 {
		return hashes, nil
	}

	writers := make([]io.Writer, len(hashers))
	for i := range hashers {
		writers[i] = hashers[i].h
	}
	bufferPtr := pool.Get().(*[]byte)
	defer pool.Put(bufferPtr)
	if _, err := io.CopyBuffer(io.MultiWriter(writers...), r, *bufferPtr); err != nil {
		return nil, err
	}

	for i := range hashers {
		hashes[hashers[i].name] = hex.EncodeToString(hashers[i].h.Sum(nil))
	}
	return hashes, nil
}

// Fingerprint is a fast non-cryptographic content hash used to detect
// unchanged files.
func Fingerprint(path string) (uint64, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	d := xxhash.New()
	bufferPtr := hashBufferSmallPool.Get().(*[]byte)
	defer hashBufferSmallPool.Put(bufferPtr)
	if _, err := io.CopyBuffer(d, file, *bufferPtr); err != nil {
		return 0, err
	}
	return d.Sum64(), nil
}
