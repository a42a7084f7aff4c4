// Package hashindex holds the known-malicious content hash set and the
// digest computation used to query it.
package hashindex

import (
	"bufio"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"io"
	"strings"
)

// Algorithm identifies a digest type
type Algorithm string

const (
	AlgMD5    Algorithm = "md5"
	AlgSHA1   Algorithm = "sha1"
	AlgSHA256 Algorithm = "sha256"
	AlgSHA512 Algorithm = "sha512"
)

// AllAlgorithms returns the supported algorithms in lookup priority order
func AllAlgorithms() []Algorithm {
	return []Algorithm{AlgSHA256, AlgSHA512, AlgSHA1, AlgMD5}
}

// algorithmForLength infers the digest type from a hex string length
func algorithmForLength(n int) (Algorithm, bool) {
	switch n {
	case 32:
		return AlgMD5, true
	case 40:
		return AlgSHA1, true
	case 64:
		return AlgSHA256, true
	case 128:
		return AlgSHA512, true
	default:
		return "", false
	}
}

// Digests carries the hex digests computed for a payload
type Digests struct {
	MD5    string `json:"md5,omitempty"`
	SHA1   string `json:"sha1,omitempty"`
	SHA256 string `json:"sha256"`
	SHA512 string `json:"sha512,omitempty"`
}

// Get returns the digest for an algorithm, empty when not computed
func (d Digests) Get(alg Algorithm) string {
	switch alg {
	case AlgMD5:
		return d.MD5
	case AlgSHA1:
		return d.SHA1
	case AlgSHA256:
		return d.SHA256
	case AlgSHA512:
		return d.SHA512
	default:
		return ""
	}
}

// Compute hashes data. SHA-256 is always computed; all four digests are
// computed in a single pass when all is true.
func Compute(data []byte, all bool) Digests {
	if !all {
		sum := sha256.Sum256(data)
		return Digests{SHA256: hex.EncodeToString(sum[:])}
	}

	hashers := map[Algorithm]hash.Hash{
		AlgMD5:    md5.New(),
		AlgSHA1:   sha1.New(),
		AlgSHA256: sha256.New(),
		AlgSHA512: sha512.New(),
	}
	writers := make([]io.Writer, 0, len(hashers))
	for _, h := range hashers {
		writers = append(writers, h)
	}
	// hash.Hash writes never fail
	_, _ = io.MultiWriter(writers...).Write(data)

	sum := func(alg Algorithm) string { return hex.EncodeToString(hashers[alg].Sum(nil)) }
	return Digests{
		MD5:    sum(AlgMD5),
		SHA1:   sum(AlgSHA1),
		SHA256: sum(AlgSHA256),
		SHA512: sum(AlgSHA512),
	}
}

// Index is an immutable set of malicious hashes, safe for concurrent reads
type Index struct {
	sets map[Algorithm]map[string]struct{}
}

// Empty returns an index with no entries
func Empty() *Index {
	return NewBuilder().Build()
}

// Contains reports whether the hex digest is known-malicious
func (i *Index) Contains(alg Algorithm, digest string) bool {
	if digest == "" {
		return false
	}
	_, ok := i.sets[alg][strings.ToLower(digest)]
	return ok
}

// Lookup checks every computed digest and returns the first hit in priority order
func (i *Index) Lookup(d Digests) (Algorithm, bool) {
	for _, alg := range AllAlgorithms() {
		if i.Contains(alg, d.Get(alg)) {
			return alg, true
		}
	}
	return "", false
}

// Len returns the total number of hashes in the index
func (i *Index) Len() int {
	n := 0
	for _, set := range i.sets {
		n += len(set)
	}
	return n
}

// Counts returns the number of hashes per algorithm
func (i *Index) Counts() map[Algorithm]int {
	counts := make(map[Algorithm]int, len(i.sets))
	for alg, set := range i.sets {
		counts[alg] = len(set)
	}
	return counts
}

// Builder accumulates hashes before the index is frozen. Not safe for
// concurrent use.
type Builder struct {
	sets     map[Algorithm]map[string]struct{}
	rejected int
}

// NewBuilder creates an empty builder
func NewBuilder() *Builder {
	sets := make(map[Algorithm]map[string]struct{})
	for _, alg := range AllAlgorithms() {
		sets[alg] = make(map[string]struct{})
	}
	return &Builder{sets: sets}
}

// Add inserts one hex digest; the algorithm is inferred from its length
func (b *Builder) Add(digest string) error {
	digest = strings.ToLower(strings.TrimSpace(digest))
	alg, ok := algorithmForLength(len(digest))
	if !ok {
		b.rejected++
		return fmt.Errorf("unsupported hash length %d", len(digest))
	}
	if _, err := hex.DecodeString(digest); err != nil {
		b.rejected++
		return fmt.Errorf("invalid hex digest: %w", err)
	}
	b.sets[alg][digest] = struct{}{}
	return nil
}

// AddAll inserts digests and returns how many were accepted
func (b *Builder) AddAll(digests []string) int {
	added := 0
	for _, d := range digests {
		if b.Add(d) == nil {
			added++
		}
	}
	return added
}

// ReadCorpus reads a line-oriented corpus: one hash per line, blank lines and
// lines starting with '#' ignored. Only the first whitespace-separated field of
// a line is used, so sha256sum-style output is accepted.
func (b *Builder) ReadCorpus(r io.Reader) (added int, err error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if b.Add(fields[0]) == nil {
			added++
		}
	}
	if err := scanner.Err(); err != nil {
		return added, fmt.Errorf("failed to read hash corpus: %w", err)
	}
	return added, nil
}

// Rejected returns the number of entries that were not valid digests
func (b *Builder) Rejected() int {
	return b.rejected
}

// Build freezes the accumulated hashes into an Index. The builder must not be
// used afterwards.
func (b *Builder) Build() *Index {
	idx := &Index{sets: b.sets}
	b.sets = nil
	return idx
}
