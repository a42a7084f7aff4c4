// Package corpus assembles the rule set and hash index from the configured
// sources before the engine starts serving.
package corpus

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rs/zerolog/log"

	"imgscan-server/internal/hashindex"
	"imgscan-server/internal/rules"
)

// maxObjectBytes caps corpus objects fetched from object storage
const maxObjectBytes int64 = 256 << 20

// HashSource supplies known-malicious digests from a remote store
type HashSource interface {
	Name() string
	LoadHashes(ctx context.Context) ([]string, error)
}

// ObjectStore fetches whole objects
type ObjectStore interface {
	GetObjectBytes(ctx context.Context, objectName string, maxBytes int64) ([]byte, error)
}

// Sources names where reference data comes from. Empty fields are skipped.
type Sources struct {
	RulesPath      string
	RulesObject    string
	HashCorpusPath string
	HashObject     string
	Store          ObjectStore
	HashSources    []HashSource
}

// Corpus is the loaded reference data
type Corpus struct {
	Rules       *rules.RuleSet
	RulesOrigin string
	Hashes      *hashindex.Index
}

// ErrNoStore is returned when an object is configured without object storage
var ErrNoStore = errors.New("object storage is not configured")

// Load builds the rule set and hash index. Any configured source that fails
// is an error; callers treat it as fatal.
func Load(ctx context.Context, src Sources) (*Corpus, error) {
	rs, origin, err := LoadRules(ctx, src)
	if err != nil {
		return nil, err
	}
	idx, err := LoadHashes(ctx, src)
	if err != nil {
		return nil, err
	}
	return &Corpus{Rules: rs, RulesOrigin: origin, Hashes: idx}, nil
}

// LoadRules picks the first configured rule source: local file, then object,
// then the embedded corpus
func LoadRules(ctx context.Context, src Sources) (*rules.RuleSet, string, error) {
	switch {
	case src.RulesPath != "":
		rs, err := rules.LoadFile(src.RulesPath)
		if err != nil {
			return nil, "", fmt.Errorf("rules %s: %w", src.RulesPath, err)
		}
		return rs, "file:" + src.RulesPath, nil

	case src.RulesObject != "":
		if src.Store == nil {
			return nil, "", fmt.Errorf("rules object %s: %w", src.RulesObject, ErrNoStore)
		}
		data, err := src.Store.GetObjectBytes(ctx, src.RulesObject, maxObjectBytes)
		if err != nil {
			return nil, "", fmt.Errorf("rules object %s: %w", src.RulesObject, err)
		}
		rs, err := rules.Parse(data)
		if err != nil {
			return nil, "", fmt.Errorf("rules object %s: %w", src.RulesObject, err)
		}
		return rs, "object:" + src.RulesObject, nil

	default:
		rs, err := rules.Default()
		if err != nil {
			return nil, "", fmt.Errorf("embedded rules: %w", err)
		}
		return rs, "embedded", nil
	}
}

// LoadHashes merges every configured hash source into one index
func LoadHashes(ctx context.Context, src Sources) (*hashindex.Index, error) {
	b := hashindex.NewBuilder()

	if src.HashCorpusPath != "" {
		f, err := os.Open(src.HashCorpusPath)
		if err != nil {
			return nil, fmt.Errorf("hash corpus: %w", err)
		}
		added, err := b.ReadCorpus(f)
		f.Close()
		if err != nil {
			return nil, fmt.Errorf("hash corpus %s: %w", src.HashCorpusPath, err)
		}
		log.Info().Str("path", src.HashCorpusPath).Int("added", added).Msg("Loaded hash corpus file")
	}

	if src.HashObject != "" {
		if src.Store == nil {
			return nil, fmt.Errorf("hash object %s: %w", src.HashObject, ErrNoStore)
		}
		data, err := src.Store.GetObjectBytes(ctx, src.HashObject, maxObjectBytes)
		if err != nil {
			return nil, fmt.Errorf("hash object %s: %w", src.HashObject, err)
		}
		added, err := b.ReadCorpus(bytes.NewReader(data))
		if err != nil {
			return nil, fmt.Errorf("hash object %s: %w", src.HashObject, err)
		}
		log.Info().Str("object", src.HashObject).Int("added", added).Msg("Loaded hash corpus object")
	}

	for _, hs := range src.HashSources {
		digests, err := hs.LoadHashes(ctx)
		if err != nil {
			return nil, fmt.Errorf("hash source %s: %w", hs.Name(), err)
		}
		added := b.AddAll(digests)
		log.Info().Str("source", hs.Name()).Int("added", added).Msg("Loaded hash source")
	}

	if n := b.Rejected(); n > 0 {
		log.Warn().Int("rejected", n).Msg("Ignored malformed hash corpus entries")
	}
	return b.Build(), nil
}
