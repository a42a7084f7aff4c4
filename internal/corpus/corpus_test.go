package corpus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"imgscan-server/internal/hashindex"
	"imgscan-server/internal/rules"
)

const (
	sha256A = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"
	sha256B = "9f86d081884c7d659a2feaa0c55ad015a3bf4f1b2b0b822cd15d6c15b0f00a08"
	md5A    = "d41d8cd98f00b204e9800998ecf8427e"
)

type fakeStore map[string][]byte

func (f fakeStore) GetObjectBytes(_ context.Context, name string, _ int64) ([]byte, error) {
	data, ok := f[name]
	if !ok {
		return nil, errors.New("NoSuchKey")
	}
	return data, nil
}

type fakeSource struct {
	name   string
	hashes []string
	err    error
}

func (f fakeSource) Name() string { return f.name }

func (f fakeSource) LoadHashes(context.Context) ([]string, error) { return f.hashes, f.err }

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const oneRule = `
rules:
  - name: only_rule
    severity: low
    tier: light
    patterns:
      - text: "marker"
`

func TestLoadRules(t *testing.T) {
	ctx := context.Background()

	t.Run("Embedded", func(t *testing.T) {
		rs, origin, err := LoadRules(ctx, Sources{})
		if err != nil {
			t.Fatalf("LoadRules() error = %v", err)
		}
		if origin != "embedded" || rs.Count(rules.TierFull) == 0 {
			t.Errorf("origin = %s, full rules = %d", origin, rs.Count(rules.TierFull))
		}
	})

	t.Run("File", func(t *testing.T) {
		path := writeFile(t, "rules.yaml", oneRule)
		rs, origin, err := LoadRules(ctx, Sources{RulesPath: path, RulesObject: "ignored"})
		if err != nil {
			t.Fatalf("LoadRules() error = %v", err)
		}
		if origin != "file:"+path || rs.Count(rules.TierFull) != 1 {
			t.Errorf("origin = %s, count = %d", origin, rs.Count(rules.TierFull))
		}
	})

	t.Run("Object", func(t *testing.T) {
		src := Sources{RulesObject: "rules/v1.yaml", Store: fakeStore{"rules/v1.yaml": []byte(oneRule)}}
		rs, _, err := LoadRules(ctx, src)
		if err != nil {
			t.Fatalf("LoadRules() error = %v", err)
		}
		if _, ok := rs.Lookup("only_rule"); !ok {
			t.Error("only_rule not loaded")
		}
	})

	errTests := []struct {
		name string
		src  Sources
	}{
		{"MissingFile", Sources{RulesPath: "/nonexistent/rules.yaml"}},
		{"BadYAML", Sources{RulesPath: writeFile(t, "bad.yaml", "rules: [")}},
		{"ObjectWithoutStore", Sources{RulesObject: "rules.yaml"}},
		{"MissingObject", Sources{RulesObject: "rules.yaml", Store: fakeStore{}}},
	}
	for _, tt := range errTests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := LoadRules(ctx, tt.src); err == nil {
				t.Error("LoadRules() error = nil")
			}
		})
	}
}

func TestLoadHashes(t *testing.T) {
	ctx := context.Background()
	path := writeFile(t, "hashes.txt", "# known bad\n\n"+sha256A+"  evil.jpg\nnot-a-hash\n")

	src := Sources{
		HashCorpusPath: path,
		HashObject:     "hashes/extra.txt",
		Store:          fakeStore{"hashes/extra.txt": []byte(strings.ToUpper(md5A) + "\n")},
		HashSources:    []HashSource{fakeSource{name: "redis", hashes: []string{sha256B, sha256A}}},
	}

	idx, err := LoadHashes(ctx, src)
	if err != nil {
		t.Fatalf("LoadHashes() error = %v", err)
	}
	if idx.Len() != 3 {
		t.Errorf("Len() = %d, want 3", idx.Len())
	}
	for alg, digest := range map[hashindex.Algorithm]string{
		hashindex.AlgSHA256: sha256B,
		hashindex.AlgMD5:    md5A,
	} {
		if !idx.Contains(alg, digest) {
			t.Errorf("Contains(%s, %s) = false", alg, digest)
		}
	}
}

func TestLoadHashes_SourceFailureIsFatal(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		src  Sources
	}{
		{"MissingFile", Sources{HashCorpusPath: "/nonexistent/hashes.txt"}},
		{"ObjectWithoutStore", Sources{HashObject: "h.txt"}},
		{"RemoteError", Sources{HashSources: []HashSource{fakeSource{name: "clickhouse", err: errors.New("timeout")}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := LoadHashes(ctx, tt.src); err == nil {
				t.Error("LoadHashes() error = nil")
			}
		})
	}
}

func TestLoad_Empty(t *testing.T) {
	c, err := Load(context.Background(), Sources{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if c.Hashes.Len() != 0 || c.RulesOrigin != "embedded" {
		t.Errorf("corpus = %+v", c)
	}
}
