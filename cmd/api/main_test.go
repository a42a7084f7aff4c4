package main

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"imgscan-server/internal/config"
	"imgscan-server/internal/engine"
	"imgscan-server/internal/hashindex"
	"imgscan-server/internal/models"
	"imgscan-server/internal/rules"
)

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

type fakeQuarantine struct {
	mu     sync.Mutex
	stored []string
}

func (f *fakeQuarantine) Quarantine(_ context.Context, sha string, _ []byte, _ map[string]string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stored = append(f.stored, sha)
	return "quarantine/" + sha, nil
}

type fakeSink struct {
	events []models.ScanEvent
}

func (f *fakeSink) Enqueue(ev models.ScanEvent) bool {
	f.events = append(f.events, ev)
	return true
}

type fakePinger struct{ err error }

func (f fakePinger) Ping(context.Context) error { return f.err }

type scanReply struct {
	Status     string `json:"status"`
	Message    string `json:"message"`
	ScanResult *struct {
		ScanID    string            `json:"scan_id"`
		RiskLevel string            `json:"risk_level"`
		Tier      string            `json:"tier"`
		Findings  []json.RawMessage `json:"findings"`
	} `json:"scan_result"`
}

func newTestServer(t *testing.T, idx *hashindex.Index, maxPayload int64) *Server {
	t.Helper()
	rs, err := rules.Default()
	if err != nil {
		t.Fatalf("Default() error = %v", err)
	}
	cfg := &config.Config{
		Scan: config.ScanConfig{MaxPayloadBytes: maxPayload, QuarantineMinRisk: "HIGH"},
	}
	s := &Server{cfg: cfg}
	s.init(engine.New(rs, idx, engine.Config{MaxPayloadBytes: maxPayload}))
	return s
}

func jsonScan(t *testing.T, s *Server, data []byte, filename, depth string) (int, scanReply) {
	t.Helper()
	body, _ := json.Marshal(models.ScanRequest{
		Data:      base64.StdEncoding.EncodeToString(data),
		Filename:  filename,
		ScanDepth: depth,
	})
	req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	return do(t, s, req)
}

func do(t *testing.T, s *Server, req *http.Request) (int, scanReply) {
	t.Helper()
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatalf("app.Test() error = %v", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	var reply scanReply
	if err := json.Unmarshal(raw, &reply); err != nil {
		t.Fatalf("response is not JSON: %s", raw)
	}
	return resp.StatusCode, reply
}

func TestScanHandler_JSON(t *testing.T) {
	s := newTestServer(t, nil, 1<<20)
	s.SetupRoutes()

	code, reply := jsonScan(t, s, cleanPNG(), "photo.png", "full")
	if code != http.StatusOK {
		t.Fatalf("status = %d, message = %s", code, reply.Message)
	}
	if reply.Status != models.StatusSuccess || reply.ScanResult == nil {
		t.Fatalf("reply = %+v", reply)
	}
	if reply.ScanResult.RiskLevel != "CLEAN" || reply.ScanResult.Tier != "full" {
		t.Errorf("risk = %s, tier = %s", reply.ScanResult.RiskLevel, reply.ScanResult.Tier)
	}
	if reply.ScanResult.ScanID == "" {
		t.Error("scan_id is empty")
	}
}

func TestScanHandler_Multipart(t *testing.T) {
	s := newTestServer(t, nil, 1<<20)
	s.SetupRoutes()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, _ := mw.CreateFormFile("file", "upload.png")
	fw.Write(cleanPNG())
	mw.WriteField("scan_depth", "light")
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/scan", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	code, reply := do(t, s, req)
	if code != http.StatusOK {
		t.Fatalf("status = %d, message = %s", code, reply.Message)
	}
	if reply.ScanResult.Tier != "light" {
		t.Errorf("tier = %s, want light", reply.ScanResult.Tier)
	}
}

func TestScanHandler_Errors(t *testing.T) {
	s := newTestServer(t, nil, 1024)
	s.SetupRoutes()

	tests := []struct {
		name     string
		data     []byte
		filename string
		depth    string
		want     int
	}{
		{"TooLarge", make([]byte, 2048), "big.png", "", http.StatusRequestEntityTooLarge},
		{"Extension", cleanPNG(), "payload.exe", "", http.StatusBadRequest},
		{"Empty", nil, "empty.png", "", http.StatusBadRequest},
		{"Depth", cleanPNG(), "photo.png", "deep", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, reply := jsonScan(t, s, tt.data, tt.filename, tt.depth)
			if code != tt.want {
				t.Errorf("status = %d, want %d", code, tt.want)
			}
			if reply.Status != models.StatusError || reply.Message == "" {
				t.Errorf("reply = %+v", reply)
			}
		})
	}

	t.Run("BadBase64", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/scan",
			bytes.NewReader([]byte(`{"data":"%%%","filename":"a.png"}`)))
		req.Header.Set("Content-Type", "application/json")
		if code, _ := do(t, s, req); code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
	})

	t.Run("MalformedJSON", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost, "/scan", bytes.NewReader([]byte(`{"data":`)))
		req.Header.Set("Content-Type", "application/json")
		if code, _ := do(t, s, req); code != http.StatusBadRequest {
			t.Errorf("status = %d, want 400", code)
		}
	})
}

func TestScanHandler_QuarantineAndAudit(t *testing.T) {
	data := cleanPNG()
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])

	b := hashindex.NewBuilder()
	if err := b.Add(digest); err != nil {
		t.Fatal(err)
	}

	s := newTestServer(t, b.Build(), 1<<20)
	q := &fakeQuarantine{}
	sink := &fakeSink{}
	s.quarantine = q
	s.events = sink
	s.SetupRoutes()

	code, reply := jsonScan(t, s, data, "known.png", "light")
	if code != http.StatusOK {
		t.Fatalf("status = %d", code)
	}
	if reply.ScanResult.RiskLevel != "CRITICAL" {
		t.Errorf("risk = %s, want CRITICAL", reply.ScanResult.RiskLevel)
	}
	if len(q.stored) != 1 || q.stored[0] != digest {
		t.Errorf("quarantined = %v", q.stored)
	}
	if len(sink.events) != 1 || !sink.events[0].Quarantined || sink.events[0].SHA256 != digest {
		t.Errorf("audit events = %+v", sink.events)
	}

	// Clean payloads are audited but not quarantined
	jsonScan(t, s, append(cleanPNG(), 0), "other.png", "light")
	if len(q.stored) != 1 {
		t.Errorf("quarantined = %d, want 1", len(q.stored))
	}
	if len(sink.events) != 2 || sink.events[1].Quarantined {
		t.Errorf("audit events = %+v", sink.events)
	}
}

func TestAuth(t *testing.T) {
	s := newTestServer(t, nil, 1<<20)
	s.cfg.API.APIKey = "secret"
	s.SetupRoutes()

	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	if code, _ := do(t, s, req); code != http.StatusUnauthorized {
		t.Errorf("no key: status = %d, want 401", code)
	}

	req = httptest.NewRequest(http.MethodGet, "/stats", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err := s.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with key: status = %d, want 200", resp.StatusCode)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	resp, err = s.app.Test(req, -1)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Errorf("health: status = %d, want 200", resp.StatusCode)
	}
}

func TestStatsHandler(t *testing.T) {
	s := newTestServer(t, nil, 4096)
	s.SetupRoutes()

	resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/stats", nil), -1)
	if err != nil {
		t.Fatal(err)
	}
	var stats models.StatsResponse
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		t.Fatal(err)
	}

	rs := s.engine.Rules()
	if stats.RuleCounts["light"] != rs.Count(rules.TierLight) || stats.RuleCounts["full"] != rs.Count(rules.TierFull) {
		t.Errorf("rule counts = %v", stats.RuleCounts)
	}
	if stats.RuleCounts["light"] > stats.RuleCounts["full"] {
		t.Error("light tier has more rules than full")
	}
	if stats.MaxPayloadBytes != 4096 || len(stats.SupportedFormats) == 0 {
		t.Errorf("stats = %+v", stats)
	}
}

func TestReadinessHandler(t *testing.T) {
	tests := []struct {
		name     string
		backends map[string]pinger
		want     int
	}{
		{"NoBackends", nil, http.StatusOK},
		{"AllUp", map[string]pinger{"redis": fakePinger{}}, http.StatusOK},
		{"OneDown", map[string]pinger{"redis": fakePinger{}, "clickhouse": fakePinger{err: errors.New("refused")}}, http.StatusServiceUnavailable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(t, nil, 1024)
			for name, p := range tt.backends {
				s.backends[name] = p
			}
			s.SetupRoutes()

			resp, err := s.app.Test(httptest.NewRequest(http.MethodGet, "/readyz", nil), -1)
			if err != nil {
				t.Fatal(err)
			}
			if resp.StatusCode != tt.want {
				t.Errorf("status = %d, want %d", resp.StatusCode, tt.want)
			}
		})
	}
}

func TestBodyLimit(t *testing.T) {
	limit := bodyLimit(engine.DefaultMaxPayload)
	if encoded := base64.StdEncoding.EncodedLen(int(engine.DefaultMaxPayload)); limit <= encoded {
		t.Errorf("bodyLimit = %d, base64 payload = %d", limit, encoded)
	}
}
