package extractor

import "testing"

func TestScan(t *testing.T) {
	e := NewExtractor()

	tests := []struct {
		name      string
		input     string
		wantURLs  int
		wantEmail int
	}{
		{"Nothing", "Canon EOS 5D Mark IV", 0, 0},
		{"URL", "see https://evil.example.net/payload.bin, then", 1, 0},
		{"FTP", "ftp://10.0.0.1/drop", 1, 0},
		{"Duplicate", "http://a.io/x http://a.io/x", 1, 0},
		{"XMPNamespace", `xmlns:x="adobe:ns:meta/" xmlns:rdf="http://www.w3.org/1999/02/22-rdf-syntax-ns#" xmlns:xmp="http://ns.adobe.com/xap/1.0/"`, 0, 0},
		{"Email", "Copyright Jane Doe <JANE@Example.org>", 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := e.Scan([]byte(tt.input))
			if len(got[IndicatorURL]) != tt.wantURLs {
				t.Errorf("urls = %v, want %d", got[IndicatorURL], tt.wantURLs)
			}
			if len(got[IndicatorEmail]) != tt.wantEmail {
				t.Errorf("emails = %v, want %d", got[IndicatorEmail], tt.wantEmail)
			}
			if Count(got) != tt.wantURLs+tt.wantEmail {
				t.Errorf("Count() = %d", Count(got))
			}
		})
	}
}

func TestScan_TrimsAndLowers(t *testing.T) {
	got := NewExtractor().Scan([]byte("(https://c2.bad/beacon). Mail ADMIN@BAD.IO"))
	if u := got[IndicatorURL]; len(u) != 1 || u[0] != "https://c2.bad/beacon" {
		t.Errorf("urls = %v", u)
	}
	if m := got[IndicatorEmail]; len(m) != 1 || m[0] != "admin@bad.io" {
		t.Errorf("emails = %v", m)
	}
}
