package arurl

import (
	"net/url"
	"testing"
)

const (
	testTxID    = "abcdefghijklmnopqrstuvwxyz0123456789ABCDEFG"
	testSandbox = "ng3r26pyegfdsjm2piu2voznxl6ddsz5gxnx4oplx46qaeedcbiq"
)

func TestParse_TxID(t *testing.T) {
	p, err := Parse("ar://" + testTxID)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Kind != KindTxID {
		t.Errorf("Kind = %v, want KindTxID", p.Kind)
	}
	if p.TxID != testTxID {
		t.Errorf("TxID = %q, want %q", p.TxID, testTxID)
	}
	if p.Subdomain != testSandbox {
		t.Errorf("Subdomain = %q, want %q", p.Subdomain, testSandbox)
	}
	if p.Path != "/"+testTxID {
		t.Errorf("Path = %q, want %q", p.Path, "/"+testTxID)
	}
}

func TestParse_TxIDWithPath(t *testing.T) {
	p, err := Parse("ar://" + testTxID + "/manifest.json?v=2")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Path != "/"+testTxID+"/manifest.json?v=2" {
		t.Errorf("Path = %q", p.Path)
	}
}

func TestParse_Name(t *testing.T) {
	tests := []struct {
		in        string
		name      string
		path      string
		subdomain string
	}{
		{"ar://ardrive", "ardrive", "/", "ardrive"},
		{"ar://ardrive/settings?a=1", "ardrive", "/settings?a=1", "ardrive"},
		{"ar://ArDrive/x", "ardrive", "/x", "ardrive"},
		{"ar://my_app-2", "my_app-2", "/", "my_app-2"},
		{"ar://ardrive?a=1", "ardrive", "?a=1", "ardrive"},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			p, err := Parse(tt.in)
			if err != nil {
				t.Fatalf("Parse: %v", err)
			}
			if p.Kind != KindName {
				t.Fatalf("Kind = %v, want KindName", p.Kind)
			}
			if p.Name != tt.name || p.Path != tt.path || p.Subdomain != tt.subdomain {
				t.Errorf("got (%q, %q, %q), want (%q, %q, %q)",
					p.Name, p.Path, p.Subdomain, tt.name, tt.path, tt.subdomain)
			}
		})
	}
}

func TestParse_GatewayDirect(t *testing.T) {
	p, err := Parse("ar:///ar-io/info")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Kind != KindGatewayPath {
		t.Errorf("Kind = %v, want KindGatewayPath", p.Kind)
	}
	if p.Subdomain != "" || p.Path != "/ar-io/info" {
		t.Errorf("got (%q, %q)", p.Subdomain, p.Path)
	}
}

func TestParse_Domain(t *testing.T) {
	p, err := Parse("ar://docs.example.com/guide")
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Kind != KindDomain {
		t.Errorf("Kind = %v, want KindDomain", p.Kind)
	}
	if p.Name != "docs.example.com" || p.Path != "/guide" {
		t.Errorf("got (%q, %q)", p.Name, p.Path)
	}
}

func TestParse_Unknown(t *testing.T) {
	// 52 chars: too long for a name, not a tx id.
	long := "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"
	p, err := Parse("ar://" + long)
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if p.Kind != KindUnknown {
		t.Errorf("Kind = %v, want KindUnknown", p.Kind)
	}
	if p.Path != "/"+long {
		t.Errorf("Path = %q", p.Path)
	}
}

func TestParse_Rejects(t *testing.T) {
	for _, in := range []string{"", "http://x", "ar://"} {
		if _, err := Parse(in); err == nil {
			t.Errorf("Parse(%q): expected error", in)
		}
	}
}

func TestNormalize_LegacyGatewayURLs(t *testing.T) {
	tests := []struct{ in, want string }{
		{"https://arweave.net/" + testTxID, "ar://" + testTxID},
		{"https://arweave.dev/ardrive?a=1", "ar://ardrive?a=1"},
		{"ar://ardrive", "ar://ardrive"},
		{"https://example.net/x", "https://example.net/x"},
	}
	for _, tt := range tests {
		if got := Normalize(tt.in); got != tt.want {
			t.Errorf("Normalize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestResolve(t *testing.T) {
	gw := &url.URL{Scheme: "https", Host: "example.net"}

	tests := []struct {
		name      string
		subdomain string
		path      string
		want      string
	}{
		{"txid sandbox", testSandbox, "/" + testTxID,
			"https://" + testSandbox + ".example.net/" + testTxID},
		{"arns", "ardrive", "/settings?a=1", "https://ardrive.example.net/settings?a=1"},
		{"gateway direct", "", "/ar-io/info", "https://example.net/ar-io/info"},
		{"fragment", "ardrive", "/p#sec", "https://ardrive.example.net/p#sec"},
		{"empty path", "ardrive", "", "https://ardrive.example.net/"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Resolve(tt.subdomain, tt.path, gw)
			if got.String() != tt.want {
				t.Errorf("Resolve = %q, want %q", got.String(), tt.want)
			}
			if got.Scheme != gw.Scheme {
				t.Errorf("scheme = %q", got.Scheme)
			}
		})
	}
}

func TestResolve_HostWithPort(t *testing.T) {
	gw := &url.URL{Scheme: "http", Host: "localhost:1984"}
	got := Resolve("ardrive", "/", gw)
	if got.String() != "http://ardrive.localhost:1984/" {
		t.Errorf("Resolve = %q", got.String())
	}
}

func TestIsTxID(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{testTxID, true},
		{"AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA", true},
		{"ardrive", false},
		{testTxID + "x", false},
		{"abcdefghijklmnopqrstuvwxyz0123456789ABCDEF+", false},
	}
	for _, tt := range tests {
		if got := IsTxID(tt.in); got != tt.want {
			t.Errorf("IsTxID(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestSandbox_Length(t *testing.T) {
	s, err := Sandbox("AAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAAA")
	if err != nil {
		t.Fatalf("Sandbox: %v", err)
	}
	if len(s) != 52 {
		t.Errorf("len = %d, want 52", len(s))
	}
	if s != "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa" {
		t.Errorf("Sandbox = %q", s)
	}
}

func TestFirstPathSegment(t *testing.T) {
	tests := []struct{ in, want string }{
		{"/" + testTxID + "/x", testTxID},
		{"/" + testTxID, testTxID},
		{"/", ""},
	}
	for _, tt := range tests {
		if got := FirstPathSegment(tt.in); got != tt.want {
			t.Errorf("FirstPathSegment(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
