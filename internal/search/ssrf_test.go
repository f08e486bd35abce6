package search

import (
	"net"
	"testing"
)

func TestValidateURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"public https", "https://example.com/article", false},
		{"public http", "http://news.example.org/a?b=c", false},
		{"ftp scheme", "ftp://example.com/file", true},
		{"file scheme", "file:///etc/passwd", true},
		{"localhost", "http://localhost:8080/admin", true},
		{"loopback ip", "http://127.0.0.1/metrics", true},
		{"ipv6 loopback", "http://[::1]/", true},
		{"unspecified", "http://0.0.0.0/", true},
		{"private 10.x", "http://10.0.0.5/", true},
		{"private 192.168.x", "https://192.168.1.1/router", true},
		{"private 172.16.x", "http://172.16.0.1/", true},
		{"cgnat range", "http://100.64.0.1/", true},
		{"link local", "http://169.254.169.254/latest/meta-data", true},
		{"dot local domain", "http://printer.local/", true},
		{"dot internal domain", "https://db.internal/query", true},
		{"no host", "https:///path-only", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateURL(tt.url)
			if tt.wantErr && err == nil {
				t.Errorf("ValidateURL(%q) = nil, want error", tt.url)
			}
			if !tt.wantErr && err != nil {
				t.Errorf("ValidateURL(%q) = %v, want nil", tt.url, err)
			}
		})
	}
}

func TestIsPrivateIP(t *testing.T) {
	private := []string{"10.1.2.3", "192.168.0.1", "172.20.0.1", "127.0.0.1", "169.254.1.1", "100.100.0.1", "fe80::1", "fc00::1", "::1"}
	for _, s := range private {
		if !IsPrivateIP(net.ParseIP(s)) {
			t.Errorf("IsPrivateIP(%s) = false, want true", s)
		}
	}

	public := []string{"8.8.8.8", "1.1.1.1", "93.184.216.34", "2606:4700::1111"}
	for _, s := range public {
		if IsPrivateIP(net.ParseIP(s)) {
			t.Errorf("IsPrivateIP(%s) = true, want false", s)
		}
	}

	if IsPrivateIP(nil) {
		t.Error("IsPrivateIP(nil) should be false")
	}
}

func TestCleanMarkdown(t *testing.T) {
	in := "# Title   \n\n\n\n\n\nBody line\t\n"
	got := cleanMarkdown(in)
	want := "# Title\n\n\nBody line"
	if got != want {
		t.Errorf("cleanMarkdown() = %q, want %q", got, want)
	}
}
