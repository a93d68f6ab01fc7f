package util

import (
	"net"
	"testing"
)

func TestClassifyIP(t *testing.T) {
	tests := []struct {
		ip   string
		want IPClassification
	}{
		{"0.0.0.0", IPClassificationUnspecified},
		{"::", IPClassificationUnspecified},
		{"127.0.0.1", IPClassificationLoopback},
		{"127.10.0.3", IPClassificationLoopback},
		{"::1", IPClassificationLoopback},
		{"169.254.169.254", IPClassificationLinkLocal},
		{"fe80::1", IPClassificationLinkLocal},
		{"ff02::1", IPClassificationLinkLocal},
		{"10.1.2.3", IPClassificationPrivate},
		{"172.20.0.1", IPClassificationPrivate},
		{"192.168.0.10", IPClassificationPrivate},
		{"fd12::1", IPClassificationPrivate},
		{"93.184.216.34", IPClassificationPublic},
		{"2606:4700::1111", IPClassificationPublic},
	}

	for _, tt := range tests {
		t.Run(tt.ip, func(t *testing.T) {
			ip := net.ParseIP(tt.ip)
			if ip == nil {
				t.Fatalf("ParseIP(%q) = nil", tt.ip)
			}
			if got := ClassifyIP(ip); got != tt.want {
				t.Errorf("ClassifyIP(%s) = %s, want %s", tt.ip, got, tt.want)
			}
		})
	}

	if got := ClassifyIP(nil); got != IPClassificationUnspecified {
		t.Errorf("ClassifyIP(nil) = %s, want unspecified", got)
	}
	if got := IPClassification(42).String(); got != "unknown" {
		t.Errorf("String() = %q, want unknown", got)
	}
}

func TestIsLoopbackHostname(t *testing.T) {
	tests := map[string]bool{
		"localhost":         true,
		"127.0.0.1":         true,
		"[::1]":             true,
		"::1":               true,
		"0.0.0.0":           false,
		"localhost.example": false,
		"10.0.0.1":          false,
		"[":                 false,
		"":                  false,
	}
	for hostname, want := range tests {
		if got := IsLoopbackHostname(hostname); got != want {
			t.Errorf("IsLoopbackHostname(%q) = %v, want %v", hostname, got, want)
		}
	}
}

func TestSafeTruncate(t *testing.T) {
	tests := []struct {
		in   string
		n    int
		want string
	}{
		{"a1b2c3d4e5f6", 8, "a1b2c3d4"},
		{"short", 8, "short"},
		{"", 8, ""},
		{"abc", 0, ""},
		{"abc", -1, ""},
	}
	for _, tt := range tests {
		if got := SafeTruncate(tt.in, tt.n); got != tt.want {
			t.Errorf("SafeTruncate(%q, %d) = %q, want %q", tt.in, tt.n, got, tt.want)
		}
	}
}

func TestNormalizeURL(t *testing.T) {
	for in, want := range map[string]string{
		"https://id.example.com/":        "https://id.example.com",
		"https://id.example.com//":       "https://id.example.com",
		"https://id.example.com/tenant/": "https://id.example.com/tenant",
		"https://id.example.com":         "https://id.example.com",
	} {
		if got := NormalizeURL(in); got != want {
			t.Errorf("NormalizeURL(%q) = %q, want %q", in, got, want)
		}
	}
}
