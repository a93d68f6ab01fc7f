package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oidc-server/response"
)

func validConfig() *Config {
	return &Config{
		Issuer:     "https://auth.example.com",
		LoginURL:   "https://auth.example.com/ui/login",
		ConsentURL: "https://auth.example.com/ui/consent",
		ErrorURL:   "https://auth.example.com/ui/error",
	}
}

func TestApplySecureDefaults(t *testing.T) {
	tests := []struct {
		name              string
		input             *Config
		wantRequest       time.Duration
		wantConsent       time.Duration
		wantError         time.Duration
		wantDocumentCache time.Duration
	}{
		{
			name:              "all zeros get defaults",
			input:             &Config{},
			wantRequest:       DefaultAuthorizeRequestLifetime,
			wantConsent:       DefaultConsentDecisionLifetime,
			wantError:         DefaultAuthorizeRequestErrorLifetime,
			wantDocumentCache: response.DefaultDocumentCacheTTL,
		},
		{
			name: "custom values are preserved",
			input: &Config{
				AuthorizeRequestLifetime:      time.Minute,
				ConsentDecisionLifetime:       2 * time.Minute,
				AuthorizeRequestErrorLifetime: 3 * time.Minute,
				DocumentCacheTTL:              4 * time.Minute,
			},
			wantRequest:       time.Minute,
			wantConsent:       2 * time.Minute,
			wantError:         3 * time.Minute,
			wantDocumentCache: 4 * time.Minute,
		},
		{
			name:              "negative values get defaults",
			input:             &Config{AuthorizeRequestLifetime: -time.Second},
			wantRequest:       DefaultAuthorizeRequestLifetime,
			wantConsent:       DefaultConsentDecisionLifetime,
			wantError:         DefaultAuthorizeRequestErrorLifetime,
			wantDocumentCache: response.DefaultDocumentCacheTTL,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applySecureDefaults(tt.input, slog.Default())

			if got.AuthorizeRequestLifetime != tt.wantRequest {
				t.Errorf("AuthorizeRequestLifetime = %v, want %v", got.AuthorizeRequestLifetime, tt.wantRequest)
			}
			if got.ConsentDecisionLifetime != tt.wantConsent {
				t.Errorf("ConsentDecisionLifetime = %v, want %v", got.ConsentDecisionLifetime, tt.wantConsent)
			}
			if got.AuthorizeRequestErrorLifetime != tt.wantError {
				t.Errorf("AuthorizeRequestErrorLifetime = %v, want %v", got.AuthorizeRequestErrorLifetime, tt.wantError)
			}
			if got.DocumentCacheTTL != tt.wantDocumentCache {
				t.Errorf("DocumentCacheTTL = %v, want %v", got.DocumentCacheTTL, tt.wantDocumentCache)
			}
		})
	}
}

func TestLogSecurityWarnings(t *testing.T) {
	tests := []struct {
		name     string
		config   *Config
		wantLogs []string
	}{
		{
			name:     "secure config logs nothing",
			config:   &Config{AuthorizeRequestLifetime: time.Minute},
			wantLogs: nil,
		},
		{
			name:     "insecure issuer",
			config:   &Config{AllowInsecureIssuer: true},
			wantLogs: []string{"Insecure issuer is ALLOWED"},
		},
		{
			name:     "long authorize request lifetime",
			config:   &Config{AuthorizeRequestLifetime: 2 * time.Hour},
			wantLogs: []string{"Long authorize request lifetime"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelWarn}))

			logSecurityWarnings(tt.config, logger)

			output := buf.String()
			if len(tt.wantLogs) == 0 && output != "" {
				t.Errorf("expected no warnings, got %q", output)
			}
			for _, want := range tt.wantLogs {
				if !strings.Contains(output, want) {
					t.Errorf("log output %q does not contain %q", output, want)
				}
			}
		})
	}
}

func TestValidateConfig(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "loopback http issuer", mutate: func(c *Config) { c.Issuer = "http://localhost:8080" }},
		{name: "issuer with path", mutate: func(c *Config) { c.Issuer = "https://auth.example.com/tenant" }},
		{
			name:   "insecure issuer allowed",
			mutate: func(c *Config) { c.Issuer = "http://auth.internal"; c.AllowInsecureIssuer = true },
		},
		{name: "missing issuer", mutate: func(c *Config) { c.Issuer = "" }, wantErr: "issuer is required"},
		{name: "relative issuer", mutate: func(c *Config) { c.Issuer = "/auth" }, wantErr: "absolute URL"},
		{name: "issuer with query", mutate: func(c *Config) { c.Issuer = "https://auth.example.com?a=b" }, wantErr: "query or fragment"},
		{name: "issuer with fragment", mutate: func(c *Config) { c.Issuer = "https://auth.example.com#x" }, wantErr: "query or fragment"},
		{name: "http issuer", mutate: func(c *Config) { c.Issuer = "http://auth.example.com" }, wantErr: "https outside loopback"},
		{name: "ftp issuer", mutate: func(c *Config) { c.Issuer = "ftp://auth.example.com" }, wantErr: "must use https"},
		{name: "missing login url", mutate: func(c *Config) { c.LoginURL = "" }, wantErr: "login url is required"},
		{name: "missing consent url", mutate: func(c *Config) { c.ConsentURL = "" }, wantErr: "consent url is required"},
		{name: "missing error url", mutate: func(c *Config) { c.ErrorURL = "" }, wantErr: "error url is required"},
		{name: "unparsable error url", mutate: func(c *Config) { c.ErrorURL = "https://[::1" }, wantErr: "invalid error url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := validConfig()
			tt.mutate(config)

			err := validateConfig(config)
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("validateConfig() error = %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("validateConfig() error = nil, want %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("validateConfig() error = %v, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestWithQuery(t *testing.T) {
	tests := []struct {
		base string
		want string
	}{
		{base: "https://ui.example.com/login", want: "https://ui.example.com/login?authorize_request_id=abc"},
		{base: "https://ui.example.com/login?lang=en", want: "https://ui.example.com/login?authorize_request_id=abc&lang=en"},
		{base: "/login", want: "/login?authorize_request_id=abc"},
	}

	for _, tt := range tests {
		t.Run(tt.base, func(t *testing.T) {
			if got := withQuery(tt.base, ParamAuthorizeRequestID, "abc"); got != tt.want {
				t.Errorf("withQuery() = %q, want %q", got, tt.want)
			}
		})
	}
}
