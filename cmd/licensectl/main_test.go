package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2sic/resizer/internal/security"
)

// fakeDaemon answers the sidecar API with canned bodies
func fakeDaemon(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/api/license/status", func(w http.ResponseWriter, r *http.Request) {
		host := r.URL.Query().Get("host")
		if host == "" {
			host = "primary.example.com"
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"enforce":                 true,
			"host":                    host,
			"decision":                "degrade",
			"state":                   "grace_period",
			"grace_remaining_seconds": 7200,
			"outcome":                 "unreachable",
			"reason":                  "timeout",
			"license_id":              "LIC-****-EFGH",
			"authorized_domains":      []string{"example.com"},
		})
	})
	mux.HandleFunc("/api/license/check", func(w http.ResponseWriter, r *http.Request) {
		host := r.URL.Query().Get("host")
		decision := "permit"
		if host == "stolen.test" {
			decision = "refuse"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"host": host, "decision": decision, "state": "fully_licensed"})
	})
	mux.HandleFunc("/api/license/refresh", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer secret" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"type":"/errors/unauthorized","title":"Unauthorized","status":401,"detail":"A valid admin token is required"}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"outcome": "confirmed",
			"reason":  "confirmed",
			"status":  map[string]any{"enforce": true, "decision": "permit", "state": "fully_licensed"},
		})
	})
	mux.HandleFunc("/api/license/diagnostics", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "text", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte("state:                fully_licensed\n"))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func runCLI(args ...string) (int, string, string) {
	var stdout, stderr bytes.Buffer
	code := run(append([]string{"-no-color"}, args...), &stdout, &stderr)
	return code, stdout.String(), stderr.String()
}

func TestRun_Status(t *testing.T) {
	srv := fakeDaemon(t)

	code, out, _ := runCLI("-addr", srv.URL, "status")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "primary.example.com")
	assert.Contains(t, out, "grace_period")
	assert.Contains(t, out, "2h0m0s")
	assert.Contains(t, out, "never")

	code, out, _ = runCLI("-addr", srv.URL, "status", "shop.example.com")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "shop.example.com")
}

func TestRun_Check(t *testing.T) {
	srv := fakeDaemon(t)

	code, out, _ := runCLI("-addr", srv.URL, "check", "example.com")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "permit")

	code, _, _ = runCLI("-addr", srv.URL, "check", "stolen.test")
	assert.Equal(t, 3, code, "refused hosts exit 3")

	code, _, errOut := runCLI("-addr", srv.URL, "check")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "usage")
}

func TestRun_Refresh(t *testing.T) {
	srv := fakeDaemon(t)

	code, _, errOut := runCLI("-addr", srv.URL, "refresh")
	assert.Equal(t, 1, code)
	assert.Contains(t, errOut, "A valid admin token is required")

	code, out, _ := runCLI("-addr", srv.URL, "-token", "secret", "refresh")
	assert.Equal(t, 0, code)
	assert.Contains(t, out, "confirmed")
	assert.Contains(t, out, "fully_licensed")
}

func TestRun_Diagnostics(t *testing.T) {
	srv := fakeDaemon(t)

	code, out, _ := runCLI("-addr", srv.URL, "diagnostics")
	assert.Equal(t, 0, code)
	assert.Equal(t, "state:                fully_licensed\n", out)
}

func TestRun_Usage(t *testing.T) {
	code, _, errOut := runCLI()
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, "commands:")

	code, _, errOut = runCLI("frobnicate")
	assert.Equal(t, 2, code)
	assert.Contains(t, errOut, `unknown command "frobnicate"`)
}

func TestRun_Issue(t *testing.T) {
	code, out, errOut := runCLI("issue", "-id", "LIC-9", "-domains", "example.com, *.example.org", "-features", "webp", "-ttl", "24h", "-hmac-secret", "s3cret")
	require.Equal(t, 0, code, errOut)

	verifier, err := security.NewTokenVerifier(security.SchemeHMAC, "", "s3cret")
	require.NoError(t, err)
	claims, err := verifier.Parse(strings.TrimSpace(out))
	require.NoError(t, err)
	assert.Equal(t, "LIC-9", claims.ID)
	assert.Equal(t, []string{"example.com", "*.example.org"}, claims.Domains)
	assert.Equal(t, []string{"webp"}, claims.Features)
	require.NotNil(t, claims.ExpiresAt)

	t.Run("to file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "license.jwt")
		code, _, errOut := runCLI("issue", "-id", "LIC-9", "-domains", "example.com", "-hmac-secret", "s3cret", "-out", path)
		require.Equal(t, 0, code, errOut)
		data, err := os.ReadFile(path)
		require.NoError(t, err)
		assert.True(t, verifier.Verify(bytes.TrimSpace(data)))
	})

	tests := []struct {
		name string
		args []string
	}{
		{"missing id", []string{"-domains", "example.com", "-hmac-secret", "s"}},
		{"missing domains", []string{"-id", "LIC-9", "-hmac-secret", "s"}},
		{"bad pattern", []string{"-id", "LIC-9", "-domains", "a.*.com", "-hmac-secret", "s"}},
		{"missing key", []string{"-id", "LIC-9", "-domains", "example.com"}},
		{"two keys", []string{"-id", "LIC-9", "-domains", "example.com", "-hmac-secret", "s", "-ed25519-key", "k.pem"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			code, _, _ := runCLI(append([]string{"issue"}, tt.args...)...)
			assert.Equal(t, 1, code)
		})
	}
}
