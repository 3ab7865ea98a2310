package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLoad tests the Load function with various scenarios
func TestLoad(t *testing.T) {
	tests := []struct {
		name        string
		env         map[string]string
		file        string
		wantErr     bool
		validateCfg func(*testing.T, *Config)
	}{
		{
			name: "defaults with no env vars",
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 8080, cfg.Server.Port)
				assert.Equal(t, 15*time.Second, cfg.Server.ReadTimeout)
				assert.Equal(t, "json", cfg.Logging.Format)

				assert.False(t, cfg.License.Enforce, "enforcement must default to off")
				assert.Equal(t, 7*24*time.Hour, cfg.License.GracePeriod)
				assert.Equal(t, 72*time.Hour, cfg.License.BootstrapGrace)
				assert.Equal(t, 6*time.Hour, cfg.License.RefreshInterval)
				assert.True(t, cfg.License.LoopbackExempt)
				assert.Equal(t, "block", cfg.License.RefuseAction)

				assert.Equal(t, "none", cfg.Authority.Kind)
				assert.Equal(t, "file", cfg.Storage.Backend)
			},
		},
		{
			name: "environment overrides",
			env: map[string]string{
				"RESIZER_SERVER_PORT":              "9090",
				"RESIZER_LICENSE_ENFORCE":          "true",
				"RESIZER_LICENSE_ID":               "RES-2024-0001",
				"RESIZER_LICENSE_GRACE_PERIOD":     "48h",
				"RESIZER_AUTHORITY_KIND":           "http",
				"RESIZER_AUTHORITY_ENDPOINT":       "https://licensing.example.com/verify",
				"RESIZER_SIGNATURE_SCHEME":         "hmac",
				"RESIZER_SIGNATURE_SHARED_SECRET":  "s3cret",
				"RESIZER_STORAGE_BACKEND":          "memory",
				"RESIZER_LICENSE_REFUSE_ACTION":    "watermark",
				"RESIZER_LICENSE_LOOPBACK_EXEMPT":  "false",
				"RESIZER_TELEMETRY_TRACE_EXPORTER": "stdout",
			},
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 9090, cfg.Server.Port)
				assert.True(t, cfg.License.Enforce)
				assert.Equal(t, "RES-2024-0001", cfg.License.LicenseID)
				assert.Equal(t, 48*time.Hour, cfg.License.GracePeriod)
				assert.Equal(t, "watermark", cfg.License.RefuseAction)
				assert.False(t, cfg.License.LoopbackExempt)
				assert.Equal(t, "stdout", cfg.Telemetry.TraceExporter)
			},
		},
		{
			name:    "invalid port number",
			env:     map[string]string{"RESIZER_SERVER_PORT": "99999"},
			wantErr: true,
		},
		{
			name:    "unknown authority kind",
			env:     map[string]string{"RESIZER_AUTHORITY_KIND": "carrier-pigeon"},
			wantErr: true,
		},
		{
			name: "enforcement without license id",
			env: map[string]string{
				"RESIZER_LICENSE_ENFORCE": "true",
			},
			wantErr: true,
		},
		{
			name: "config file with environment override",
			env: map[string]string{
				"RESIZER_SERVER_PORT": "7070",
			},
			file: `
server:
  port: 6060
  read_timeout: 20s
license:
  grace_period: 96h
  primary_host: images.example.com
`,
			validateCfg: func(t *testing.T, cfg *Config) {
				assert.Equal(t, 7070, cfg.Server.Port, "env wins over file")
				assert.Equal(t, 20*time.Second, cfg.Server.ReadTimeout, "file wins over defaults")
				assert.Equal(t, 96*time.Hour, cfg.License.GracePeriod)
				assert.Equal(t, "images.example.com", cfg.License.PrimaryHost)
				assert.Equal(t, 72*time.Hour, cfg.License.BootstrapGrace)
			},
		},
		{
			name:    "malformed config file",
			file:    "server: [unterminated",
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Isolate from any config.yaml in the package directory
			t.Chdir(t.TempDir())

			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			if tt.file != "" {
				path := filepath.Join(t.TempDir(), "config.yaml")
				require.NoError(t, os.WriteFile(path, []byte(tt.file), 0644))
				t.Setenv(ConfigFileEnv, path)
			}

			cfg, err := Load()

			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			require.NotNil(t, cfg)
			if tt.validateCfg != nil {
				tt.validateCfg(t, cfg)
			}
		})
	}
}

func TestValidate(t *testing.T) {
	enforced := func(mutate func(*Config)) *Config {
		cfg := Default()
		cfg.License.Enforce = true
		cfg.License.LicenseID = "RES-2024-0001"
		cfg.Signature.PublicKey = "MCowBQYDK2VwAyEA"
		mutate(cfg)
		return cfg
	}

	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{
			name: "defaults are valid",
			cfg:  Default(),
		},
		{
			name: "enforced with offline authority",
			cfg:  enforced(func(*Config) {}),
		},
		{
			name:    "http authority without endpoint",
			cfg:     enforced(func(c *Config) { c.Authority.Kind = "http" }),
			wantErr: "authority endpoint is required",
		},
		{
			name:    "sheets authority without spreadsheet",
			cfg:     enforced(func(c *Config) { c.Authority.Kind = "sheets" }),
			wantErr: "spreadsheet id is required",
		},
		{
			name:    "file authority without token file",
			cfg:     enforced(func(c *Config) { c.Authority.Kind = "file" }),
			wantErr: "token file is required",
		},
		{
			name:    "ed25519 without public key",
			cfg:     enforced(func(c *Config) { c.Signature.PublicKey = "" }),
			wantErr: "signature public key is required",
		},
		{
			name:    "redis backend without address",
			cfg:     enforced(func(c *Config) { c.Storage.Backend = "redis" }),
			wantErr: "redis address is required",
		},
		{
			name:    "sql backend without dsn",
			cfg:     enforced(func(c *Config) { c.Storage.Backend = "sql" }),
			wantErr: "sql dsn is required",
		},
		{
			name: "retry base above retry max",
			cfg: enforced(func(c *Config) {
				c.License.RetryBase = 2 * time.Hour
				c.License.RetryMax = time.Hour
			}),
			wantErr: "exceeds retry max",
		},
		{
			name:    "bad refuse action",
			cfg:     enforced(func(c *Config) { c.License.RefuseAction = "explode" }),
			wantErr: "RefuseAction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestValidateForcesJSONLogs(t *testing.T) {
	cfg := Default()
	cfg.Logging.Format = "text"

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "json", cfg.Logging.Format)
}
