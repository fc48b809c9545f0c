package config

import (
	"os"
	"testing"
	"time"
)

var allEnvVars = []string{
	"GATEBUS_DATABASE_URL", "GATEBUS_GRPC_ADDR", "GATEBUS_HTTP_ADDR", "GATEBUS_NATS_URL",
	"GATEBUS_AUTH_TOKEN", "GATEBUS_LOG_CAP", "GATEBUS_RESYNC_MAX_LIMIT", "GATEBUS_DISPATCH_BUFFER",
	"GATEBUS_HEARTBEAT_INTERVAL", "GATEBUS_MISSED_HEARTBEATS",
	"GATEBUS_SESSION_TTL", "GATEBUS_MAX_RESUME_EVENTS", "GATEBUS_ARCHIVE_INTERVAL",
	"GATEBUS_ARCHIVE_S3_BUCKET", "GATEBUS_ARCHIVE_S3_ENDPOINT", "GATEBUS_ARCHIVE_S3_REGION",
	"GATEBUS_ARCHIVE_S3_KEY", "GATEBUS_ARCHIVE_FILE", "GATEBUS_ARCHIVE_COMPRESS",
	"GATEBUS_OTEL_ENDPOINT", "GATEBUS_JWT_SECRET", "GATEBUS_JWT_ISSUER", "GATEBUS_JWT_AUDIENCE",
}

func clearAllEnv(t *testing.T) {
	t.Helper()
	for _, key := range allEnvVars {
		// Setenv registers the restore; Unsetenv makes the variable absent.
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

func TestLoad(t *testing.T) {
	for _, tc := range []struct {
		name         string
		env          map[string]string
		wantErr      bool
		wantGRPCAddr string
		wantHTTPAddr string
		wantNATSURL  string
	}{
		{
			name:         "DefaultAddresses",
			env:          map[string]string{},
			wantGRPCAddr: ":9090",
			wantHTTPAddr: ":8080",
		},
		{
			name: "CustomAddresses",
			env: map[string]string{
				"GATEBUS_DATABASE_URL": "postgres://db:5432/gatebus",
				"GATEBUS_GRPC_ADDR":    ":5050",
				"GATEBUS_HTTP_ADDR":    ":3000",
				"GATEBUS_NATS_URL":     "nats://localhost:4222",
			},
			wantGRPCAddr: ":5050",
			wantHTTPAddr: ":3000",
			wantNATSURL:  "nats://localhost:4222",
		},
		{
			name:    "BadLogCap",
			env:     map[string]string{"GATEBUS_LOG_CAP": "lots"},
			wantErr: true,
		},
		{
			name:    "ZeroLogCap",
			env:     map[string]string{"GATEBUS_LOG_CAP": "0"},
			wantErr: true,
		},
		{
			name:    "BadHeartbeatInterval",
			env:     map[string]string{"GATEBUS_HEARTBEAT_INTERVAL": "often"},
			wantErr: true,
		},
		{
			name:    "NegativeMissedHeartbeats",
			env:     map[string]string{"GATEBUS_MISSED_HEARTBEATS": "-1"},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clearAllEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.DatabaseURL != tc.env["GATEBUS_DATABASE_URL"] {
				t.Errorf("DatabaseURL = %q, want %q", cfg.DatabaseURL, tc.env["GATEBUS_DATABASE_URL"])
			}
			if cfg.GRPCAddr != tc.wantGRPCAddr {
				t.Errorf("GRPCAddr = %q, want %q", cfg.GRPCAddr, tc.wantGRPCAddr)
			}
			if cfg.HTTPAddr != tc.wantHTTPAddr {
				t.Errorf("HTTPAddr = %q, want %q", cfg.HTTPAddr, tc.wantHTTPAddr)
			}
			if cfg.NATSURL != tc.wantNATSURL {
				t.Errorf("NATSURL = %q, want %q", cfg.NATSURL, tc.wantNATSURL)
			}
		})
	}
}

func TestLoad_BusAndGatewayDefaults(t *testing.T) {
	clearAllEnv(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.LogCap != 1000 {
		t.Errorf("LogCap = %d, want 1000", cfg.LogCap)
	}
	if cfg.ResyncMaxLimit != 2000 {
		t.Errorf("ResyncMaxLimit = %d, want 2000", cfg.ResyncMaxLimit)
	}
	if cfg.HeartbeatInterval != 41250*time.Millisecond {
		t.Errorf("HeartbeatInterval = %v, want 41.25s", cfg.HeartbeatInterval)
	}
	if cfg.MissedHeartbeats != 2 {
		t.Errorf("MissedHeartbeats = %d, want 2", cfg.MissedHeartbeats)
	}
	if cfg.SessionTTL != 5*time.Minute {
		t.Errorf("SessionTTL = %v, want 5m", cfg.SessionTTL)
	}
	if cfg.ArchiveInterval != 0 {
		t.Errorf("ArchiveInterval = %v, want 0 (disabled)", cfg.ArchiveInterval)
	}
}

func TestLoad_ArchiveSettings(t *testing.T) {
	for _, tc := range []struct {
		name         string
		env          map[string]string
		wantErr      bool
		wantInterval time.Duration
		wantBucket   string
		wantRegion   string
		wantKey      string
	}{
		{
			name:         "Defaults",
			env:          map[string]string{},
			wantInterval: 0,
			wantRegion:   "us-east-1",
			wantKey:      "gatebus/log.jsonl",
		},
		{
			name: "S3Configured",
			env: map[string]string{
				"GATEBUS_ARCHIVE_INTERVAL":  "10m",
				"GATEBUS_ARCHIVE_S3_BUCKET": "backups",
				"GATEBUS_ARCHIVE_S3_REGION": "eu-west-1",
				"GATEBUS_ARCHIVE_S3_KEY":    "custom/key.jsonl",
			},
			wantInterval: 10 * time.Minute,
			wantBucket:   "backups",
			wantRegion:   "eu-west-1",
			wantKey:      "custom/key.jsonl",
		},
		{
			name:    "InvalidInterval",
			env:     map[string]string{"GATEBUS_ARCHIVE_INTERVAL": "not-a-duration"},
			wantErr: true,
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			clearAllEnv(t)
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			cfg, err := Load()
			if tc.wantErr {
				if err == nil {
					t.Fatal("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if cfg.ArchiveInterval != tc.wantInterval {
				t.Errorf("ArchiveInterval = %v, want %v", cfg.ArchiveInterval, tc.wantInterval)
			}
			if cfg.ArchiveS3Bucket != tc.wantBucket {
				t.Errorf("ArchiveS3Bucket = %q, want %q", cfg.ArchiveS3Bucket, tc.wantBucket)
			}
			if cfg.ArchiveS3Region != tc.wantRegion {
				t.Errorf("ArchiveS3Region = %q, want %q", cfg.ArchiveS3Region, tc.wantRegion)
			}
			if cfg.ArchiveS3Key != tc.wantKey {
				t.Errorf("ArchiveS3Key = %q, want %q", cfg.ArchiveS3Key, tc.wantKey)
			}
		})
	}
}

func TestLoad_JWTAndCompression(t *testing.T) {
	clearAllEnv(t)
	t.Setenv("GATEBUS_JWT_SECRET", "s3cret")
	t.Setenv("GATEBUS_JWT_AUDIENCE", "gatebus")
	t.Setenv("GATEBUS_ARCHIVE_COMPRESS", "true")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.JWTSecret != "s3cret" || cfg.JWTAudience != "gatebus" || cfg.JWTIssuer != "" {
		t.Errorf("JWT settings = %q/%q/%q", cfg.JWTSecret, cfg.JWTIssuer, cfg.JWTAudience)
	}
	if !cfg.ArchiveCompress {
		t.Error("ArchiveCompress = false, want true")
	}

	t.Setenv("GATEBUS_ARCHIVE_COMPRESS", "maybe")
	if _, err := Load(); err == nil {
		t.Fatal("expected error for a non-boolean GATEBUS_ARCHIVE_COMPRESS")
	}
}
