// Package config loads server settings from GATEBUS_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "GATEBUS_"

type Config struct {
	DatabaseURL  string `env:"DATABASE_URL"`  // optional, empty = in-memory store
	GRPCAddr     string `env:"GRPC_ADDR" envDefault:":9090"`
	HTTPAddr     string `env:"HTTP_ADDR" envDefault:":8080"`
	NATSURL      string `env:"NATS_URL"`      // optional, empty = single-process fan-out
	AuthToken    string `env:"AUTH_TOKEN"`    // optional, empty = auth disabled
	OTelEndpoint string `env:"OTEL_ENDPOINT"` // OTLP/HTTP URL, empty = tracing disabled

	// Gateway token verification. With JWTSecret set the gateway accepts
	// HS256 user tokens instead of the shared AuthToken.
	JWTSecret   string `env:"JWT_SECRET"`
	JWTIssuer   string `env:"JWT_ISSUER"`
	JWTAudience string `env:"JWT_AUDIENCE"`

	// Bus settings
	LogCap         int `env:"LOG_CAP" envDefault:"1000"` // envelopes kept per resource
	ResyncMaxLimit int `env:"RESYNC_MAX_LIMIT" envDefault:"2000"`
	DispatchBuffer int `env:"DISPATCH_BUFFER" envDefault:"1024"`

	// Gateway settings
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"41250ms"`
	MissedHeartbeats  int           `env:"MISSED_HEARTBEATS" envDefault:"2"`
	SessionTTL        time.Duration `env:"SESSION_TTL" envDefault:"5m"`
	MaxResumeEvents   int           `env:"MAX_RESUME_EVENTS" envDefault:"5000"` // per resource; keep >= LOG_CAP

	// Archive settings
	ArchiveInterval   time.Duration `env:"ARCHIVE_INTERVAL" envDefault:"0"` // 0 = disabled
	ArchiveFile       string        `env:"ARCHIVE_FILE"`                    // local snapshot path
	ArchiveCompress   bool          `env:"ARCHIVE_COMPRESS"`                // zstd-compress snapshots
	ArchiveS3Bucket   string        `env:"ARCHIVE_S3_BUCKET"`               // enables S3 when set
	ArchiveS3Endpoint string        `env:"ARCHIVE_S3_ENDPOINT"`             // custom endpoint for MinIO
	ArchiveS3Region   string        `env:"ARCHIVE_S3_REGION" envDefault:"us-east-1"`
	ArchiveS3Key      string        `env:"ARCHIVE_S3_KEY" envDefault:"gatebus/log.jsonl"`
}

func Load() (*Config, error) {
	var c Config
	if err := env.ParseWithOptions(&c, env.Options{Prefix: envPrefix}); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	if c.LogCap <= 0 {
		return nil, fmt.Errorf("GATEBUS_LOG_CAP must be positive, got %d", c.LogCap)
	}
	if c.HeartbeatInterval <= 0 {
		return nil, fmt.Errorf("GATEBUS_HEARTBEAT_INTERVAL must be positive, got %s", c.HeartbeatInterval)
	}
	if c.MissedHeartbeats <= 0 {
		return nil, fmt.Errorf("GATEBUS_MISSED_HEARTBEATS must be positive, got %d", c.MissedHeartbeats)
	}
	if c.ArchiveInterval < 0 {
		return nil, fmt.Errorf("GATEBUS_ARCHIVE_INTERVAL must not be negative, got %s", c.ArchiveInterval)
	}

	return &c, nil
}
