// Package config loads process-wide configuration for the task state core
// once at startup: a flat struct of scalars plus nested env-prefixed
// sub-structs, processed through sethvargo/go-envconfig and handed to
// constructors rather than read ad hoc.
package config

import (
	"context"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config holds all process-wide configuration for the task state core.
type Config struct {
	Debug              bool               `env:"DEBUG,default=false"`
	BaseURL            string             `env:"BASE_URL,default=/api"`
	TransportConfig    TransportConfig    `env:",prefix=TRANSPORT_"`
	SocketConfig       SocketConfig       `env:",prefix=SOCKET_"`
	DebounceConfig     DebounceConfig     `env:",prefix=DEBOUNCE_"`
	CorrectionConfig   CorrectionConfig   `env:",prefix=CORRECTION_"`
	RedisConfig        RedisConfig        `env:",prefix=REDIS_"`
	AttachmentsConfig  AttachmentsConfig  `env:",prefix=ATTACHMENTS_"`
	IdleSweepConfig    IdleSweepConfig    `env:",prefix=IDLE_SWEEP_"`
	AuthSessionConfig  AuthSessionConfig  `env:",prefix=AUTH_"`
}

// TransportConfig configures the authenticated HTTP client.
type TransportConfig struct {
	Timeout         time.Duration `env:"TIMEOUT,default=30s" description:"Request timeout"`
	MaxRetries      int           `env:"MAX_RETRIES,default=0" description:"Not read by the transport, which sends each request once"`
	LoginPath       string        `env:"LOGIN_PATH,default=/login" description:"Client-side login route used for 401 redirects"`
	ReturnParamName string        `env:"RETURN_PARAM_NAME,default=redirect" description:"Query param carrying the sanitized post-login return path"`
}

// SocketConfig configures the persistent duplex socket gateway.
type SocketConfig struct {
	URL               string        `env:"URL" description:"Websocket endpoint the gateway dials"`
	HandshakeTimeout  time.Duration `env:"HANDSHAKE_TIMEOUT,default=10s"`
	JoinTimeout       time.Duration `env:"JOIN_TIMEOUT,default=10s" description:"Timeout waiting on a joinTask response"`
	ReconnectBackoff  time.Duration `env:"RECONNECT_BACKOFF,default=2s"`
	ReconnectMaxDelay time.Duration `env:"RECONNECT_MAX_DELAY,default=30s"`
}

// DebounceConfig configures the recovery debounce window.
type DebounceConfig struct {
	RecoverWindow time.Duration `env:"RECOVER_WINDOW,default=1s" description:"Minimum spacing between non-forced recover() calls"`
}

// CorrectionConfig configures the correction engine's endpoint and defaults.
type CorrectionConfig struct {
	Endpoint            string `env:"ENDPOINT,default=/correction" description:"Correction submission endpoint"`
	DefaultModelID      string `env:"DEFAULT_MODEL_ID"`
	EnableWebSearch     bool   `env:"ENABLE_WEB_SEARCH,default=false"`
}

// RedisConfig configures the live-stream cache.
type RedisConfig struct {
	URL     string        `env:"URL,default=redis://localhost:6379/0"`
	Timeout time.Duration `env:"TIMEOUT,default=2s"`
}

// AttachmentsConfig configures the attachment blob store (minio).
type AttachmentsConfig struct {
	Endpoint   string `env:"ENDPOINT"`
	AccessKey  string `env:"ACCESS_KEY"`
	SecretKey  string `env:"SECRET_KEY"`
	Bucket     string `env:"BUCKET,default=chat-attachments"`
	UseSSL     bool   `env:"USE_SSL,default=true"`
}

// IdleSweepConfig configures the manager's periodic idle-machine sweep.
type IdleSweepConfig struct {
	CronSpec string        `env:"CRON_SPEC,default=*/5 * * * *" description:"robfig/cron spec for the manager's idle-machine sweep"`
	MaxIdle  time.Duration `env:"MAX_IDLE,default=30m" description:"A machine idle longer than this is eligible for sweep"`
}

// AuthSessionConfig configures the OIDC verifier exposed as Core.Verifier.
// The transport attaches the stored bearer token without consulting it.
type AuthSessionConfig struct {
	IssuerURL    string `env:"ISSUER_URL"`
	ClientID     string `env:"CLIENT_ID"`
	ClientSecret string `env:"CLIENT_SECRET"`
	Enable       bool   `env:"ENABLE,default=false"`
}

// Load processes environment variables into a Config.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
