package vault

import (
	"context"
	"fmt"
	"strings"
	"time"

	vaultapi "github.com/hashicorp/vault/api"

	"github.com/vyrodovalexey/apigatekeeper/internal/observability"
)

// Defaults applied by NewPepperSource.
const (
	DefaultMountPath = "secret"
	DefaultPepperKey = "pepper"
	DefaultTimeout   = 10 * time.Second
)

// Config configures the pepper source.
type Config struct {
	Address string
	// Token authenticates to Vault. Empty falls back to VAULT_TOKEN.
	Token      string
	MountPath  string
	PepperPath string
	PepperKey  string
	Timeout    time.Duration
	MaxRetries int
}

// Validate checks that the address and secret path are present.
func (c *Config) Validate() error {
	if c.Address == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}
	if strings.Trim(c.PepperPath, "/") == "" {
		return fmt.Errorf("%w: pepper path is required", ErrInvalidConfig)
	}
	return nil
}

// PepperSource reads the token hashing pepper from a KV v2 mount.
type PepperSource struct {
	api     *vaultapi.Client
	cfg     Config
	logger  observability.Logger
	metrics *Metrics
}

// Option is a functional option for the PepperSource.
type Option func(*PepperSource)

// WithLogger sets the logger.
func WithLogger(logger observability.Logger) Option {
	return func(s *PepperSource) {
		s.logger = logger
	}
}

// WithMetrics sets the metrics.
func WithMetrics(metrics *Metrics) Option {
	return func(s *PepperSource) {
		s.metrics = metrics
	}
}

// NewPepperSource creates a Vault client for the configured address.
func NewPepperSource(cfg Config, opts ...Option) (*PepperSource, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.MountPath == "" {
		cfg.MountPath = DefaultMountPath
	}
	if cfg.PepperKey == "" {
		cfg.PepperKey = DefaultPepperKey
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}

	apiConfig := vaultapi.DefaultConfig()
	apiConfig.Address = cfg.Address
	apiConfig.Timeout = cfg.Timeout
	apiConfig.MaxRetries = cfg.MaxRetries

	api, err := vaultapi.NewClient(apiConfig)
	if err != nil {
		return nil, newError("init", "", err)
	}
	if cfg.Token != "" {
		api.SetToken(cfg.Token)
	}

	s := &PepperSource{
		api:    api,
		cfg:    cfg,
		logger: observability.NopLogger(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(observability.String("component", "vault"))
	if s.metrics == nil {
		s.metrics = NewMetrics("", nil)
	}
	return s, nil
}

// Path returns the full KV v2 data path of the pepper secret.
func (s *PepperSource) Path() string {
	return strings.Trim(s.cfg.MountPath, "/") + "/data/" + strings.Trim(s.cfg.PepperPath, "/")
}

// Pepper reads the configured key of the pepper secret.
func (s *PepperSource) Pepper(ctx context.Context) ([]byte, error) {
	start := time.Now()
	value, err := s.read(ctx)
	s.metrics.record(err, time.Since(start))
	if err != nil {
		return nil, err
	}

	s.logger.Info("token pepper loaded from vault", observability.String("path", s.Path()))
	return []byte(value), nil
}

func (s *PepperSource) read(ctx context.Context) (string, error) {
	path := s.Path()

	secret, err := s.api.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", newError("read", path, err)
	}
	if secret == nil || secret.Data == nil {
		return "", newError("read", path, ErrSecretNotFound)
	}

	// Deleted KV v2 versions keep their metadata but carry null data.
	raw, ok := secret.Data["data"]
	if !ok || raw == nil {
		return "", newError("read", path, ErrSecretNotFound)
	}
	data, ok := raw.(map[string]interface{})
	if !ok {
		return "", newError("read", path, ErrInvalidValue)
	}

	v, ok := data[s.cfg.PepperKey]
	if !ok {
		return "", newError("read", path, fmt.Errorf("%w: %s", ErrKeyNotFound, s.cfg.PepperKey))
	}
	str, ok := v.(string)
	if !ok || str == "" {
		return "", newError("read", path, ErrInvalidValue)
	}
	return str, nil
}
