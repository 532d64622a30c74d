// Package config manages application configuration loading and validation.
package config

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/cowanweks/ctrader-go/internal/infra/telemetry"
	"github.com/cowanweks/ctrader-go/pkg/ctrader"
	"github.com/cowanweks/ctrader-go/pkg/openapi"
	"github.com/cowanweks/ctrader-go/pkg/session"
	"github.com/cowanweks/ctrader-go/pkg/transport"
)

// Environment variables that override secrets from the config file.
const (
	EnvClientID     = "CTRADER_CLIENT_ID"
	EnvClientSecret = "CTRADER_CLIENT_SECRET"
	EnvAccessToken  = "CTRADER_ACCESS_TOKEN"
	EnvRefreshToken = "CTRADER_REFRESH_TOKEN"
	EnvJournalDSN   = "CTRADER_JOURNAL_DSN"
)

// DefaultStatusAddr is the status API listen address when none is configured.
const DefaultStatusAddr = "127.0.0.1:8880"

// TransportKind selects how the broker socket is opened.
type TransportKind string

const (
	TransportTCP       TransportKind = "tcp"
	TransportTLS       TransportKind = "tls"
	TransportWebSocket TransportKind = "websocket"
)

// EndpointConfig locates the broker proxy.
type EndpointConfig struct {
	Host               string        `yaml:"host" toml:"host"`
	Port               int           `yaml:"port" toml:"port"`
	Transport          TransportKind `yaml:"transport" toml:"transport"`
	ServerName         string        `yaml:"serverName" toml:"serverName"`
	InsecureSkipVerify bool          `yaml:"insecureSkipVerify" toml:"insecureSkipVerify"`
	DialTimeout        time.Duration `yaml:"dialTimeout" toml:"dialTimeout"`
	// Path is appended to the websocket URL.
	Path string `yaml:"path" toml:"path"`
}

// CredentialsConfig carries the application and account secrets.
type CredentialsConfig struct {
	ClientID     string  `yaml:"clientId" toml:"clientId"`
	ClientSecret string  `yaml:"clientSecret" toml:"clientSecret"`
	AccessToken  string  `yaml:"accessToken" toml:"accessToken"`
	RefreshToken string  `yaml:"refreshToken" toml:"refreshToken"`
	AccountIDs   []int64 `yaml:"accountIds" toml:"accountIds"`
}

// SubscriptionConfig names a push stream to open at startup.
type SubscriptionConfig struct {
	AccountID int64  `yaml:"accountId" toml:"accountId" json:"accountId"`
	SymbolID  int64  `yaml:"symbolId" toml:"symbolId" json:"symbolId"`
	Kind      string `yaml:"kind" toml:"kind" json:"kind"`
	// Period applies to live trendbars, e.g. M1 or H1.
	Period string `yaml:"period" toml:"period" json:"period"`
}

// LoggingConfig configures the zerolog sink.
type LoggingConfig struct {
	Level   string `yaml:"level" toml:"level"`
	Console bool   `yaml:"console" toml:"console"`
}

// StatusConfig exposes the session status API.
type StatusConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Addr    string `yaml:"addr" toml:"addr"`
}

// JournalConfig enables the PostgreSQL session journal.
type JournalConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	DSN     string `yaml:"dsn" toml:"dsn"`
	// MigrationsDir overrides the embedded migrations when set.
	MigrationsDir string        `yaml:"migrationsDir" toml:"migrationsDir"`
	AutoMigrate   bool          `yaml:"autoMigrate" toml:"autoMigrate"`
	BatchSize     int           `yaml:"batchSize" toml:"batchSize"`
	FlushInterval time.Duration `yaml:"flushInterval" toml:"flushInterval"`
	MaxConns      int32         `yaml:"maxConns" toml:"maxConns"`
	// RestoreSubscriptions resubscribes the set stored by the previous run.
	RestoreSubscriptions bool `yaml:"restoreSubscriptions" toml:"restoreSubscriptions"`
}

// AppConfig is the top-level application configuration.
type AppConfig struct {
	Environment   string               `yaml:"environment" toml:"environment"`
	Endpoint      EndpointConfig       `yaml:"endpoint" toml:"endpoint"`
	Credentials   CredentialsConfig    `yaml:"credentials" toml:"credentials"`
	Session       session.Config       `yaml:"session" toml:"session"`
	Subscriptions []SubscriptionConfig `yaml:"subscriptions" toml:"subscriptions"`
	Telemetry     telemetry.Config     `yaml:"telemetry" toml:"telemetry"`
	Journal       JournalConfig        `yaml:"journal" toml:"journal"`
	Status        StatusConfig         `yaml:"status" toml:"status"`
	Logging       LoggingConfig        `yaml:"logging" toml:"logging"`
}

// Default returns the configuration used when no file is present.
func Default() AppConfig {
	return AppConfig{
		Environment: string(ctrader.Demo),
		Session:     session.DefaultConfig(),
		Journal:     JournalConfig{RestoreSubscriptions: true},
		Telemetry:   telemetry.DefaultConfig(),
		Logging:     LoggingConfig{Level: "info"},
	}
}

// Load reads the configuration file, applies environment overrides and validates the result.
// Files ending in .toml are parsed as TOML, everything else as YAML.
func Load(ctx context.Context, configPath string) (AppConfig, error) {
	_ = ctx

	reader, closer, err := openConfigFile(configPath)
	if err != nil {
		return AppConfig{}, err
	}
	defer closer()

	bytes, err := io.ReadAll(reader)
	if err != nil {
		return AppConfig{}, fmt.Errorf("read config: %w", err)
	}

	// Session defaults go in first so omitted booleans keep their default.
	cfg := AppConfig{Session: session.DefaultConfig(), Journal: JournalConfig{RestoreSubscriptions: true}}
	if err := unmarshal(configPath, bytes, &cfg); err != nil {
		return AppConfig{}, err
	}
	return finish(cfg)
}

// LoadOrDefault behaves like Load but falls back to Default when the file does not exist.
func LoadOrDefault(ctx context.Context, configPath string) (AppConfig, error) {
	cfg, err := Load(ctx, configPath)
	if errors.Is(err, fs.ErrNotExist) {
		return finish(Default())
	}
	return cfg, err
}

func finish(cfg AppConfig) (AppConfig, error) {
	cfg.applyEnv()
	cfg.normalise()
	if err := cfg.Validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func unmarshal(path string, data []byte, cfg *AppConfig) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return fmt.Errorf("unmarshal toml config: %w", err)
		}
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("unmarshal config: %w", err)
		}
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	override := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	override(&c.Credentials.ClientID, EnvClientID)
	override(&c.Credentials.ClientSecret, EnvClientSecret)
	override(&c.Credentials.AccessToken, EnvAccessToken)
	override(&c.Credentials.RefreshToken, EnvRefreshToken)
	override(&c.Journal.DSN, EnvJournalDSN)
}

func (c *AppConfig) normalise() {
	c.Environment = strings.ToLower(strings.TrimSpace(c.Environment))
	if c.Environment == "" {
		c.Environment = string(ctrader.Demo)
	}

	c.Endpoint.Host = strings.TrimSpace(c.Endpoint.Host)
	if c.Endpoint.Host == "" {
		c.Endpoint.Host = ctrader.Environment(c.Environment).Host()
	}
	if c.Endpoint.Port == 0 {
		c.Endpoint.Port = ctrader.ProtobufPort
	}
	c.Endpoint.Transport = TransportKind(strings.ToLower(strings.TrimSpace(string(c.Endpoint.Transport))))
	if c.Endpoint.Transport == "" {
		c.Endpoint.Transport = TransportTLS
	}
	if c.Endpoint.DialTimeout <= 0 {
		c.Endpoint.DialTimeout = transport.DefaultDialTimeout
	}

	c.Credentials.ClientID = strings.TrimSpace(c.Credentials.ClientID)
	c.Credentials.ClientSecret = strings.TrimSpace(c.Credentials.ClientSecret)
	c.Credentials.AccessToken = strings.TrimSpace(c.Credentials.AccessToken)
	c.Credentials.RefreshToken = strings.TrimSpace(c.Credentials.RefreshToken)

	for i := range c.Subscriptions {
		sub := &c.Subscriptions[i]
		sub.Kind = strings.ToLower(strings.TrimSpace(sub.Kind))
		if sub.Kind == "" {
			sub.Kind = string(session.KindSpot)
		}
		sub.Period = strings.ToUpper(strings.TrimSpace(sub.Period))
	}

	c.Session.Address = c.Address()
	c.Session.Normalise()

	def := telemetry.DefaultConfig()
	if strings.TrimSpace(c.Telemetry.OTLPEndpoint) == "" {
		c.Telemetry.OTLPEndpoint = def.OTLPEndpoint
	}
	if c.Telemetry.MetricInterval <= 0 {
		c.Telemetry.MetricInterval = def.MetricInterval
	}
	if c.Telemetry.ShutdownTimeout <= 0 {
		c.Telemetry.ShutdownTimeout = def.ShutdownTimeout
	}
	if strings.TrimSpace(c.Telemetry.ServiceName) == "" {
		c.Telemetry.ServiceName = def.ServiceName
	}
	if strings.TrimSpace(c.Telemetry.Environment) == "" {
		c.Telemetry.Environment = c.Environment
	}

	c.Journal.DSN = strings.TrimSpace(c.Journal.DSN)
	if c.Journal.BatchSize <= 0 {
		c.Journal.BatchSize = 64
	}
	if c.Journal.FlushInterval <= 0 {
		c.Journal.FlushInterval = time.Second
	}
	if c.Journal.MaxConns <= 0 {
		c.Journal.MaxConns = 2
	}

	c.Status.Addr = strings.TrimSpace(c.Status.Addr)
	if c.Status.Addr == "" {
		c.Status.Addr = DefaultStatusAddr
	}

	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
}

// Validate ensures the configuration is usable.
func (c AppConfig) Validate() error {
	if _, err := ctrader.ParseEnvironment(c.Environment); err != nil {
		return fmt.Errorf("environment must be one of demo, live")
	}
	if c.Endpoint.Host == "" {
		return fmt.Errorf("endpoint host required")
	}
	if c.Endpoint.Port <= 0 || c.Endpoint.Port > 65535 {
		return fmt.Errorf("endpoint port %d out of range", c.Endpoint.Port)
	}
	switch c.Endpoint.Transport {
	case TransportTCP, TransportTLS, TransportWebSocket:
	default:
		return fmt.Errorf("endpoint transport must be one of tcp, tls, websocket")
	}
	if c.Credentials.ClientID == "" || c.Credentials.ClientSecret == "" {
		return fmt.Errorf("credentials clientId and clientSecret required")
	}
	if c.Credentials.AccessToken == "" && len(c.Credentials.AccountIDs) > 0 {
		return fmt.Errorf("credentials accessToken required when accountIds are set")
	}
	accounts := make(map[int64]struct{}, len(c.Credentials.AccountIDs))
	for _, id := range c.Credentials.AccountIDs {
		if id <= 0 {
			return fmt.Errorf("credentials accountIds must be > 0")
		}
		accounts[id] = struct{}{}
	}
	for i, sub := range c.Subscriptions {
		if _, err := sub.Subscription(); err != nil {
			return fmt.Errorf("subscriptions[%d]: %w", i, err)
		}
		if _, ok := accounts[sub.AccountID]; !ok {
			return fmt.Errorf("subscriptions[%d]: account %d not listed in credentials accountIds", i, sub.AccountID)
		}
	}
	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session: %w", err)
	}
	if c.Telemetry.Enabled && strings.TrimSpace(c.Telemetry.OTLPEndpoint) == "" {
		return fmt.Errorf("telemetry otlpEndpoint required when enabled")
	}
	if c.Journal.Enabled && c.Journal.DSN == "" {
		return fmt.Errorf("journal dsn required when enabled")
	}
	return nil
}

// Address returns host:port of the configured endpoint.
func (c AppConfig) Address() string {
	return transport.Address(c.Endpoint.Host, c.Endpoint.Port)
}

// SessionConfig returns the engine tunables with the endpoint address filled in.
func (c AppConfig) SessionConfig() session.Config {
	cfg := c.Session
	cfg.Address = c.Address()
	return cfg
}

// Dialer builds the transport selected by the endpoint section.
func (c AppConfig) Dialer() transport.Dialer {
	switch c.Endpoint.Transport {
	case TransportTCP:
		return transport.TCPDialer{Timeout: c.Endpoint.DialTimeout}
	case TransportWebSocket:
		return transport.WebSocketDialer{Path: c.Endpoint.Path}
	default:
		return transport.TLSDialer{
			Timeout:            c.Endpoint.DialTimeout,
			ServerName:         c.Endpoint.ServerName,
			InsecureSkipVerify: c.Endpoint.InsecureSkipVerify,
		}
	}
}

// ClientCredentials builds the credential provider for the session.
func (c AppConfig) ClientCredentials() *ctrader.Credentials {
	cr := c.Credentials
	return ctrader.NewCredentials(cr.ClientID, cr.ClientSecret, cr.AccessToken, cr.RefreshToken, cr.AccountIDs...)
}

// StartupSubscriptions converts the subscriptions section into session subscriptions.
func (c AppConfig) StartupSubscriptions() []session.Subscription {
	out := make([]session.Subscription, 0, len(c.Subscriptions))
	for _, sub := range c.Subscriptions {
		if s, err := sub.Subscription(); err == nil {
			out = append(out, s)
		}
	}
	return out
}

// Subscription resolves the entry into a session subscription. A blank kind means spot.
func (s SubscriptionConfig) Subscription() (session.Subscription, error) {
	if s.AccountID <= 0 || s.SymbolID <= 0 {
		return session.Subscription{}, fmt.Errorf("accountId and symbolId must be > 0")
	}
	switch session.Kind(strings.ToLower(strings.TrimSpace(s.Kind))) {
	case "", session.KindSpot:
		return ctrader.SpotSubscription(s.AccountID, s.SymbolID), nil
	case session.KindDepth:
		return ctrader.DepthSubscription(s.AccountID, s.SymbolID), nil
	case session.KindLiveTrendbar:
		period, ok := openapi.ParseTrendbarPeriod(s.Period)
		if !ok {
			return session.Subscription{}, fmt.Errorf("unknown trendbar period %q", s.Period)
		}
		return ctrader.TrendbarSubscription(s.AccountID, s.SymbolID, period), nil
	default:
		return session.Subscription{}, fmt.Errorf("kind must be one of spot, depth, live_trendbar")
	}
}

func openConfigFile(path string) (io.Reader, func(), error) {
	candidate := strings.TrimSpace(path)
	candidate = filepath.Clean(candidate)

	file, err := os.Open(candidate) // #nosec G304 -- path is operator controlled.
	if err != nil {
		return nil, nil, fmt.Errorf("open app config: %w", err)
	}
	return file, func() { _ = file.Close() }, nil
}
