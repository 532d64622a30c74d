package session

import (
	"fmt"
	"strings"
	"time"

	"github.com/cowanweks/ctrader-go/errs"
	"github.com/cowanweks/ctrader-go/pkg/frame"
)

// OverflowPolicy selects what a listener does when its buffer is full.
type OverflowPolicy string

const (
	// DropNewest discards the frame being delivered.
	DropNewest OverflowPolicy = "drop_newest"
	// DropOldest evicts the oldest buffered frame to make room.
	DropOldest OverflowPolicy = "drop_oldest"
	// CloseListener closes the listener with ErrListenerOverflow.
	CloseListener OverflowPolicy = "close"
)

// BackoffConfig shapes the delay between reconnect attempts.
type BackoffConfig struct {
	Initial    time.Duration `yaml:"initial" toml:"initial"`
	Max        time.Duration `yaml:"max" toml:"max"`
	Multiplier float64       `yaml:"multiplier" toml:"multiplier"`
	// Jitter is the randomisation factor in [0,1).
	Jitter float64 `yaml:"jitter" toml:"jitter"`
}

// RateLimitConfig bounds outbound request rates. Zero rates disable the limiter.
type RateLimitConfig struct {
	RequestsPerSecond   float64 `yaml:"requestsPerSecond" toml:"requestsPerSecond"`
	RequestBurst        int     `yaml:"requestBurst" toml:"requestBurst"`
	HistoricalPerSecond float64 `yaml:"historicalPerSecond" toml:"historicalPerSecond"`
	HistoricalBurst     int     `yaml:"historicalBurst" toml:"historicalBurst"`
}

// Config captures the session engine tunables.
type Config struct {
	Address string `yaml:"-" toml:"-"`

	IdleInterval time.Duration `yaml:"idleInterval" toml:"idleInterval"`
	DeadInterval time.Duration `yaml:"deadInterval" toml:"deadInterval"`
	// HeartbeatCheckInterval is how often the heartbeat monitor is evaluated.
	HeartbeatCheckInterval time.Duration `yaml:"heartbeatCheckInterval" toml:"heartbeatCheckInterval"`

	RequestTimeout time.Duration `yaml:"requestTimeout" toml:"requestTimeout"`
	AuthTimeout    time.Duration `yaml:"authTimeout" toml:"authTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout" toml:"writeTimeout"`

	// MaxReconnectAttempts of zero means unbounded.
	MaxReconnectAttempts int `yaml:"maxReconnectAttempts" toml:"maxReconnectAttempts"`
	// MaxAuthRetries of zero surfaces AuthError on the first rejection.
	MaxAuthRetries int           `yaml:"maxAuthRetries" toml:"maxAuthRetries"`
	Backoff        BackoffConfig `yaml:"backoff" toml:"backoff"`

	MaxFrameSize   int `yaml:"maxFrameSize" toml:"maxFrameSize"`
	ReadBufferSize int `yaml:"readBufferSize" toml:"readBufferSize"`

	PendingRequestQueueDepth int  `yaml:"pendingRequestQueueDepth" toml:"pendingRequestQueueDepth"`
	QueueWhileReconnecting   bool `yaml:"queueWhileReconnecting" toml:"queueWhileReconnecting"`

	ListenerBuffer int            `yaml:"listenerBuffer" toml:"listenerBuffer"`
	OverflowPolicy OverflowPolicy `yaml:"overflowPolicy" toml:"overflowPolicy"`

	ReplayConcurrency     int  `yaml:"replayConcurrency" toml:"replayConcurrency"`
	ResubscribeDuplicates bool `yaml:"resubscribeDuplicates" toml:"resubscribeDuplicates"`

	RateLimit RateLimitConfig `yaml:"rateLimit" toml:"rateLimit"`
}

// DefaultConfig returns the tunables used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		IdleInterval:           10 * time.Second,
		DeadInterval:           30 * time.Second,
		HeartbeatCheckInterval: time.Second,
		RequestTimeout:         10 * time.Second,
		AuthTimeout:            15 * time.Second,
		WriteTimeout:           5 * time.Second,
		MaxReconnectAttempts:   0,
		MaxAuthRetries:         3,
		Backoff: BackoffConfig{
			Initial:    500 * time.Millisecond,
			Max:        30 * time.Second,
			Multiplier: 2,
			Jitter:     0.2,
		},
		MaxFrameSize:             frame.DefaultMaxFrameSize,
		ReadBufferSize:           32 * 1024,
		PendingRequestQueueDepth: 256,
		QueueWhileReconnecting:   true,
		ListenerBuffer:           256,
		OverflowPolicy:           DropNewest,
		ReplayConcurrency:        1,
		RateLimit: RateLimitConfig{
			RequestsPerSecond:   45,
			RequestBurst:        5,
			HistoricalPerSecond: 4.5,
			HistoricalBurst:     1,
		},
	}
}

// Normalise fills unset fields with defaults. Booleans are left as provided.
func (c *Config) Normalise() {
	def := DefaultConfig()
	c.Address = strings.TrimSpace(c.Address)
	if c.IdleInterval <= 0 {
		c.IdleInterval = def.IdleInterval
	}
	if c.DeadInterval <= 0 {
		c.DeadInterval = def.DeadInterval
	}
	if c.HeartbeatCheckInterval <= 0 {
		c.HeartbeatCheckInterval = def.HeartbeatCheckInterval
		if half := c.IdleInterval / 2; half > 0 && half < c.HeartbeatCheckInterval {
			c.HeartbeatCheckInterval = half
		}
	}
	if c.RequestTimeout <= 0 {
		c.RequestTimeout = def.RequestTimeout
	}
	if c.AuthTimeout <= 0 {
		c.AuthTimeout = def.AuthTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.Backoff.Initial <= 0 {
		c.Backoff.Initial = def.Backoff.Initial
	}
	if c.Backoff.Max <= 0 {
		c.Backoff.Max = def.Backoff.Max
	}
	if c.Backoff.Multiplier <= 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if c.MaxFrameSize <= 0 {
		c.MaxFrameSize = def.MaxFrameSize
	}
	if c.ReadBufferSize <= 0 {
		c.ReadBufferSize = def.ReadBufferSize
	}
	if c.PendingRequestQueueDepth <= 0 {
		c.PendingRequestQueueDepth = def.PendingRequestQueueDepth
	}
	if c.ListenerBuffer <= 0 {
		c.ListenerBuffer = def.ListenerBuffer
	}
	c.OverflowPolicy = OverflowPolicy(strings.ToLower(strings.TrimSpace(string(c.OverflowPolicy))))
	if c.OverflowPolicy == "" {
		c.OverflowPolicy = def.OverflowPolicy
	}
	if c.ReplayConcurrency <= 0 {
		c.ReplayConcurrency = def.ReplayConcurrency
	}
	if c.RateLimit.RequestBurst <= 0 {
		c.RateLimit.RequestBurst = def.RateLimit.RequestBurst
	}
	if c.RateLimit.HistoricalBurst <= 0 {
		c.RateLimit.HistoricalBurst = def.RateLimit.HistoricalBurst
	}
}

// Validate rejects inconsistent settings. Call Normalise first.
func (c Config) Validate() error {
	if c.Address == "" {
		return invalidConfig("address required")
	}
	if c.DeadInterval <= c.IdleInterval {
		return invalidConfig(fmt.Sprintf("deadInterval %s must exceed idleInterval %s", c.DeadInterval, c.IdleInterval))
	}
	if c.Backoff.Max < c.Backoff.Initial {
		return invalidConfig("backoff max must be >= initial")
	}
	if c.Backoff.Multiplier < 1 {
		return invalidConfig("backoff multiplier must be >= 1")
	}
	if c.Backoff.Jitter < 0 || c.Backoff.Jitter >= 1 {
		return invalidConfig("backoff jitter must be within [0,1)")
	}
	if c.MaxReconnectAttempts < 0 {
		return invalidConfig("maxReconnectAttempts must be >= 0")
	}
	if c.MaxAuthRetries < 0 {
		return invalidConfig("maxAuthRetries must be >= 0")
	}
	if c.MaxFrameSize < 16 {
		return invalidConfig("maxFrameSize too small")
	}
	switch c.OverflowPolicy {
	case DropNewest, DropOldest, CloseListener:
	default:
		return invalidConfig(fmt.Sprintf("unknown overflow policy %q", c.OverflowPolicy))
	}
	if c.RateLimit.RequestsPerSecond < 0 || c.RateLimit.HistoricalPerSecond < 0 {
		return invalidConfig("rate limits must be >= 0")
	}
	return nil
}

func invalidConfig(msg string) error {
	return errs.New("session", errs.CodeInvalid, errs.WithMessage("config: "+msg))
}
