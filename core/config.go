package core

import (
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultGateways is used when the caller supplies no gateway list.
var DefaultGateways = []string{
	"https://gateway.unicity.network",
	"https://ipfs-gw.unicity.network",
}

const (
	defaultFetchTimeout        = 15 * time.Second
	defaultResolveTimeout      = 10 * time.Second
	defaultPublishTimeout      = 30 * time.Second
	defaultConnectivityTimeout = 5 * time.Second
	defaultRecordLifetime      = 99 * 365 * 24 * time.Hour
	defaultRecordCacheTTL      = 60 * time.Second
	defaultBreakerThreshold    = 3
	defaultBreakerCooldown     = 60 * time.Second
	defaultKnownFreshWindow    = 30 * time.Second
	defaultFlushDebounce       = 2 * time.Second
	defaultFallbackPoll        = 90 * time.Second
	defaultContentCacheEntries = 4096
)

// WebSocketFactory dials a push-update stream. Absent, the engine runs in
// pure pull mode.
type WebSocketFactory func(url string) (*websocket.Conn, error)

// Options configures a Provider and its transport. The zero value is usable;
// Normalize fills every unset field with its default.
type Options struct {
	Gateways []string

	FetchTimeout        time.Duration
	ResolveTimeout      time.Duration
	PublishTimeout      time.Duration
	ConnectivityTimeout time.Duration

	// RecordLifetime is the validity window stamped into signed pointer
	// records.
	RecordLifetime time.Duration

	RecordCacheTTL   time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	KnownFreshWindow time.Duration

	FlushDebounce time.Duration

	FallbackPollInterval time.Duration

	// WSURL overrides the stream endpoint derived from the first gateway.
	WSURL string
	// CreateWebSocket enables the push subscription when non-nil.
	CreateWebSocket WebSocketFactory

	Persistence StatePersistence

	// Clock backs every TTL, cooldown and debounce decision; tests inject a
	// mock to step time without sleeping.
	Clock clock.Clock

	Logger *logrus.Logger
	Debug  bool
}

// Normalize returns a copy with every zero field replaced by its default.
func (o Options) Normalize() Options {
	if len(o.Gateways) == 0 {
		o.Gateways = append([]string(nil), DefaultGateways...)
	}
	if o.FetchTimeout <= 0 {
		o.FetchTimeout = defaultFetchTimeout
	}
	if o.ResolveTimeout <= 0 {
		o.ResolveTimeout = defaultResolveTimeout
	}
	if o.PublishTimeout <= 0 {
		o.PublishTimeout = defaultPublishTimeout
	}
	if o.ConnectivityTimeout <= 0 {
		o.ConnectivityTimeout = defaultConnectivityTimeout
	}
	if o.RecordLifetime <= 0 {
		o.RecordLifetime = defaultRecordLifetime
	}
	if o.RecordCacheTTL <= 0 {
		o.RecordCacheTTL = defaultRecordCacheTTL
	}
	if o.BreakerThreshold <= 0 {
		o.BreakerThreshold = defaultBreakerThreshold
	}
	if o.BreakerCooldown <= 0 {
		o.BreakerCooldown = defaultBreakerCooldown
	}
	if o.KnownFreshWindow <= 0 {
		o.KnownFreshWindow = defaultKnownFreshWindow
	}
	if o.FlushDebounce <= 0 {
		o.FlushDebounce = defaultFlushDebounce
	}
	if o.FallbackPollInterval <= 0 {
		o.FallbackPollInterval = defaultFallbackPoll
	}
	if o.Clock == nil {
		o.Clock = clock.New()
	}
	if o.Logger == nil {
		o.Logger = logrus.New()
		if o.Debug {
			o.Logger.SetLevel(logrus.DebugLevel)
		}
	}
	return o
}
