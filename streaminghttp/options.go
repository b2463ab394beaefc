package streaminghttp

import (
	"log/slog"
	"strings"
	"time"

	"github.com/ggoodman/mcp-streamable-go/auth"
	"github.com/ggoodman/mcp-streamable-go/eventstore"
	"github.com/ggoodman/mcp-streamable-go/sessions"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
)

const (
	DefaultIdleTimeout       = 2 * time.Hour
	DefaultIdleSweepInterval = 5 * time.Second
	DefaultMaxIdleSessions   = 10_000
	DefaultPath              = "/"
)

// Option configures the Handler.
type Option func(*config)

type config struct {
	logger        *slog.Logger
	authenticator auth.Authenticator
	realm         string
	path          string

	prmResource    string
	prmAuthServers []string
	prmScopes      []string

	allowedHosts   []string
	allowedOrigins []string

	eventStore    eventstore.Store
	retryInterval time.Duration

	sessionStore sessions.Store
	migration    sessions.MigrationHandler

	idleTimeout     time.Duration
	sweepInterval   time.Duration
	maxIdleSessions int
	clock           clockwork.Clock
	registerer      prometheus.Registerer
}

func defaultConfig() *config {
	return &config{
		logger:          slog.Default(),
		path:            DefaultPath,
		idleTimeout:     DefaultIdleTimeout,
		sweepInterval:   DefaultIdleSweepInterval,
		maxIdleSessions: DefaultMaxIdleSessions,
		clock:           clockwork.NewRealClock(),
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *config) { c.logger = l }
}

// WithAuthenticator requires a bearer token on every request. The
// authenticated principal becomes the identity of the sessions it creates.
func WithAuthenticator(a auth.Authenticator) Option {
	return func(c *config) { c.authenticator = a }
}

// WithRealm sets the HTTP authentication realm advertised in WWW-Authenticate
// challenges. If empty (default), the realm attribute is omitted entirely per
// RFC 6750 (it is optional) keeping challenges concise.
func WithRealm(realm string) Option {
	return func(c *config) { c.realm = strings.TrimSpace(realm) }
}

// WithProtectedResourceMetadata publishes an OAuth 2.0 Protected Resource
// Metadata document (RFC 9728) for the endpoint at its public URL resource
// and points bearer challenges at it. It requires WithAuthenticator.
func WithProtectedResourceMetadata(resource string, authorizationServers []string, scopes ...string) Option {
	return func(c *config) {
		c.prmResource = resource
		c.prmAuthServers = authorizationServers
		c.prmScopes = scopes
	}
}

// WithPath sets the path the endpoint is served on. Defaults to "/".
func WithPath(path string) Option {
	return func(c *config) { c.path = path }
}

// WithAllowedHosts restricts the Host header to the given hosts, with or
// without port. Requests from other hosts are rejected with 403.
func WithAllowedHosts(hosts ...string) Option {
	return func(c *config) { c.allowedHosts = append(c.allowedHosts, hosts...) }
}

// WithAllowedOrigins restricts the Origin header, when present, to the given
// origins. Requests from other origins are rejected with 403.
func WithAllowedOrigins(origins ...string) Option {
	return func(c *config) { c.allowedOrigins = append(c.allowedOrigins, origins...) }
}

// WithEventStore makes SSE streams resumable with Last-Event-ID.
func WithEventStore(s eventstore.Store) Option {
	return func(c *config) { c.eventStore = s }
}

// WithRetryInterval advertises the delay clients should wait before
// reconnecting a closed stream. It requires an event store.
func WithRetryInterval(d time.Duration) Option {
	return func(c *config) { c.retryInterval = d }
}

// WithSessionStore persists session metadata. Unless WithMigrationHandler is
// also given, the store backs a sessions.NewStoreMigrationHandler so that
// other processes sharing the store can adopt this process's sessions.
func WithSessionStore(s sessions.Store) Option {
	return func(c *config) { c.sessionStore = s }
}

// WithMigrationHandler sets the hooks used to persist and restore sessions
// across processes.
func WithMigrationHandler(m sessions.MigrationHandler) Option {
	return func(c *config) { c.migration = m }
}

// WithIdleTimeout sets how long an unreferenced session survives.
func WithIdleTimeout(d time.Duration) Option {
	return func(c *config) { c.idleTimeout = d }
}

// WithIdleSweepInterval sets the period of the idle session sweep,
// independently of the idle timeout.
func WithIdleSweepInterval(d time.Duration) Option {
	return func(c *config) { c.sweepInterval = d }
}

// WithMaxIdleSessions bounds the number of unreferenced sessions kept. The
// least recently active ones are evicted first.
func WithMaxIdleSessions(n int) Option {
	return func(c *config) { c.maxIdleSessions = n }
}

// WithClock replaces the clock used for activity timestamps and the sweep.
func WithClock(clk clockwork.Clock) Option {
	return func(c *config) { c.clock = clk }
}

// WithMetricsRegisterer registers the handler's Prometheus collectors.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(c *config) { c.registerer = reg }
}
