package linkmesh

import "time"

// Default tuning values (spec §4.5, §4.6, §4.7).
const (
	defaultHeartbeatPeriod       = 1 * time.Second
	defaultDisconnectThreshold   = 8 * time.Second
	defaultWatchdogCheckPeriod   = 100 * time.Millisecond
	defaultConnectAttemptTimeout = 2 * time.Second
)

// connectionConfig holds the per-Connection tunables a Connection
// reads at construction time.
type connectionConfig struct {
	heartbeatPeriod     time.Duration
	watchdogCheckPeriod time.Duration
	disconnectThreshold time.Duration
}

func defaultConnectionConfig() connectionConfig {
	return connectionConfig{
		heartbeatPeriod:     defaultHeartbeatPeriod,
		watchdogCheckPeriod: defaultWatchdogCheckPeriod,
		disconnectThreshold: defaultDisconnectThreshold,
	}
}

// ConnectionOption configures a Connection at construction time.
type ConnectionOption func(*connectionConfig)

// WithHeartbeatPeriod overrides the default heartbeat send interval.
func WithHeartbeatPeriod(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) { c.heartbeatPeriod = d }
}

// WithDisconnectThreshold overrides the default silence duration
// after which a Connection's watchdog declares the peer dead.
func WithDisconnectThreshold(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) { c.disconnectThreshold = d }
}

// WithWatchdogCheckPeriod overrides the default watchdog polling
// interval. Mostly useful for tests that want a tighter loop than
// production's 100ms.
func WithWatchdogCheckPeriod(d time.Duration) ConnectionOption {
	return func(c *connectionConfig) { c.watchdogCheckPeriod = d }
}

// endpointConfig holds the tunables shared by Client and Server
// (spec §4.4's NetworkEndpoint base).
type endpointConfig struct {
	protocolVersion   VersionData
	connectionOptions []ConnectionOption
	adminListenAddr   string // empty disables the admin HTTP server
	initialQueueDepth int
	executor          Executor // nil: newNetworkEndpoint supplies an ordered default
}

// buildConnectionConfig applies this endpoint's stored
// ConnectionOptions over connectionConfig's defaults. Called once per
// Connection at construction time (by Client.attemptConnect and
// Server's accept loop).
func (c endpointConfig) buildConnectionConfig() connectionConfig {
	cc := defaultConnectionConfig()
	for _, opt := range c.connectionOptions {
		opt(&cc)
	}
	return cc
}

func defaultEndpointConfig() endpointConfig {
	return endpointConfig{
		protocolVersion:   ProtocolVersion,
		initialQueueDepth: 16,
	}
}

// EndpointOption configures a Client or Server at construction time.
type EndpointOption func(*endpointConfig)

// WithConnectionOptions applies opts to every Connection the endpoint
// creates (incoming, for a Server; reconnect attempts, for a Client).
func WithConnectionOptions(opts ...ConnectionOption) EndpointOption {
	return func(c *endpointConfig) { c.connectionOptions = append(c.connectionOptions, opts...) }
}

// WithAdminAddr starts the JSON introspection HTTP server (SPEC_FULL.md
// §3, "Admin/introspection HTTP server"; admin_server.go) listening on
// addr, e.g. ":6060".
func WithAdminAddr(addr string) EndpointOption {
	return func(c *endpointConfig) { c.adminListenAddr = addr }
}

// WithExecutor supplies the Executor the embedding application's
// handler callbacks run on (spec §9 Design Notes: "provided by the
// embedding application"). Omitting this leaves the endpoint's default
// ordered executor in place, which already satisfies invariant 6
// (in-order, non-overlapping per-remote delivery); supply one of your
// own only to run handlers on a different ordered queue (e.g. a game
// engine's main-thread tick).
func WithExecutor(executor Executor) EndpointOption {
	return func(c *endpointConfig) { c.executor = executor }
}

// clientConfig holds Client-specific tunables layered on top of
// endpointConfig.
type clientConfig struct {
	endpointConfig
	connectAttemptTimeout time.Duration
}

func defaultClientConfig() clientConfig {
	return clientConfig{
		endpointConfig:        defaultEndpointConfig(),
		connectAttemptTimeout: defaultConnectAttemptTimeout,
	}
}

// ClientOption configures a Client at construction time. An
// EndpointOption is a distinct type; wrap it with AsClientOption to
// pass it to NewClient.
type ClientOption func(*clientConfig)

// WithConnectAttemptTimeout overrides how long a single reconnect
// attempt is given before it is abandoned and retried (spec §4.6).
func WithConnectAttemptTimeout(d time.Duration) ClientOption {
	return func(c *clientConfig) { c.connectAttemptTimeout = d }
}

// AsClientOption lifts an EndpointOption (WithAdminAddr,
// WithConnectionOptions) into a ClientOption, for NewClient callers
// that want the shared endpoint knobs rather than Client-specific
// ones like WithConnectAttemptTimeout.
func AsClientOption(eo EndpointOption) ClientOption {
	return func(c *clientConfig) { eo(&c.endpointConfig) }
}
