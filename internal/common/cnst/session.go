package cnst

import "time"

// Server-wide session defaults, overridable per context.
const (
	DefaultMaxInactive         = 30 * time.Second
	DefaultScavengePeriod      = 10 * time.Second
	DefaultInspectionPeriod    = 2 * time.Second
	DefaultIdlePassivatePeriod = 2 * time.Second
	DefaultShutdownTimeout     = 5 * time.Second
)

const (
	// DefaultCookieName is the token name stripped from raw session cookies
	DefaultCookieName = "SESSIONID"
	// DefaultRedisPrefix is the key namespace of the redis store
	DefaultRedisPrefix = "sessiond:session"
	// DefaultDiskPath is where the disk store keeps session files
	DefaultDiskPath = "data/sessions"
	// DefaultMetricsPath is the route the prometheus handler is mounted on
	DefaultMetricsPath = "/metrics"
	// DefaultMetricsNamespace prefixes every exported metric
	DefaultMetricsNamespace = "sessiond"
)

// CtxKeySession is the gin context key the session handler stores the
// checked out session under
const CtxKeySession = "sessiond.session"
