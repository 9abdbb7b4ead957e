package config

import "time"

// Application constants
const (
	AppName     = "HostelPro"
	AppVersion  = "1.4.0"
	ServiceName = "hostelpro"

	// EnvPrefix namespaces every environment variable, e.g. HOSTELPRO_SERVER_PORT
	EnvPrefix = "HOSTELPRO"

	DefaultPort           = 5000
	DefaultRequestTimeout = 30 * time.Second

	// Storage drivers
	DriverSQLite = "sqlite"
	DriverMySQL  = "mysql"
	DriverBolt   = "bolt"
	DriverMemory = "memory"

	// File paths (relative to the working directory unless absolute)
	DefaultDataDir    = "data"
	DefaultSQLiteFile = "data/hostelpro.db"
	DefaultCacheFile  = ".license/license.json.enc"

	// License engine
	LicenseKeyPrefix     = "HOSTELPRO"
	DefaultIssueAttempts = 3
	DefaultSweepInterval = time.Hour
	DefaultKDFIterations = 100000
	MinKDFIterations     = 10000

	// Admin accounts and sessions
	SessionCookieName  = "hostelpro_session"
	DefaultSessionTTL  = 24 * time.Hour
	MaxLoginAttempts   = 3
	LoginBlockDuration = 5 * time.Minute
	MinPasswordLength  = 8

	WebSocketPingPeriod = 30 * time.Second
	WebSocketPongWait   = 60 * time.Second
)
