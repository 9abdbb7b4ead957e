// Package config provides centralized configuration management for HostelPro.
//
// # Configuration Sources
//
// Configuration is loaded from the following sources in order of precedence:
//
//	1. Environment variables (highest priority)
//	2. A YAML configuration file
//	3. Default values (lowest priority)
//
// The configuration file is taken from HOSTELPRO_CONFIG, or the first of
// config.yaml and configs/config.yaml that exists.
//
// # Environment Variables
//
// All environment variables follow the pattern HOSTELPRO_<SECTION>_<FIELD>:
//
//	HOSTELPRO_SERVER_PORT=5000
//	HOSTELPRO_STORAGE_DRIVER=sqlite
//	HOSTELPRO_STORAGE_DSN=data/hostelpro.db
//	HOSTELPRO_LICENSE_ADMIN_SECRET=...
//	HOSTELPRO_AUTH_JWT_SECRET=...
//
// Administrative license issuance stays disabled until
// HOSTELPRO_LICENSE_ADMIN_SECRET is set. There is no built-in secret.
//
// # Usage
//
//	cfg, err := config.Load()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	paths, err := cfg.ResolvePaths()
package config
