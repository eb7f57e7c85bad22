package relay

import (
	"os"
	"strconv"
	"time"
)

const (
	envDomain       = "ZTUNNEL_DOMAIN"
	envPort         = "PORT"
	envTrustXFF     = "ZTUNNEL_TRUST_XFF"
	defaultDomain   = "connectus.net.in"
	defaultPort     = "8080"
	defaultTrustXFF = true
)

// Config holds the relay's environment-derived runtime settings (spec §6).
type Config struct {
	// Domain is the root zone appended to generated subdomains to build the
	// public tunnel URL.
	Domain string
	// ListenAddr is the relay's public HTTP listen address.
	ListenAddr string
	// TrustForwardedFor gates whether X-Forwarded-For is honoured for IP
	// filtering (SPEC_FULL §9, Open Question 3). Defaults true to match the
	// source's unconditional trust.
	TrustForwardedFor bool
	// ResponseTimeout bounds how long the proxy handler waits for a
	// correlated response (spec §4.6 step 9).
	ResponseTimeout time.Duration
	// MaxBodyBytes bounds the public request body read (spec §4.6 step 2).
	MaxBodyBytes int64
	// KeepaliveInterval is how often the registration loop pings the agent
	// (spec §4.5 step 5).
	KeepaliveInterval time.Duration
}

// LoadConfig reads relay configuration from the process environment,
// applying the defaults named in spec §6.
func LoadConfig() Config {
	return Config{
		Domain:             getEnv(envDomain, defaultDomain),
		ListenAddr:         ":" + getEnv(envPort, defaultPort),
		TrustForwardedFor:  getEnvBool(envTrustXFF, defaultTrustXFF),
		ResponseTimeout:    30 * time.Second,
		MaxBodyBytes:       10 << 20, // 10 MiB
		KeepaliveInterval:  30 * time.Second,
	}
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}
