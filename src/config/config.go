// Package config provides configuration management for build-stats.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Config holds the application configuration, assembled from environment
// variables. Tokens are optional: both providers serve public repositories
// anonymously.
type Config struct {
	// TravisToken authenticates against the Travis CI API.
	TravisToken string

	// BitbucketToken authenticates against the Bitbucket API.
	BitbucketToken string

	// CacheDir is the base directory for on-disk build snapshots.
	CacheDir string

	// PostgresDSN, when set, selects the Postgres store instead of the
	// filesystem store.
	PostgresDSN string

	// Brokers, when set, are the Kafka/Redpanda addresses downloaded
	// records are published to.
	Brokers []string
}

// LoadFromEnv loads configuration from environment variables, defaulting the
// cache directory to the user cache dir.
func LoadFromEnv() (*Config, error) {
	cacheDir := os.Getenv("BUILD_STATS_CACHE_DIR")
	if cacheDir == "" {
		base, err := os.UserCacheDir()
		if err != nil {
			return nil, fmt.Errorf("failed to locate user cache directory: %w", err)
		}
		cacheDir = filepath.Join(base, "build-stats")
	}

	var brokers []string
	if raw := os.Getenv("BUILD_STATS_BROKERS"); raw != "" {
		for _, addr := range strings.Split(raw, ",") {
			if addr = strings.TrimSpace(addr); addr != "" {
				brokers = append(brokers, addr)
			}
		}
	}

	return &Config{
		TravisToken:    os.Getenv("TRAVIS_API_TOKEN"),
		BitbucketToken: os.Getenv("BITBUCKET_API_TOKEN"),
		CacheDir:       cacheDir,
		PostgresDSN:    os.Getenv("BUILD_STATS_POSTGRES_DSN"),
		Brokers:        brokers,
	}, nil
}

// TokenFor returns the credential for a provider host, empty when none is
// configured.
func (c *Config) TokenFor(host string) string {
	switch host {
	case "travis":
		return c.TravisToken
	case "bitbucket":
		return c.BitbucketToken
	}
	return ""
}
