// internal/config/config.go
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"

	custom_errors "github-commit-feed/internal/errors"
	"github-commit-feed/internal/model"
)

// Config holds all configuration for the application.
type Config struct {
	LogLevel       string `mapstructure:"LOG_LEVEL"`
	DBURL          string `mapstructure:"DB_URL"`
	GithubToken    string `mapstructure:"GITHUB_TOKEN"`
	GithubBranch   string `mapstructure:"GITHUB_BRANCH"`
	GithubRepo     string `mapstructure:"GITHUB_REPO"`
	GithubAPIURL   string `mapstructure:"GITHUB_API_URL"`
	UpdateInterval int64  `mapstructure:"UPDATE_INTERVAL"`
	FeedURL        string `mapstructure:"FEED_URL"`
	Port           int    `mapstructure:"PORT"`

	Repo            model.RepoIdentifier `mapstructure:"-"`
	RefreshInterval time.Duration        `mapstructure:"-"`
}

var keys = []string{
	"LOG_LEVEL",
	"DB_URL",
	"GITHUB_TOKEN",
	"GITHUB_BRANCH",
	"GITHUB_REPO",
	"GITHUB_API_URL",
	"UPDATE_INTERVAL",
	"FEED_URL",
	"PORT",
}

// LoadConfig reads configuration from a .env file in dir (if present) and environment variables.
// Environment variables win over the file.
func LoadConfig(dir string) (*Config, error) {
	v := viper.New()

	// Set default values
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("DB_URL", "sqlite://storage/commits.db")
	v.SetDefault("UPDATE_INTERVAL", int64(30*time.Minute/time.Millisecond))
	v.SetDefault("PORT", 3000)

	// Load from .env file if it exists
	v.SetConfigName(".env")
	v.SetConfigType("env")
	v.AddConfigPath(dir)
	_ = v.ReadInConfig() // Ignore error if file not found

	// Bind environment variables
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range keys {
		if err := v.BindEnv(key); err != nil {
			return nil, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse configuration: %w", err)
	}

	// Validate required fields
	if cfg.GithubToken == "" {
		return nil, &custom_errors.ErrMissingConfig{Key: "GITHUB_TOKEN"}
	}
	if cfg.GithubBranch == "" {
		return nil, &custom_errors.ErrMissingConfig{Key: "GITHUB_BRANCH"}
	}
	if cfg.GithubRepo == "" {
		return nil, &custom_errors.ErrMissingConfig{Key: "GITHUB_REPO"}
	}

	repo, err := model.ParseRepoIdentifier(cfg.GithubRepo)
	if err != nil {
		return nil, err
	}
	cfg.Repo = repo

	if cfg.UpdateInterval < 0 {
		return nil, &custom_errors.ErrInvalidConfig{Key: "UPDATE_INTERVAL", Value: strconv.FormatInt(cfg.UpdateInterval, 10), Reason: "must not be negative"}
	}
	cfg.RefreshInterval = time.Duration(cfg.UpdateInterval) * time.Millisecond

	if cfg.Port <= 0 || cfg.Port > 65535 {
		return nil, &custom_errors.ErrInvalidConfig{Key: "PORT", Value: strconv.Itoa(cfg.Port), Reason: "must be between 1 and 65535"}
	}
	if cfg.FeedURL == "" {
		cfg.FeedURL = fmt.Sprintf("http://localhost:%d/rss", cfg.Port)
	}

	return &cfg, nil
}
