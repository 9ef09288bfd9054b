// Package config loads mergequeued's configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/greenline/mergequeue/internal/model"
)

// Config holds all configuration for the mergequeued process.
type Config struct {
	DatabaseURL   string
	WebhookSecret string
	ListenAddr    string
	WebhookPath   string
	ExternalURL   string // optional: external URL for webhook auto-setup

	Repos       []RepoRef
	DefaultKind model.RepoKind

	Gitea  GiteaConfig
	GitLab GitLabConfig
	GitHub GitHubConfig

	GitBackend string // "shell" or "libgit"
	GitMirrors string // base dir for local mirrors

	DefaultTargetBranch string // target branch provisioned for explicitly configured repos
	WorkingBranch       string // name of the working branch provisioned alongside it
	DefaultMergeStyle   model.MergeStyle

	Topic             string // optional: discover Gitea repos by this topic
	PollInterval      time.Duration
	CheckTimeout      time.Duration
	RequiredChecks    []string
	RefreshInterval   time.Duration
	DiscoveryInterval time.Duration
	LogLevel          string // "debug", "info", "warn", "error"
}

// GiteaConfig holds the credentials for the Gitea host, if configured.
type GiteaConfig struct {
	URL   string
	Token string
}

// GitLabConfig holds the credentials for the GitLab host, if configured.
type GitLabConfig struct {
	URL   string
	Token string
}

// GitHubConfig holds the credentials for the GitHub host, if configured.
// Either Token (a PAT) or the App fields may be set; the App fields take
// precedence when both are present.
type GitHubConfig struct {
	Token             string
	AppID             int64
	InstallationID    int64
	PrivateKeyPath    string
}

// RepoRef identifies a repository by host kind, owner and name.
type RepoRef struct {
	Kind  model.RepoKind
	Owner string
	Name  string
}

func (r RepoRef) String() string {
	return string(r.Kind) + ":" + r.Owner + "/" + r.Name
}

// ParseRepoRef parses a "kind:owner/name" or bare "owner/name" string into a
// RepoRef, defaulting Kind to defaultKind when unspecified.
func ParseRepoRef(s string, defaultKind model.RepoKind) (RepoRef, bool) {
	kind := defaultKind

	if k, rest, ok := strings.Cut(s, ":"); ok {
		switch model.RepoKind(k) {
		case model.KindGitea, model.KindGitLab, model.KindGitHub:
			kind = model.RepoKind(k)
			s = rest
		}
	}

	owner, name, ok := strings.Cut(s, "/")
	if !ok || owner == "" || name == "" {
		return RepoRef{}, false
	}

	return RepoRef{Kind: kind, Owner: owner, Name: name}, true
}

// Load reads configuration from environment variables, validates required
// fields, and applies defaults.
func Load() (*Config, error) {
	cfg := &Config{
		ListenAddr: envOrDefault("MERGEQUEUE_LISTEN_ADDR", ":8080"),
		WebhookPath: envOrDefault("MERGEQUEUE_WEBHOOK_PATH", "/webhook"),
		GitBackend:  envOrDefault("MERGEQUEUE_GIT_BACKEND", "shell"),
		GitMirrors:  envOrDefault("MERGEQUEUE_GIT_MIRRORS", "/var/lib/mergequeue/mirrors"),

		DefaultTargetBranch: envOrDefault("MERGEQUEUE_DEFAULT_TARGET_BRANCH", "main"),
		WorkingBranch:       envOrDefault("MERGEQUEUE_WORKING_BRANCH", "merge-queue"),
		DefaultMergeStyle:   model.MergeStyle(envOrDefault("MERGEQUEUE_MERGE_STYLE", string(model.MergeStyleMerge))),
	}

	var missing []string

	cfg.DefaultKind = model.RepoKind(envOrDefault("MERGEQUEUE_DEFAULT_KIND", string(model.KindGitea)))
	switch cfg.DefaultKind {
	case model.KindGitea, model.KindGitLab, model.KindGitHub:
	default:
		return nil, fmt.Errorf("MERGEQUEUE_DEFAULT_KIND: invalid value %q", cfg.DefaultKind)
	}

	cfg.Gitea.URL = strings.TrimRight(os.Getenv("MERGEQUEUE_GITEA_URL"), "/")
	cfg.Gitea.Token = os.Getenv("MERGEQUEUE_GITEA_TOKEN")

	cfg.GitLab.URL = strings.TrimRight(os.Getenv("MERGEQUEUE_GITLAB_URL"), "/")
	cfg.GitLab.Token = os.Getenv("MERGEQUEUE_GITLAB_TOKEN")

	cfg.GitHub.Token = os.Getenv("MERGEQUEUE_GITHUB_TOKEN")
	cfg.GitHub.PrivateKeyPath = os.Getenv("MERGEQUEUE_GITHUB_APP_PRIVATE_KEY_PATH")

	if s := os.Getenv("MERGEQUEUE_GITHUB_APP_ID"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("MERGEQUEUE_GITHUB_APP_ID: %w", err)
		}

		cfg.GitHub.AppID = v
	}

	if s := os.Getenv("MERGEQUEUE_GITHUB_APP_INSTALLATION_ID"); s != "" {
		v, err := strconv.ParseInt(s, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("MERGEQUEUE_GITHUB_APP_INSTALLATION_ID: %w", err)
		}

		cfg.GitHub.InstallationID = v
	}

	cfg.Topic = os.Getenv("MERGEQUEUE_TOPIC")

	reposStr := os.Getenv("MERGEQUEUE_REPOS")
	if reposStr == "" && cfg.Topic == "" {
		missing = append(missing, "MERGEQUEUE_REPOS")
	}

	cfg.DatabaseURL = os.Getenv("MERGEQUEUE_DATABASE_URL")
	if cfg.DatabaseURL == "" {
		missing = append(missing, "MERGEQUEUE_DATABASE_URL")
	}

	cfg.WebhookSecret = os.Getenv("MERGEQUEUE_WEBHOOK_SECRET")
	if cfg.WebhookSecret == "" {
		missing = append(missing, "MERGEQUEUE_WEBHOOK_SECRET")
	}

	cfg.ExternalURL = strings.TrimRight(os.Getenv("MERGEQUEUE_EXTERNAL_URL"), "/")
	if cfg.ExternalURL == "" {
		missing = append(missing, "MERGEQUEUE_EXTERNAL_URL")
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}

	if reposStr != "" {
		repos, err := parseRepos(reposStr, cfg.DefaultKind)
		if err != nil {
			return nil, fmt.Errorf("MERGEQUEUE_REPOS: %w", err)
		}

		cfg.Repos = repos
	}

	for _, ref := range cfg.Repos {
		if err := cfg.requireHostConfigured(ref.Kind); err != nil {
			return nil, err
		}
	}

	if cfg.Topic != "" {
		if err := cfg.requireHostConfigured(model.KindGitea); err != nil {
			return nil, fmt.Errorf("topic-based discovery: %w", err)
		}
	}

	var err error

	cfg.PollInterval, err = parseDurationOrDefault("MERGEQUEUE_POLL_INTERVAL", 30*time.Second)
	if err != nil {
		return nil, err
	}

	cfg.CheckTimeout, err = parseDurationOrDefault("MERGEQUEUE_CHECK_TIMEOUT", 1*time.Hour)
	if err != nil {
		return nil, err
	}

	cfg.RefreshInterval, err = parseDurationOrDefault("MERGEQUEUE_REFRESH_INTERVAL", 10*time.Second)
	if err != nil {
		return nil, err
	}

	cfg.DiscoveryInterval, err = parseDurationOrDefault("MERGEQUEUE_DISCOVERY_INTERVAL", 5*time.Minute)
	if err != nil {
		return nil, err
	}

	if checks := os.Getenv("MERGEQUEUE_REQUIRED_CHECKS"); checks != "" {
		for _, c := range strings.Split(checks, ",") {
			c = strings.TrimSpace(c)
			if c != "" {
				cfg.RequiredChecks = append(cfg.RequiredChecks, c)
			}
		}
	}

	cfg.LogLevel = envOrDefault("MERGEQUEUE_LOG_LEVEL", "info")
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("MERGEQUEUE_LOG_LEVEL: invalid value %q, must be one of: debug, info, warn, error", cfg.LogLevel)
	}

	switch cfg.GitBackend {
	case "shell", "libgit":
	default:
		return nil, fmt.Errorf("MERGEQUEUE_GIT_BACKEND: invalid value %q, must be one of: shell, libgit", cfg.GitBackend)
	}

	switch cfg.DefaultMergeStyle {
	case model.MergeStyleMerge, model.MergeStyleLinear, model.MergeStyleSemiLinear:
	default:
		return nil, fmt.Errorf("MERGEQUEUE_MERGE_STYLE: invalid value %q", cfg.DefaultMergeStyle)
	}

	if cfg.WorkingBranch == cfg.DefaultTargetBranch {
		return nil, fmt.Errorf("MERGEQUEUE_WORKING_BRANCH must differ from MERGEQUEUE_DEFAULT_TARGET_BRANCH")
	}

	return cfg, nil
}

// RepoURL builds the git remote URL mergequeued clones/fetches/pushes for
// ref, embedding the host's configured token for authentication the way
// the teacher's gitea.HTTPClient.MergeBranches constructs its clone URL.
func (cfg *Config) RepoURL(ref RepoRef) string {
	switch ref.Kind {
	case model.KindGitLab:
		return fmt.Sprintf("%s://oauth2:%s@%s/%s/%s.git", schemeOf(cfg.GitLab.URL), cfg.GitLab.Token, hostOf(cfg.GitLab.URL, "gitlab.com"), ref.Owner, ref.Name)
	case model.KindGitHub:
		return fmt.Sprintf("https://x-access-token:%s@github.com/%s/%s.git", cfg.GitHub.Token, ref.Owner, ref.Name)
	default:
		return fmt.Sprintf("%s://mergequeue:%s@%s/%s/%s.git", schemeOf(cfg.Gitea.URL), cfg.Gitea.Token, hostOf(cfg.Gitea.URL, "gitea.local"), ref.Owner, ref.Name)
	}
}

func hostOf(baseURL, fallback string) string {
	rest := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	if rest == "" {
		return fallback
	}

	return rest
}

// schemeOf preserves a configured host's own scheme (self-hosted Gitea/GitLab
// instances behind a plain-HTTP internal network are common) instead of
// assuming TLS; unspecified defaults to https.
func schemeOf(baseURL string) string {
	if strings.HasPrefix(baseURL, "http://") {
		return "http"
	}

	return "https"
}

// requireHostConfigured reports an error if kind's credentials are missing.
func (cfg *Config) requireHostConfigured(kind model.RepoKind) error {
	switch kind {
	case model.KindGitea:
		if cfg.Gitea.URL == "" || cfg.Gitea.Token == "" {
			return fmt.Errorf("gitea host not configured: set MERGEQUEUE_GITEA_URL and MERGEQUEUE_GITEA_TOKEN")
		}
	case model.KindGitLab:
		if cfg.GitLab.URL == "" || cfg.GitLab.Token == "" {
			return fmt.Errorf("gitlab host not configured: set MERGEQUEUE_GITLAB_URL and MERGEQUEUE_GITLAB_TOKEN")
		}
	case model.KindGitHub:
		hasToken := cfg.GitHub.Token != ""
		hasApp := cfg.GitHub.AppID != 0 && cfg.GitHub.InstallationID != 0 && cfg.GitHub.PrivateKeyPath != ""

		if !hasToken && !hasApp {
			return fmt.Errorf("github host not configured: set MERGEQUEUE_GITHUB_TOKEN or the MERGEQUEUE_GITHUB_APP_* variables")
		}
	}

	return nil
}

func envOrDefault(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return defaultVal
}

func parseRepos(s string, defaultKind model.RepoKind) ([]RepoRef, error) {
	var repos []RepoRef

	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		ref, ok := ParseRepoRef(part, defaultKind)
		if !ok {
			return nil, fmt.Errorf("invalid repo format %q, expected [kind:]owner/name", part)
		}

		repos = append(repos, ref)
	}

	if len(repos) == 0 {
		return nil, fmt.Errorf("no repos specified")
	}

	return repos, nil
}

func parseDurationOrDefault(envKey string, defaultVal time.Duration) (time.Duration, error) {
	s := os.Getenv(envKey)
	if s == "" {
		return defaultVal, nil
	}

	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", envKey, s, err)
	}

	if d <= 0 {
		return 0, fmt.Errorf("%s: duration must be positive, got %v", envKey, d)
	}

	return d, nil
}
