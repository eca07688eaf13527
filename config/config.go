package config

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pbcex/adminguard/policy"
	"github.com/pbcex/adminguard/ratelimit"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendDynamoDB = "dynamodb"
)

// Audit sinks.
const (
	AuditNone       = "none"
	AuditStdout     = "stdout"
	AuditCloudWatch = "cloudwatch"
)

// Step-up secret sources.
const (
	SecretsStatic         = "static"
	SecretsSecretsManager = "secretsmanager"
)

// DefaultSweepInterval is how often expired requests are swept.
const DefaultSweepInterval = time.Minute

// Config is the adminguard server configuration file.
type Config struct {
	// Listen is the TCP address the server binds, e.g. ":8443".
	Listen string `yaml:"listen"`

	// Region is the AWS region for every AWS-backed component.
	Region string `yaml:"region,omitempty"`

	// GatewayToken, when set, must be presented in X-Gateway-Token before
	// identity headers are trusted.
	GatewayToken string `yaml:"gateway_token,omitempty"`

	// AllowSelfApproval lets a requester approve their own request.
	AllowSelfApproval bool `yaml:"allow_self_approval,omitempty"`

	// SweepInterval is how often expired requests are transitioned.
	SweepInterval time.Duration `yaml:"sweep_interval,omitempty"`

	// DecisionLog is where decision, approval and step-up log lines go:
	// "" disables, "-" is stdout, anything else is a file path.
	DecisionLog string `yaml:"decision_log,omitempty"`

	Store         StoreConfig            `yaml:"store"`
	Rules         RulesConfig            `yaml:"rules"`
	Evaluator     policy.EvaluatorConfig `yaml:"evaluator,omitempty"`
	StepUp        StepUpConfig           `yaml:"step_up"`
	Audit         AuditConfig            `yaml:"audit"`
	Notifications NotificationConfig     `yaml:"notifications,omitempty"`
	Metrics       MetricsConfig          `yaml:"metrics,omitempty"`
	RateLimit     *RateLimitConfig       `yaml:"rate_limit,omitempty"`
	Routes        []RouteConfig          `yaml:"routes,omitempty"`
}

// StoreConfig selects where approval requests and step-up sessions live.
type StoreConfig struct {
	Backend       string `yaml:"backend"`
	RequestsTable string `yaml:"requests_table,omitempty"`
	StepUpTable   string `yaml:"step_up_table,omitempty"`
}

// RulesConfig locates the approval rule table. With neither File nor
// SSMParameter set the built-in rules are used.
type RulesConfig struct {
	File         string        `yaml:"file,omitempty"`
	SSMParameter string        `yaml:"ssm_parameter,omitempty"`
	CacheTTL     time.Duration `yaml:"cache_ttl,omitempty"`
}

// StepUpConfig configures the TOTP factor.
type StepUpConfig struct {
	// Secrets is "static" or "secretsmanager".
	Secrets string `yaml:"secrets"`

	// StaticSecrets maps user IDs to base32 TOTP secrets.
	StaticSecrets map[string]string `yaml:"static_secrets,omitempty"`

	// SecretPrefix is prepended to the user ID to name the Secrets Manager secret.
	SecretPrefix string `yaml:"secret_prefix,omitempty"`

	// SecretCacheTTL bounds how long fetched secrets are cached.
	SecretCacheTTL time.Duration `yaml:"secret_cache_ttl,omitempty"`

	Digits int `yaml:"digits,omitempty"`
	Period int `yaml:"period,omitempty"`
	Skew   int `yaml:"skew,omitempty"`
}

// AuditConfig selects the audit sink.
type AuditConfig struct {
	Sink       string `yaml:"sink"`
	LogGroup   string `yaml:"log_group,omitempty"`
	LogStream  string `yaml:"log_stream,omitempty"`
	BufferSize int    `yaml:"buffer_size,omitempty"`
}

// NotificationConfig configures lifecycle notifications.
type NotificationConfig struct {
	SNSTopicARN    string        `yaml:"sns_topic_arn,omitempty"`
	WebhookURL     string        `yaml:"webhook_url,omitempty"`
	WebhookSecret  string        `yaml:"webhook_secret,omitempty"`
	WebhookTimeout time.Duration `yaml:"webhook_timeout,omitempty"`
}

// MetricsConfig configures CloudWatch metrics.
type MetricsConfig struct {
	Enabled       bool          `yaml:"enabled,omitempty"`
	Namespace     string        `yaml:"namespace,omitempty"`
	FlushInterval time.Duration `yaml:"flush_interval,omitempty"`
}

// RateLimitConfig limits approval creation and step-up initiation per user.
type RateLimitConfig struct {
	ratelimit.Config `yaml:",inline"`

	// Backend is "memory" (per process) or "dynamodb" (shared).
	Backend string `yaml:"backend,omitempty"`
	Table   string `yaml:"table,omitempty"`
}

// RouteConfig is one guarded upstream operation.
type RouteConfig struct {
	Method           string `yaml:"method,omitempty"`
	Path             string `yaml:"path"`
	ResourceType     string `yaml:"resource_type"`
	Action           string `yaml:"action"`
	Upstream         string `yaml:"upstream"`
	AllowReplay      bool   `yaml:"allow_replay,omitempty"`
	BindResource     bool   `yaml:"bind_resource,omitempty"`
	ContextFromQuery bool   `yaml:"context_from_query,omitempty"`
}

// Default returns a configuration that runs entirely in memory.
func Default() *Config {
	return &Config{
		Listen:        "127.0.0.1:8080",
		SweepInterval: DefaultSweepInterval,
		Store:         StoreConfig{Backend: BackendMemory},
		StepUp:        StepUpConfig{Secrets: SecretsStatic},
		Audit:         AuditConfig{Sink: AuditStdout},
	}
}

// Parse decodes data over Default and validates the result.
// Unknown fields are rejected.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if len(bytes.TrimSpace(data)) > 0 {
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(cfg); err != nil {
			return nil, fmt.Errorf("yaml: %w", err)
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads and parses the configuration file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Validate reports every problem in the configuration.
func (c *Config) Validate() error {
	return errors.Join(c.problems()...)
}

// UsesAWS reports whether any configured component needs AWS credentials.
func (c *Config) UsesAWS() bool {
	return c.Store.Backend == BackendDynamoDB ||
		c.Rules.SSMParameter != "" ||
		c.StepUp.Secrets == SecretsSecretsManager ||
		c.Audit.Sink == AuditCloudWatch ||
		c.Notifications.SNSTopicARN != "" ||
		c.Metrics.Enabled ||
		(c.RateLimit != nil && c.RateLimit.Backend == BackendDynamoDB)
}

func (c *Config) problems() []error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Listen == "" {
		add("listen cannot be empty")
	}
	if c.SweepInterval < 0 {
		add("sweep_interval cannot be negative")
	}

	switch c.Store.Backend {
	case BackendMemory:
	case BackendDynamoDB:
		if c.Store.RequestsTable == "" {
			add("store.requests_table is required for the dynamodb backend")
		}
		if c.Store.StepUpTable == "" {
			add("store.step_up_table is required for the dynamodb backend")
		}
	default:
		add("store.backend %q must be %s or %s", c.Store.Backend, BackendMemory, BackendDynamoDB)
	}

	if c.Rules.File != "" && c.Rules.SSMParameter != "" {
		add("rules: set file or ssm_parameter, not both")
	}
	if c.Rules.SSMParameter != "" && !strings.HasPrefix(c.Rules.SSMParameter, "/") {
		add("rules.ssm_parameter %q must start with /", c.Rules.SSMParameter)
	}
	if c.Rules.CacheTTL < 0 {
		add("rules.cache_ttl cannot be negative")
	}

	errs = append(errs, evaluatorProblems(c.Evaluator)...)

	switch c.StepUp.Secrets {
	case SecretsStatic:
	case SecretsSecretsManager:
		if c.StepUp.SecretPrefix == "" {
			add("step_up.secret_prefix is required for the secretsmanager source")
		}
	default:
		add("step_up.secrets %q must be %s or %s", c.StepUp.Secrets, SecretsStatic, SecretsSecretsManager)
	}
	if c.StepUp.Digits != 0 && (c.StepUp.Digits < 6 || c.StepUp.Digits > 8) {
		add("step_up.digits must be between 6 and 8")
	}
	if c.StepUp.Period < 0 || c.StepUp.Skew < 0 {
		add("step_up.period and step_up.skew cannot be negative")
	}

	switch c.Audit.Sink {
	case AuditNone, AuditStdout:
	case AuditCloudWatch:
		if c.Audit.LogGroup == "" || c.Audit.LogStream == "" {
			add("audit.log_group and audit.log_stream are required for the cloudwatch sink")
		}
	default:
		add("audit.sink %q must be %s, %s or %s", c.Audit.Sink, AuditNone, AuditStdout, AuditCloudWatch)
	}
	if c.Audit.BufferSize < 0 {
		add("audit.buffer_size cannot be negative")
	}

	if c.Notifications.SNSTopicARN != "" && !strings.HasPrefix(c.Notifications.SNSTopicARN, "arn:") {
		add("notifications.sns_topic_arn %q is not an ARN", c.Notifications.SNSTopicARN)
	}
	if c.Notifications.WebhookURL != "" {
		if u, err := url.Parse(c.Notifications.WebhookURL); err != nil || u.Scheme == "" || u.Host == "" {
			add("notifications.webhook_url %q is not a URL", c.Notifications.WebhookURL)
		}
	}

	if c.Metrics.FlushInterval < 0 {
		add("metrics.flush_interval cannot be negative")
	}

	if c.RateLimit != nil {
		if err := c.RateLimit.Config.Validate(); err != nil {
			add("rate_limit: %v", err)
		}
		switch c.RateLimit.Backend {
		case "", BackendMemory:
		case BackendDynamoDB:
			if c.RateLimit.Table == "" {
				add("rate_limit.table is required for the dynamodb backend")
			}
		default:
			add("rate_limit.backend %q must be %s or %s", c.RateLimit.Backend, BackendMemory, BackendDynamoDB)
		}
	}

	seen := make(map[string]int, len(c.Routes))
	for i, r := range c.Routes {
		if r.Path == "" || !strings.HasPrefix(r.Path, "/") {
			add("routes[%d]: path %q must start with /", i, r.Path)
		}
		if r.ResourceType == "" || r.Action == "" {
			add("routes[%d]: resource_type and action are required", i)
		}
		if u, err := url.Parse(r.Upstream); err != nil || u.Scheme == "" || u.Host == "" {
			add("routes[%d]: upstream %q is not a URL", i, r.Upstream)
		}
		key := r.Method + " " + r.Path
		if prev, dup := seen[key]; dup {
			add("routes[%d]: duplicate route %s (first defined at routes[%d])", i, key, prev)
		}
		seen[key] = i
	}

	return errs
}

func evaluatorProblems(ec policy.EvaluatorConfig) []error {
	var errs []error
	for role := range ec.Permissions {
		if !role.IsValid() {
			errs = append(errs, fmt.Errorf("evaluator.permissions: unknown role %q", role))
		}
	}
	for role, dominated := range ec.Hierarchy {
		if !role.IsValid() {
			errs = append(errs, fmt.Errorf("evaluator.hierarchy: unknown role %q", role))
		}
		for _, d := range dominated {
			if !d.IsValid() {
				errs = append(errs, fmt.Errorf("evaluator.hierarchy.%s: unknown role %q", role, d))
			}
		}
	}
	for i, key := range ec.HighClearance {
		if !strings.Contains(key, ":") {
			errs = append(errs, fmt.Errorf("evaluator.high_clearance[%d]: %q must be resource:action", i, key))
		}
	}
	return errs
}
