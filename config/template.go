package config

import (
	"bytes"
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pbcex/adminguard/policy"
	"github.com/pbcex/adminguard/ratelimit"
)

// TemplateID identifies a pre-built configuration template.
type TemplateID string

const (
	// TemplateLocal runs everything in memory with static TOTP secrets.
	TemplateLocal TemplateID = "local"
	// TemplateAWS uses DynamoDB, SSM, Secrets Manager, CloudWatch and SNS.
	TemplateAWS TemplateID = "aws"
)

// IsValid returns true if the TemplateID is a known value.
func (t TemplateID) IsValid() bool {
	switch t {
	case TemplateLocal, TemplateAWS:
		return true
	}
	return false
}

// String returns the string representation of the TemplateID.
func (t TemplateID) String() string {
	return string(t)
}

// AllTemplateIDs returns all valid template ID values.
func AllTemplateIDs() []TemplateID {
	return []TemplateID{TemplateLocal, TemplateAWS}
}

// Template describes a pre-built configuration template.
type Template struct {
	ID          TemplateID
	Name        string
	Description string
}

var templateRegistry = map[TemplateID]Template{
	TemplateLocal: {
		ID:          TemplateLocal,
		Name:        "Local",
		Description: "In-memory stores and static TOTP secrets for development",
	},
	TemplateAWS: {
		ID:          TemplateAWS,
		Name:        "AWS",
		Description: "DynamoDB stores, SSM rules, Secrets Manager TOTP, CloudWatch audit and metrics, SNS notifications",
	},
}

// GetTemplate returns the template metadata for the given ID.
func GetTemplate(id TemplateID) (Template, bool) {
	t, ok := templateRegistry[id]
	return t, ok
}

// AllTemplates returns metadata for all available templates.
func AllTemplates() []Template {
	templates := make([]Template, 0, len(templateRegistry))
	for _, id := range AllTemplateIDs() {
		templates = append(templates, templateRegistry[id])
	}
	return templates
}

// TemplateOutput contains the generated configuration YAML strings.
type TemplateOutput struct {
	Config string // Server configuration YAML
	Rules  string // Approval rules YAML
}

// GenerateTemplate generates configuration files for the specified template.
// prefix names the AWS resources (tables, parameters, log group) of the aws template.
func GenerateTemplate(id TemplateID, prefix string) (*TemplateOutput, error) {
	if !id.IsValid() {
		return nil, fmt.Errorf("invalid template ID: %s", id)
	}
	if prefix == "" {
		prefix = "adminguard"
	}

	var cfg *Config
	switch id {
	case TemplateLocal:
		cfg = localTemplate()
	case TemplateAWS:
		cfg = awsTemplate(prefix)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("template %s is invalid: %w", id, err)
	}

	configYAML, err := marshalWithHeader(cfg, "Server Configuration", id)
	if err != nil {
		return nil, fmt.Errorf("failed to generate config: %w", err)
	}
	rulesYAML, err := marshalWithHeader(policy.DefaultApprovalRules(), "Approval Rules", id)
	if err != nil {
		return nil, fmt.Errorf("failed to generate rules: %w", err)
	}

	return &TemplateOutput{Config: configYAML, Rules: rulesYAML}, nil
}

func localTemplate() *Config {
	cfg := Default()
	cfg.Rules.File = "approval-rules.yaml"
	cfg.DecisionLog = "-"
	cfg.RateLimit = &RateLimitConfig{
		Config:  ratelimit.Config{RequestsPerWindow: 10, Window: time.Minute},
		Backend: BackendMemory,
	}
	cfg.Routes = []RouteConfig{{
		Method:       "POST",
		Path:         "/cases/{id}/reimburse",
		ResourceType: "cases",
		Action:       "reimbursement",
		Upstream:     "http://127.0.0.1:9000",
	}}
	return cfg
}

func awsTemplate(prefix string) *Config {
	cfg := Default()
	cfg.Listen = ":8080"
	cfg.Region = "us-east-1"
	cfg.GatewayToken = "change-me"
	cfg.DecisionLog = "-"
	cfg.Store = StoreConfig{
		Backend:       BackendDynamoDB,
		RequestsTable: prefix + "-approvals",
		StepUpTable:   prefix + "-step-up",
	}
	cfg.Rules = RulesConfig{SSMParameter: "/" + prefix + "/approval-rules", CacheTTL: 5 * time.Minute}
	cfg.StepUp = StepUpConfig{
		Secrets:        SecretsSecretsManager,
		SecretPrefix:   prefix + "/totp/",
		SecretCacheTTL: 10 * time.Minute,
	}
	cfg.Audit = AuditConfig{Sink: AuditCloudWatch, LogGroup: "/" + prefix + "/audit", LogStream: "approvals", BufferSize: 1024}
	cfg.Notifications = NotificationConfig{SNSTopicARN: "arn:aws:sns:us-east-1:123456789012:" + prefix + "-approvals"}
	cfg.Metrics = MetricsConfig{Enabled: true, Namespace: "AdminGuard", FlushInterval: time.Minute}
	cfg.RateLimit = &RateLimitConfig{
		Config:  ratelimit.Config{RequestsPerWindow: 10, Window: time.Minute},
		Backend: BackendDynamoDB,
		Table:   prefix + "-rate-limits",
	}
	return cfg
}

// marshalWithHeader marshals a value to YAML with a header comment.
func marshalWithHeader(v any, title string, id TemplateID) (string, error) {
	var buf bytes.Buffer
	encoder := yaml.NewEncoder(&buf)
	encoder.SetIndent(2)
	if err := encoder.Encode(v); err != nil {
		return "", err
	}
	encoder.Close()

	return buildTemplateHeader(title, id) + buf.String(), nil
}

// buildTemplateHeader creates a comment header for generated configs.
func buildTemplateHeader(title string, id TemplateID) string {
	var buf bytes.Buffer

	buf.WriteString(fmt.Sprintf("# adminguard %s\n", title))
	buf.WriteString(fmt.Sprintf("# Template: %s\n", id))
	buf.WriteString(fmt.Sprintf("# Generated: %s\n", time.Now().UTC().Format(time.RFC3339)))
	buf.WriteString("# Customize this configuration to match your requirements.\n\n")

	return buf.String()
}
