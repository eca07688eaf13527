package config

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pbcex/adminguard/policy"
)

// Validate validates config content based on type.
// It performs YAML parsing and semantic validation, returning all issues found.
func Validate(configType ConfigType, content []byte, source string) ValidationResult {
	result := ValidationResult{
		ConfigType: configType,
		Source:     source,
		Valid:      true,
		Issues:     []ValidationIssue{},
	}

	if len(bytes.TrimSpace(content)) == 0 {
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{
			Severity:   SeverityError,
			Location:   "",
			Message:    "empty configuration",
			Suggestion: "provide valid YAML content",
		})
		return result
	}

	switch configType {
	case ConfigTypeServer:
		validateServer(content, &result)
	case ConfigTypeRules:
		validateRules(content, &result)
	case ConfigTypeEvaluator:
		validateEvaluator(content, &result)
	default:
		result.Valid = false
		result.Issues = append(result.Issues, ValidationIssue{
			Severity:   SeverityError,
			Location:   "",
			Message:    fmt.Sprintf("unknown config type: %s", configType),
			Suggestion: fmt.Sprintf("use one of: %s", strings.Join(configTypeStrings(), ", ")),
		})
	}

	return result
}

// ValidateFile validates a local YAML file.
func ValidateFile(path string, configType ConfigType) (ValidationResult, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return ValidationResult{
			ConfigType: configType,
			Source:     path,
			Valid:      false,
			Issues: []ValidationIssue{{
				Severity:   SeverityError,
				Location:   "",
				Message:    fmt.Sprintf("failed to read file: %v", err),
				Suggestion: "verify the file path exists and is readable",
			}},
		}, err
	}

	return Validate(configType, content, path), nil
}

// DetectConfigType guesses the config type from its top-level keys.
// Returns ConfigTypeServer when nothing more specific matches.
func DetectConfigType(content []byte) ConfigType {
	var raw map[string]any
	if err := yaml.Unmarshal(content, &raw); err != nil {
		return ConfigTypeServer
	}

	if rules, ok := raw["rules"].([]any); ok && len(rules) > 0 {
		if first, ok := rules[0].(map[string]any); ok {
			if _, hasRole := first["required_role"]; hasRole {
				return ConfigTypeRules
			}
		}
	}
	if _, ok := raw["version"]; ok {
		if _, hasRules := raw["rules"]; hasRules {
			return ConfigTypeRules
		}
	}
	for _, key := range []string{"permissions", "hierarchy", "high_clearance"} {
		if _, ok := raw[key]; ok {
			return ConfigTypeEvaluator
		}
	}
	return ConfigTypeServer
}

func decodeStrict(content []byte, v any) error {
	dec := yaml.NewDecoder(bytes.NewReader(content))
	dec.KnownFields(true)
	return dec.Decode(v)
}

func validateServer(content []byte, result *ValidationResult) {
	cfg := Default()
	if err := decodeStrict(content, cfg); err != nil {
		addYAMLParseError(result, err)
		return
	}

	for _, err := range cfg.problems() {
		addError(result, err.Error(), suggestServerFix(err.Error()))
	}
	addServerWarnings(cfg, result)
}

func validateRules(content []byte, result *ValidationResult) {
	var rules policy.ApprovalRules
	if err := decodeStrict(content, &rules); err != nil {
		addYAMLParseError(result, err)
		return
	}

	if err := rules.Validate(); err != nil {
		addError(result, err.Error(), suggestRulesFix(err.Error()))
	}
	addRulesWarnings(&rules, result)
}

func validateEvaluator(content []byte, result *ValidationResult) {
	var ec policy.EvaluatorConfig
	if err := decodeStrict(content, &ec); err != nil {
		addYAMLParseError(result, err)
		return
	}

	for _, err := range evaluatorProblems(ec) {
		addError(result, err.Error(), "use one of: "+strings.Join(roleStrings(), ", "))
	}
	addEvaluatorWarnings(&ec, result)
}

func addError(result *ValidationResult, msg, suggestion string) {
	result.Valid = false
	result.Issues = append(result.Issues, ValidationIssue{
		Severity:   SeverityError,
		Location:   extractLocation(msg),
		Message:    msg,
		Suggestion: suggestion,
	})
}

func addWarning(result *ValidationResult, location, msg, suggestion string) {
	result.Issues = append(result.Issues, ValidationIssue{
		Severity:   SeverityWarning,
		Location:   location,
		Message:    msg,
		Suggestion: suggestion,
	})
}

// addYAMLParseError adds a YAML parse error issue to the result.
func addYAMLParseError(result *ValidationResult, err error) {
	result.Valid = false
	result.Issues = append(result.Issues, ValidationIssue{
		Severity:   SeverityError,
		Location:   "",
		Message:    fmt.Sprintf("YAML parse error: %v", err),
		Suggestion: "check YAML syntax for correct indentation and formatting",
	})
}

func addServerWarnings(cfg *Config, result *ValidationResult) {
	if cfg.Store.Backend == BackendMemory {
		addWarning(result, "store.backend",
			"memory store loses pending approvals on restart and is not shared between replicas",
			"use the dynamodb backend for anything but local testing")
	}
	if cfg.GatewayToken == "" {
		addWarning(result, "gateway_token",
			"identity headers are trusted from any caller",
			"set gateway_token so only the gateway can assert identities")
	}
	if cfg.AllowSelfApproval {
		addWarning(result, "allow_self_approval",
			"requesters may approve their own requests, which defeats dual approval",
			"remove allow_self_approval unless this is a single-operator environment")
	}
	if cfg.RateLimit == nil {
		addWarning(result, "rate_limit",
			"approval creation and step-up initiation are not rate limited",
			"add a rate_limit section")
	}
	if cfg.StepUp.Secrets == SecretsStatic && len(cfg.StepUp.StaticSecrets) > 0 {
		addWarning(result, "step_up.static_secrets",
			"TOTP secrets are stored in the configuration file",
			"use the secretsmanager source in production")
	}
}

func addRulesWarnings(rules *policy.ApprovalRules, result *ValidationResult) {
	for i, rule := range rules.Rules {
		if rule.RequiredRole == policy.RoleSuperAdmin && !rule.RequiresStepUp {
			addWarning(result, fmt.Sprintf("rules[%d]", i),
				fmt.Sprintf("rule %s requires super_admin approval without step-up", rule.Key()),
				"set requires_step_up: true for super_admin gated operations")
		}
		if rule.Timeout > 24*time.Hour {
			addWarning(result, fmt.Sprintf("rules[%d].timeout", i),
				fmt.Sprintf("rule %s keeps requests open for %v", rule.Key(), rule.Timeout),
				"consider a timeout of 24h or less so stale requests expire")
		}
	}
}

func addEvaluatorWarnings(ec *policy.EvaluatorConfig, result *ValidationResult) {
	for role, perms := range ec.Permissions {
		for _, p := range perms {
			if p == "admin:*" && role != policy.RoleSuperAdmin {
				addWarning(result, fmt.Sprintf("permissions.%s", role),
					fmt.Sprintf("role %s is granted admin:*, which allows every operation", role),
					"grant admin:* to super_admin only")
			}
		}
	}
	if ec.HighClearance != nil && len(ec.HighClearance) == 0 {
		addWarning(result, "high_clearance",
			"empty high_clearance list disables clearance checks",
			"remove the key to keep the built-in list")
	}
}

var (
	ruleIndexRegex  = regexp.MustCompile(`^rule (\d+):`)
	fieldPathRegex  = regexp.MustCompile(`^([a-z_]+(?:\[\d+\])?(?:\.[a-z_]+)+)[: ]`)
	topLevelRegex   = regexp.MustCompile(`^([a-z_]+):`)
	routeIndexRegex = regexp.MustCompile(`^routes\[(\d+)\]`)
)

// extractLocation extracts location information from an error message.
func extractLocation(errMsg string) string {
	if m := ruleIndexRegex.FindStringSubmatch(errMsg); m != nil {
		return fmt.Sprintf("rules[%s]", m[1])
	}
	if m := routeIndexRegex.FindStringSubmatch(errMsg); m != nil {
		return fmt.Sprintf("routes[%s]", m[1])
	}
	if m := fieldPathRegex.FindStringSubmatch(errMsg); m != nil {
		return m[1]
	}
	if m := topLevelRegex.FindStringSubmatch(errMsg); m != nil {
		return m[1]
	}
	return ""
}

// suggestRulesFix returns a suggestion for fixing an approval rules error.
func suggestRulesFix(errMsg string) string {
	switch {
	case strings.Contains(errMsg, "missing version"):
		return "add a 'version' field, e.g. version: \"1\""
	case strings.Contains(errMsg, "resource_type cannot be empty"):
		return "add resource_type to the rule"
	case strings.Contains(errMsg, "action cannot be empty"):
		return "add action to the rule"
	case strings.Contains(errMsg, "invalid required_role"):
		return "use one of: " + strings.Join(roleStrings(), ", ")
	case strings.Contains(errMsg, "timeout must be positive"):
		return "use a Go duration such as 30m or 4h"
	case strings.Contains(errMsg, "exceeds maximum"):
		return fmt.Sprintf("reduce timeout to at most %v", policy.MaxApprovalTimeout)
	case strings.Contains(errMsg, "duplicate rule"):
		return "keep one rule per resource_type and action"
	default:
		return "review the error message and correct the configuration"
	}
}

// suggestServerFix returns a suggestion for fixing a server config error.
func suggestServerFix(errMsg string) string {
	switch {
	case strings.Contains(errMsg, "listen"):
		return "set listen to a host:port such as :8080"
	case strings.Contains(errMsg, "_table"), strings.Contains(errMsg, "table is required"):
		return "name the DynamoDB table or use the memory backend"
	case strings.Contains(errMsg, "ssm_parameter"):
		return "use a parameter name such as /adminguard/approval-rules"
	case strings.Contains(errMsg, "unknown role"):
		return "use one of: " + strings.Join(roleStrings(), ", ")
	case strings.Contains(errMsg, "log_group"):
		return "name the CloudWatch Logs group and stream or use the stdout sink"
	case strings.Contains(errMsg, "upstream"):
		return "use an absolute URL such as http://cases-service:8080"
	default:
		return "review the error message and correct the configuration"
	}
}

// configTypeStrings returns all config types as strings.
func configTypeStrings() []string {
	types := AllConfigTypes()
	strs := make([]string, len(types))
	for i, t := range types {
		strs[i] = string(t)
	}
	return strs
}

func roleStrings() []string {
	roles := policy.AllRoles()
	strs := make([]string, len(roles))
	for i, r := range roles {
		strs[i] = string(r)
	}
	return strs
}
