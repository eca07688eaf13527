package policy

import (
	"bytes"
	"fmt"
	"io"
	"os"

	"gopkg.in/yaml.v3"
)

// ParseApprovalRules parses a YAML document into a validated RuleSet.
// Timeouts use Go duration strings ("30m", "4h").
func ParseApprovalRules(data []byte) (*RuleSet, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("empty approval rules")
	}

	var rules ApprovalRules
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&rules); err != nil {
		return nil, fmt.Errorf("yaml: %w", err)
	}

	return NewRuleSet(&rules)
}

// ParseApprovalRulesFromReader reads the entire stream and delegates to ParseApprovalRules.
func ParseApprovalRulesFromReader(r io.Reader) (*RuleSet, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("failed to read approval rules: %w", err)
	}
	return ParseApprovalRules(data)
}

// LoadApprovalRulesFile reads and parses an approval rules file.
func LoadApprovalRulesFile(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read approval rules %s: %w", path, err)
	}
	return ParseApprovalRules(data)
}

// MarshalApprovalRules renders a RuleSet back to YAML.
func MarshalApprovalRules(rs *RuleSet) ([]byte, error) {
	return yaml.Marshal(&ApprovalRules{Version: rs.Version(), Rules: rs.Rules()})
}
