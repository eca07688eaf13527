package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/aws/aws-sdk-go-v2/aws"

	guarderrors "github.com/pbcex/adminguard/errors"
	"github.com/pbcex/adminguard/policy"
)

// EvaluateCommandInput contains the input for the evaluate command.
type EvaluateCommandInput struct {
	Roles     []string
	Resource  string
	Action    string
	OrgID     string
	Region    string
	BranchID  string
	RiskLevel string
	Clearance string
	Scope     string

	// Context holds resource tags as key=value pairs.
	Context map[string]string

	Output string

	// Stdout receives command output. Defaults to os.Stdout.
	Stdout io.Writer
}

// EvaluateCommandOutput is the JSON output of the evaluate command.
type EvaluateCommandOutput struct {
	Resource string               `json:"resource"`
	Action   string               `json:"action"`
	Roles    []policy.Role        `json:"roles"`
	Allowed  bool                 `json:"allowed"`
	Check    string               `json:"check"`
	Reason   string               `json:"reason"`
	Approval *policy.ApprovalRule `json:"approval,omitempty"`
}

// ConfigureEvaluateCommand sets up the evaluate command.
func ConfigureEvaluateCommand(app *kingpin.Application, a *AdminGuard) {
	input := EvaluateCommandInput{}

	cmd := app.Command("evaluate", "Evaluate the policy for a principal and operation")

	cmd.Arg("resource", "Resource type, e.g. reserves").
		Required().
		StringVar(&input.Resource)

	cmd.Arg("action", "Action, e.g. write").
		Required().
		StringVar(&input.Action)

	cmd.Flag("role", "Principal role (repeatable)").
		Required().
		StringsVar(&input.Roles)

	cmd.Flag("org", "Principal organisation ID").
		StringVar(&input.OrgID)

	cmd.Flag("principal-region", "Principal region").
		StringVar(&input.Region)

	cmd.Flag("branch", "Principal branch ID").
		StringVar(&input.BranchID)

	cmd.Flag("risk-level", "Principal risk level").
		StringVar(&input.RiskLevel)

	cmd.Flag("clearance", "Principal clearance level: l1..l4").
		Default(string(policy.ClearanceL1)).
		EnumVar(&input.Clearance, "l1", "l2", "l3", "l4")

	cmd.Flag("scope", "Principal access scope").
		Default(string(policy.ScopeSelf)).
		EnumVar(&input.Scope, "global", "regional", "branch", "self")

	cmd.Flag("context", "Resource tag as key=value: org_id, region, branch_id (repeatable)").
		StringMapVar(&input.Context)

	cmd.Flag("output", "Output format: auto (json when not a terminal), human, json").
		Short('o').
		Default(OutputAuto).
		EnumVar(&input.Output, OutputAuto, OutputHuman, OutputJSON)

	cmd.Action(func(c *kingpin.ParseContext) error {
		allowed, err := EvaluateCommand(context.Background(), a, input)
		app.FatalIfError(FormatErrorWithSuggestion(err), "evaluate")
		if !allowed {
			os.Exit(2)
		}
		return nil
	})
}

// EvaluateCommand runs the configured evaluator and reports whether the
// operation is approval-gated. It returns whether the policy allowed it.
func EvaluateCommand(ctx context.Context, a *AdminGuard, input EvaluateCommandInput) (bool, error) {
	cfg, err := a.Config()
	if err != nil {
		return false, err
	}
	roles := policy.ParseRoles(input.Roles)
	if len(roles) == 0 {
		return false, guarderrors.ValidationFailed("at least one valid --role is required")
	}

	var awsCfg aws.Config
	if cfg.Rules.SSMParameter != "" {
		if awsCfg, err = a.loadAWS(ctx, cfg.Region); err != nil {
			return false, err
		}
	}
	rules, err := buildRules(ctx, cfg.Rules, awsCfg)
	if err != nil {
		return false, err
	}

	evaluator := policy.NewEvaluator(cfg.Evaluator)
	attrs := policy.UserAttributes{
		OrgID:     input.OrgID,
		Region:    input.Region,
		BranchID:  input.BranchID,
		RiskLevel: input.RiskLevel,
		Clearance: policy.ClearanceLevel(input.Clearance),
		Scope:     policy.AccessScope(input.Scope),
	}
	decision := evaluator.Evaluate(roles, attrs, input.Resource, input.Action, policy.Context(input.Context))

	out := EvaluateCommandOutput{
		Resource: input.Resource,
		Action:   input.Action,
		Roles:    roles,
		Allowed:  decision.Allowed,
		Check:    decision.Check,
		Reason:   decision.Reason,
	}
	if rule, ok := rules.Lookup(input.Resource, input.Action); ok && decision.Allowed {
		out.Approval = &rule
	}

	common := ApprovalsCommandInput{Output: input.Output, Stdout: input.Stdout}
	w := common.stdout()
	if common.wantJSON() {
		return decision.Allowed, writeJSON(w, out)
	}

	effect := "DENY"
	if decision.Allowed {
		effect = "ALLOW"
	}
	fmt.Fprintf(w, "%s %s:%s for %s\n", effect, input.Resource, input.Action, joinRoles(roles))
	fmt.Fprintf(w, "  check:  %s\n", decision.Check)
	fmt.Fprintf(w, "  reason: %s\n", decision.Reason)
	if out.Approval != nil {
		fmt.Fprintf(w, "  approval: requires %s within %s", out.Approval.RequiredRole, out.Approval.Timeout)
		if out.Approval.RequiresStepUp {
			fmt.Fprint(w, " with approver step-up")
		}
		fmt.Fprintln(w)
	}
	return decision.Allowed, nil
}

func joinRoles(roles []policy.Role) string {
	names := make([]string, len(roles))
	for i, r := range roles {
		names[i] = r.String()
	}
	return strings.Join(names, ",")
}
