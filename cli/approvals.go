package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	guarderrors "github.com/pbcex/adminguard/errors"
	"github.com/pbcex/adminguard/identity"
	"github.com/pbcex/adminguard/policy"
	"github.com/pbcex/adminguard/request"
)

// Output formats.
const (
	OutputAuto  = "auto"
	OutputHuman = "human"
	OutputJSON  = "json"
)

// OperatorInput identifies who runs an operator command.
type OperatorInput struct {
	// User is the operator's user ID. If empty, the AWS caller identity is used.
	User  string
	Email string
	Roles []string

	// STSClient is an optional STS client for caller identity lookup.
	STSClient identity.STSAPI
}

// ApprovalsCommandInput contains the input shared by the approvals commands.
type ApprovalsCommandInput struct {
	Output string

	// Components is an optional prebuilt component set for testing. If nil,
	// components are built from the configuration.
	Components *Components

	// Stdout receives command output. Defaults to os.Stdout.
	Stdout io.Writer
}

// ApprovalListCommandInput contains the input for approvals list.
type ApprovalListCommandInput struct {
	ApprovalsCommandInput
	Status       string
	Requester    string
	ResourceType string
	Limit        int
	Offset       int

	// Pending lists only requests the operator with Roles may resolve.
	Pending bool
	Roles   []string
}

// ApprovalGetCommandInput contains the input for approvals get.
type ApprovalGetCommandInput struct {
	ApprovalsCommandInput
	RequestID string
}

// ApproveCommandInput contains the input for approvals approve.
type ApproveCommandInput struct {
	ApprovalsCommandInput
	OperatorInput
	RequestID string
	Reason    string

	// Code is the operator's TOTP code, required when the rule asks for step-up.
	Code string
}

// DenyCommandInput contains the input for approvals deny.
type DenyCommandInput struct {
	ApprovalsCommandInput
	OperatorInput
	RequestID string
	Reason    string
}

// CleanupCommandInput contains the input for approvals cleanup.
type CleanupCommandInput struct {
	ApprovalsCommandInput
}

// ConfigureApprovalsCommand sets up the approvals command and its subcommands.
func ConfigureApprovalsCommand(app *kingpin.Application, a *AdminGuard) {
	approvals := app.Command("approvals", "Inspect and resolve approval requests")

	outputFlag := func(cmd *kingpin.CmdClause, target *string) {
		cmd.Flag("output", "Output format: auto (json when not a terminal), human, json").
			Short('o').
			Default(OutputAuto).
			EnumVar(target, OutputAuto, OutputHuman, OutputJSON)
	}
	operatorFlags := func(cmd *kingpin.CmdClause, op *OperatorInput) {
		cmd.Flag("user", "Operator user ID (default: AWS caller identity)").
			Envar("ADMINGUARD_USER").
			StringVar(&op.User)
		cmd.Flag("email", "Operator email").
			StringVar(&op.Email)
		cmd.Flag("role", "Operator role (repeatable)").
			Envar("ADMINGUARD_ROLES").
			StringsVar(&op.Roles)
	}

	list := ApprovalListCommandInput{}
	listCmd := approvals.Command("list", "List approval requests")
	listCmd.Flag("status", "Filter by status: pending, approved, denied, expired").
		EnumVar(&list.Status, "pending", "approved", "denied", "expired")
	listCmd.Flag("requester", "Filter by requester user ID").
		StringVar(&list.Requester)
	listCmd.Flag("resource-type", "Filter by resource type").
		StringVar(&list.ResourceType)
	listCmd.Flag("limit", "Maximum number of requests").
		Default("50").
		IntVar(&list.Limit)
	listCmd.Flag("offset", "Number of requests to skip").
		IntVar(&list.Offset)
	listCmd.Flag("pending-for", "List pending requests resolvable by these roles (repeatable)").
		StringsVar(&list.Roles)
	outputFlag(listCmd, &list.Output)
	listCmd.Action(func(c *kingpin.ParseContext) error {
		list.Pending = len(list.Roles) > 0
		err := ApprovalListCommand(context.Background(), a, list)
		app.FatalIfError(FormatErrorWithSuggestion(err), "approvals list")
		return nil
	})

	get := ApprovalGetCommandInput{}
	getCmd := approvals.Command("get", "Show one approval request with its audit trail")
	getCmd.Arg("request-id", "The request ID").
		Required().
		StringVar(&get.RequestID)
	outputFlag(getCmd, &get.Output)
	getCmd.Action(func(c *kingpin.ParseContext) error {
		err := ApprovalGetCommand(context.Background(), a, get)
		app.FatalIfError(FormatErrorWithSuggestion(err), "approvals get")
		return nil
	})

	approve := ApproveCommandInput{}
	approveCmd := approvals.Command("approve", "Approve a pending request")
	approveCmd.Arg("request-id", "The request ID to approve").
		Required().
		StringVar(&approve.RequestID)
	approveCmd.Flag("reason", "Optional reason for the approval").
		StringVar(&approve.Reason)
	approveCmd.Flag("code", "TOTP code, required when the request needs approver step-up").
		StringVar(&approve.Code)
	operatorFlags(approveCmd, &approve.OperatorInput)
	outputFlag(approveCmd, &approve.Output)
	approveCmd.Action(func(c *kingpin.ParseContext) error {
		err := ApproveCommand(context.Background(), a, approve)
		app.FatalIfError(FormatErrorWithSuggestion(err), "approvals approve")
		return nil
	})

	deny := DenyCommandInput{}
	denyCmd := approvals.Command("deny", "Deny a pending request")
	denyCmd.Arg("request-id", "The request ID to deny").
		Required().
		StringVar(&deny.RequestID)
	denyCmd.Flag("reason", "Reason for the denial").
		Required().
		StringVar(&deny.Reason)
	operatorFlags(denyCmd, &deny.OperatorInput)
	outputFlag(denyCmd, &deny.Output)
	denyCmd.Action(func(c *kingpin.ParseContext) error {
		err := DenyCommand(context.Background(), a, deny)
		app.FatalIfError(FormatErrorWithSuggestion(err), "approvals deny")
		return nil
	})

	cleanup := CleanupCommandInput{}
	cleanupCmd := approvals.Command("cleanup", "Expire pending requests past their deadline")
	outputFlag(cleanupCmd, &cleanup.Output)
	cleanupCmd.Action(func(c *kingpin.ParseContext) error {
		err := CleanupCommand(context.Background(), a, cleanup)
		app.FatalIfError(FormatErrorWithSuggestion(err), "approvals cleanup")
		return nil
	})
}

// components returns the override or builds a one-shot component set.
// The returned func releases what was built.
func (a *AdminGuard) components(ctx context.Context, override *Components) (*Components, func(), error) {
	if override != nil {
		return override, func() {}, nil
	}
	cfg, err := a.Config()
	if err != nil {
		return nil, nil, err
	}
	awsCfg, err := a.AWSConfig(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	c, err := Build(ctx, cfg, awsCfg, BuildOptions{AuditWriter: os.Stderr})
	if err != nil {
		return nil, nil, err
	}
	return c, func() { c.Close() }, nil
}

// operator resolves the acting user. Without --user the AWS caller identity
// names the operator.
func (a *AdminGuard) operator(ctx context.Context, c *Components, op OperatorInput) (request.Actor, error) {
	roles := policy.ParseRoles(op.Roles)
	if len(roles) == 0 {
		return request.Actor{}, guarderrors.ValidationFailed("at least one valid --role is required")
	}

	userID := strings.TrimSpace(op.User)
	if userID == "" {
		client := op.STSClient
		if client == nil {
			awsCfg, err := a.loadAWS(ctx, c.Config.Region)
			if err != nil {
				return request.Actor{}, err
			}
			client = sts.NewFromConfig(awsCfg)
		}
		id, err := identity.CallerUserID(ctx, client)
		if err != nil {
			return request.Actor{}, err
		}
		userID = id
	}
	return request.Actor{UserID: userID, Email: op.Email, Roles: roles}, nil
}

func requireRequestID(id string) error {
	if !request.ValidateRequestID(id) {
		return guarderrors.ValidationFailed(fmt.Sprintf("invalid request ID %q (must be 16 lowercase hex characters)", id))
	}
	return nil
}

// ApprovalListCommand lists requests matching the filter.
func ApprovalListCommand(ctx context.Context, a *AdminGuard, input ApprovalListCommandInput) error {
	c, done, err := a.components(ctx, input.Components)
	if err != nil {
		return err
	}
	defer done()

	var reqs []*request.Request
	if input.Pending {
		reqs, err = c.Manager.PendingForApprover(ctx, policy.ParseRoles(input.Roles))
	} else {
		reqs, err = c.Manager.List(ctx, request.Filter{
			Status:          request.RequestStatus(input.Status),
			RequesterUserID: input.Requester,
			ResourceType:    input.ResourceType,
			Limit:           input.Limit,
			Offset:          input.Offset,
		})
	}
	if err != nil {
		return err
	}

	w := input.stdout()
	if input.wantJSON() {
		return writeJSON(w, reqs)
	}
	if len(reqs) == 0 {
		fmt.Fprintln(w, "No approval requests.")
		return nil
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATUS\tOPERATION\tRESOURCE\tREQUESTER\tEXPIRES")
	for _, r := range reqs {
		fmt.Fprintf(tw, "%s\t%s\t%s:%s\t%s\t%s\t%s\n",
			r.ID, r.Status, r.Resource.Type, r.Action, resourceLabel(r.Resource),
			r.Requester.UserID, r.ExpiresAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

// ApprovalGetCommand prints one request.
func ApprovalGetCommand(ctx context.Context, a *AdminGuard, input ApprovalGetCommandInput) error {
	if err := requireRequestID(input.RequestID); err != nil {
		return err
	}
	c, done, err := a.components(ctx, input.Components)
	if err != nil {
		return err
	}
	defer done()

	req, err := c.Manager.Get(ctx, input.RequestID)
	if err != nil {
		return err
	}
	return input.writeRequest(req)
}

// ApproveCommand approves a pending request. When the rule requires approver
// step-up it opens a session and completes it with Code in the same run.
func ApproveCommand(ctx context.Context, a *AdminGuard, input ApproveCommandInput) error {
	if err := requireRequestID(input.RequestID); err != nil {
		return err
	}
	c, done, err := a.components(ctx, input.Components)
	if err != nil {
		return err
	}
	defer done()

	approver, err := a.operator(ctx, c, input.OperatorInput)
	if err != nil {
		return err
	}

	req, err := c.Manager.Get(ctx, input.RequestID)
	if err != nil {
		return err
	}
	var stepUpID string
	if req.RequiresStepUp {
		if input.Code == "" {
			return guarderrors.New(guarderrors.ErrCodeForbidden,
				fmt.Sprintf("%s:%s requires approver step-up", req.Resource.Type, req.Action),
				"Pass your current TOTP code with --code.", nil)
		}
		sess, err := c.Manager.InitiateApproverStepUp(ctx, req.ID, approver)
		if err != nil {
			return err
		}
		if _, err := c.StepUp.Complete(ctx, sess.ID, approver.UserID, input.Code); err != nil {
			return err
		}
		stepUpID = sess.ID
	}

	approved, err := c.Manager.Approve(ctx, req.ID, approver, input.Reason, stepUpID)
	if err != nil {
		return err
	}
	return input.writeRequest(approved)
}

// DenyCommand denies a pending request.
func DenyCommand(ctx context.Context, a *AdminGuard, input DenyCommandInput) error {
	if err := requireRequestID(input.RequestID); err != nil {
		return err
	}
	c, done, err := a.components(ctx, input.Components)
	if err != nil {
		return err
	}
	defer done()

	approver, err := a.operator(ctx, c, input.OperatorInput)
	if err != nil {
		return err
	}
	denied, err := c.Manager.Deny(ctx, input.RequestID, approver, input.Reason)
	if err != nil {
		return err
	}
	return input.writeRequest(denied)
}

// CleanupCommand expires every pending request past its deadline.
func CleanupCommand(ctx context.Context, a *AdminGuard, input CleanupCommandInput) error {
	c, done, err := a.components(ctx, input.Components)
	if err != nil {
		return err
	}
	defer done()

	n, err := c.Manager.CleanupExpired(ctx)
	if err != nil {
		return err
	}
	w := input.stdout()
	if input.wantJSON() {
		return writeJSON(w, map[string]int{"expired": n})
	}
	fmt.Fprintf(w, "Expired %d request%s.\n", n, pluralize(n))
	return nil
}

func (in ApprovalsCommandInput) stdout() io.Writer {
	if in.Stdout != nil {
		return in.Stdout
	}
	return os.Stdout
}

func (in ApprovalsCommandInput) wantJSON() bool {
	switch in.Output {
	case OutputJSON:
		return true
	case OutputHuman:
		return false
	}
	return in.Stdout != nil || !isATerminal()
}

func (in ApprovalsCommandInput) writeRequest(req *request.Request) error {
	w := in.stdout()
	if in.wantJSON() {
		return writeJSON(w, req)
	}
	fmt.Fprintf(w, "ID:         %s\n", req.ID)
	fmt.Fprintf(w, "Status:     %s\n", req.Status)
	fmt.Fprintf(w, "Operation:  %s:%s on %s\n", req.Resource.Type, req.Action, resourceLabel(req.Resource))
	fmt.Fprintf(w, "Requester:  %s\n", req.Requester.UserID)
	if req.Approver != nil {
		fmt.Fprintf(w, "Approver:   %s\n", req.Approver.UserID)
	}
	if req.Reason != "" {
		fmt.Fprintf(w, "Reason:     %s\n", req.Reason)
	}
	fmt.Fprintf(w, "Requires:   %s", req.RequiredRole)
	if req.RequiresStepUp {
		fmt.Fprint(w, " + step-up")
	}
	fmt.Fprintln(w)
	fmt.Fprintf(w, "Expires:    %s\n", req.ExpiresAt.Format(time.RFC3339))
	if len(req.AuditTrail) > 0 {
		fmt.Fprintln(w, "Audit trail:")
		for _, e := range req.AuditTrail {
			fmt.Fprintf(w, "  %s  %-18s %s", e.Timestamp.Format(time.RFC3339), e.Event, e.Actor)
			if e.Details != "" {
				fmt.Fprintf(w, " (%s)", e.Details)
			}
			fmt.Fprintln(w)
		}
	}
	return nil
}

func resourceLabel(r request.Resource) string {
	if r.Name != "" {
		return fmt.Sprintf("%s (%s)", r.ID, r.Name)
	}
	return r.ID
}

func writeJSON(w io.Writer, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

// pluralize returns "s" if count != 1.
func pluralize(count int) string {
	if count == 1 {
		return ""
	}
	return "s"
}
