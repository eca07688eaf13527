package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kingpin/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ssm"

	"github.com/pbcex/adminguard/config"
)

// ConfigValidateCommandInput contains the input for config validate.
type ConfigValidateCommandInput struct {
	Paths      []string // Local file paths to validate
	SSMPaths   []string // SSM parameters to load and validate
	ConfigType string   // Override detected type (server, rules, evaluator)
	Output     string   // human, json
	Region     string   // AWS region for SSM

	Stdout   io.Writer
	Stderr   io.Writer
	SSMFetch func(ctx context.Context, path string) ([]byte, error) // Override for testing
}

// ConfigInitCommandInput contains the input for config init.
type ConfigInitCommandInput struct {
	Template string
	Prefix   string
	Dir      string
	Force    bool

	Stdout io.Writer
}

// ConfigureConfigCommand sets up the config command with its subcommands.
func ConfigureConfigCommand(app *kingpin.Application, a *AdminGuard) {
	configCmd := app.Command("config", "Configuration management commands")

	input := ConfigValidateCommandInput{}
	cmd := configCmd.Command("validate", "Validate configuration files")
	configureValidateFlags(cmd, &input, true)
	cmd.Action(func(c *kingpin.ParseContext) error {
		if input.Region == "" {
			input.Region = a.Region
		}
		exitCode, err := ConfigValidateCommand(context.Background(), input)
		app.FatalIfError(err, "config validate")
		if exitCode != 0 {
			os.Exit(exitCode)
		}
		return nil
	})

	initInput := ConfigInitCommandInput{}
	initCmd := configCmd.Command("init", "Generate a configuration and approval rules from a template")
	initCmd.Flag("template", "Template: local, aws").
		Default(string(config.TemplateLocal)).
		EnumVar(&initInput.Template, string(config.TemplateLocal), string(config.TemplateAWS))
	initCmd.Flag("prefix", "Name prefix for AWS resources in the aws template").
		Default("adminguard").
		StringVar(&initInput.Prefix)
	initCmd.Flag("dir", "Directory to write adminguard.yaml and approval-rules.yaml to").
		Default(".").
		StringVar(&initInput.Dir)
	initCmd.Flag("force", "Overwrite existing files").
		BoolVar(&initInput.Force)
	initCmd.Action(func(c *kingpin.ParseContext) error {
		err := ConfigInitCommand(initInput)
		app.FatalIfError(err, "config init")
		return nil
	})
}

// ConfigureRulesCommand sets up the rules command.
func ConfigureRulesCommand(app *kingpin.Application, a *AdminGuard) {
	rulesCmd := app.Command("rules", "Approval rule commands")

	input := ConfigValidateCommandInput{ConfigType: string(config.ConfigTypeRules)}
	cmd := rulesCmd.Command("validate", "Validate approval rule tables")
	configureValidateFlags(cmd, &input, false)
	cmd.Action(func(c *kingpin.ParseContext) error {
		if input.Region == "" {
			input.Region = a.Region
		}
		exitCode, err := ConfigValidateCommand(context.Background(), input)
		app.FatalIfError(err, "rules validate")
		if exitCode != 0 {
			os.Exit(exitCode)
		}
		return nil
	})
}

func configureValidateFlags(cmd *kingpin.CmdClause, input *ConfigValidateCommandInput, withType bool) {
	cmd.Arg("paths", "Local files to validate").
		StringsVar(&input.Paths)

	cmd.Flag("path", "Local file to validate (repeatable)").
		Short('p').
		StringsVar(&input.Paths)

	cmd.Flag("ssm", "SSM parameter to load and validate (repeatable)").
		StringsVar(&input.SSMPaths)

	if withType {
		cmd.Flag("type", "Config type: server, rules, evaluator (auto-detect if not specified)").
			EnumVar(&input.ConfigType, "server", "rules", "evaluator", "")
	}

	cmd.Flag("output", "Output format: human (default), json").
		Default("human").
		EnumVar(&input.Output, "human", "json")
}

// ConfigValidateCommand executes the config validate command logic.
// It returns exit code (0=all valid, 1=errors) and any fatal error.
func ConfigValidateCommand(ctx context.Context, input ConfigValidateCommandInput) (int, error) {
	stdout := input.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}
	stderr := input.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}

	if len(input.Paths) == 0 && len(input.SSMPaths) == 0 {
		err := fmt.Errorf("no paths specified; use positional arguments, --path, or --ssm")
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1, err
	}

	var configType config.ConfigType
	if input.ConfigType != "" {
		configType = config.ConfigType(input.ConfigType)
		if !configType.IsValid() {
			err := fmt.Errorf("invalid config type: %s", input.ConfigType)
			fmt.Fprintf(stderr, "Error: %v\n", err)
			return 1, err
		}
	}

	var results []config.ValidationResult

	for _, path := range input.Paths {
		// Skip empty paths (from combining args and flags)
		if path == "" {
			continue
		}
		content, err := os.ReadFile(path)
		if err != nil {
			results = append(results, failedResult(configType, path,
				fmt.Sprintf("failed to read file: %v", err),
				"verify the file path exists and is readable"))
			continue
		}
		results = append(results, validateContent(configType, content, path))
	}

	if len(input.SSMPaths) > 0 {
		ssmFetch := input.SSMFetch
		if ssmFetch == nil {
			a := &AdminGuard{}
			awsCfg, err := a.loadAWS(ctx, input.Region)
			if err != nil {
				formatErrorForConfig(stderr, err.Error(), "check AWS credentials and region configuration")
				return 1, err
			}
			ssmFetch = ssmFetcher(ssm.NewFromConfig(awsCfg))
		}

		for _, ssmPath := range input.SSMPaths {
			content, err := ssmFetch(ctx, ssmPath)
			if err != nil {
				results = append(results, failedResult(configType, ssmPath,
					fmt.Sprintf("failed to load SSM parameter: %v", err),
					"verify the SSM path exists and you have ssm:GetParameter permission"))
				continue
			}
			results = append(results, validateContent(configType, content, ssmPath))
		}
	}

	var summary config.ResultSummary
	summary.Compute(results)
	all := config.AllResults{Results: results, Summary: summary}

	if strings.ToLower(input.Output) == "json" {
		if err := writeJSON(stdout, all); err != nil {
			return 1, err
		}
	} else {
		outputHuman(stdout, all)
	}

	if summary.Errors > 0 {
		return 1, nil
	}
	return 0, nil
}

type ssmGetter interface {
	GetParameter(ctx context.Context, params *ssm.GetParameterInput, optFns ...func(*ssm.Options)) (*ssm.GetParameterOutput, error)
}

func ssmFetcher(client ssmGetter) func(ctx context.Context, path string) ([]byte, error) {
	return func(ctx context.Context, path string) ([]byte, error) {
		out, err := client.GetParameter(ctx, &ssm.GetParameterInput{
			Name:           aws.String(path),
			WithDecryption: aws.Bool(true),
		})
		if err != nil {
			return nil, err
		}
		if out.Parameter == nil || out.Parameter.Value == nil {
			return nil, fmt.Errorf("parameter value is nil")
		}
		return []byte(*out.Parameter.Value), nil
	}
}

func validateContent(configType config.ConfigType, content []byte, source string) config.ValidationResult {
	ct := configType
	if ct == "" {
		ct = config.DetectConfigType(content)
	}
	return config.Validate(ct, content, source)
}

func failedResult(configType config.ConfigType, source, msg, suggestion string) config.ValidationResult {
	return config.ValidationResult{
		ConfigType: configType,
		Source:     source,
		Valid:      false,
		Issues: []config.ValidationIssue{{
			Severity:   config.SeverityError,
			Message:    msg,
			Suggestion: suggestion,
		}},
	}
}

// outputHuman outputs validation results in human-readable format.
func outputHuman(w io.Writer, all config.AllResults) {
	total := len(all.Results)
	if total == 0 {
		fmt.Fprintln(w, "No configurations to validate.")
		return
	}

	fmt.Fprintf(w, "Validating %d configuration%s...\n\n", total, pluralize(total))

	for _, result := range all.Results {
		typeStr := ""
		if result.ConfigType != "" {
			typeStr = fmt.Sprintf(" (%s)", result.ConfigType)
		}
		mark := "X"
		if result.Valid {
			mark = "#"
		}
		fmt.Fprintf(w, "%s %s%s\n", mark, result.Source, typeStr)

		var errs, warnings []config.ValidationIssue
		for _, issue := range result.Issues {
			if issue.Severity == config.SeverityError {
				errs = append(errs, issue)
			} else {
				warnings = append(warnings, issue)
			}
		}
		if result.Valid {
			fmt.Fprintln(w, "  Valid")
		}
		printIssues(w, "Errors", errs)
		printIssues(w, "Warnings", warnings)

		if len(errs) > 0 {
			fmt.Fprintln(w, "  Suggestions:")
			seen := make(map[string]bool)
			for _, issue := range errs {
				if issue.Suggestion != "" && !seen[issue.Suggestion] {
					fmt.Fprintf(w, "    - %s\n", issue.Suggestion)
					seen[issue.Suggestion] = true
				}
			}
		}
		fmt.Fprintln(w)
	}

	fmt.Fprintf(w, "Summary: %d valid, %d invalid (%d errors, %d warnings)\n",
		all.Summary.Valid, all.Summary.Invalid, all.Summary.Errors, all.Summary.Warnings)
}

func printIssues(w io.Writer, title string, issues []config.ValidationIssue) {
	if len(issues) == 0 {
		return
	}
	fmt.Fprintf(w, "  %s:\n", title)
	for _, issue := range issues {
		location := ""
		if issue.Location != "" {
			location = issue.Location + ": "
		}
		fmt.Fprintf(w, "    - %s%s\n", location, issue.Message)
	}
}

// formatErrorForConfig formats an error with suggestion for config command.
func formatErrorForConfig(w io.Writer, msg, suggestion string) {
	fmt.Fprintf(w, "Error: %s\n", msg)
	if suggestion != "" {
		fmt.Fprintf(w, "\nSuggestion: %s\n", suggestion)
	}
}

// ConfigInitCommand writes adminguard.yaml and approval-rules.yaml generated
// from a template.
func ConfigInitCommand(input ConfigInitCommandInput) error {
	stdout := input.Stdout
	if stdout == nil {
		stdout = os.Stdout
	}

	out, err := config.GenerateTemplate(config.TemplateID(input.Template), input.Prefix)
	if err != nil {
		return err
	}

	dir := input.Dir
	if dir == "" {
		dir = "."
	}
	files := []struct {
		name    string
		content string
	}{
		{"adminguard.yaml", out.Config},
		{"approval-rules.yaml", out.Rules},
	}
	if !input.Force {
		for _, f := range files {
			path := filepath.Join(dir, f.name)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists; use --force to overwrite", path)
			}
		}
	}
	for _, f := range files {
		path := filepath.Join(dir, f.name)
		if err := os.WriteFile(path, []byte(f.content), ConfigFileMode); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		fmt.Fprintf(stdout, "Wrote %s\n", path)
	}
	return nil
}
