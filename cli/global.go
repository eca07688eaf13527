// Package cli implements the adminguard command line: the server, operator
// approval commands, policy evaluation and configuration tooling.
package cli

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"

	"github.com/alecthomas/kingpin/v2"
	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	isatty "github.com/mattn/go-isatty"

	"github.com/pbcex/adminguard/config"
)

// File permission constants for files the CLI writes.
const (
	// LogFileMode is for decision logs: owner read/write, group read.
	LogFileMode fs.FileMode = 0640

	// ConfigFileMode is for generated configuration files.
	ConfigFileMode fs.FileMode = 0644
)

// AdminGuard holds the global flags shared by every command.
type AdminGuard struct {
	Debug      bool
	ConfigFile string
	Region     string

	// LoadAWSConfig is an optional override for testing.
	LoadAWSConfig func(ctx context.Context, region string) (aws.Config, error)

	config *config.Config
}

func isATerminal() bool {
	fd := os.Stdout.Fd()
	return isatty.IsTerminal(fd) || isatty.IsCygwinTerminal(fd)
}

// ConfigureGlobals sets up the global flags.
func ConfigureGlobals(app *kingpin.Application) *AdminGuard {
	a := &AdminGuard{}

	app.Flag("debug", "Show debugging output").
		BoolVar(&a.Debug)

	app.Flag("config", "Path to the adminguard configuration file").
		Short('c').
		Envar("ADMINGUARD_CONFIG").
		StringVar(&a.ConfigFile)

	app.Flag("region", "AWS region, overriding the configuration file").
		Envar("ADMINGUARD_REGION").
		StringVar(&a.Region)

	app.PreAction(func(c *kingpin.ParseContext) error {
		if a.Debug {
			log.SetFlags(log.LstdFlags | log.Lshortfile)
		}
		return nil
	})

	return a
}

// Config loads the configuration file once. Without --config the in-memory
// defaults are used.
func (a *AdminGuard) Config() (*config.Config, error) {
	if a.config != nil {
		return a.config, nil
	}
	cfg := config.Default()
	if a.ConfigFile != "" {
		loaded, err := config.Load(a.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if a.Region != "" {
		cfg.Region = a.Region
	}
	a.config = cfg
	return cfg, nil
}

// AWSConfig loads AWS credentials for the configured region. It returns a
// zero config when nothing configured needs AWS.
func (a *AdminGuard) AWSConfig(ctx context.Context, cfg *config.Config) (aws.Config, error) {
	if !cfg.UsesAWS() {
		return aws.Config{}, nil
	}
	return a.loadAWS(ctx, cfg.Region)
}

func (a *AdminGuard) loadAWS(ctx context.Context, region string) (aws.Config, error) {
	if a.LoadAWSConfig != nil {
		return a.LoadAWSConfig(ctx, region)
	}
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return aws.Config{}, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return awsCfg, nil
}
