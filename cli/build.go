package cli

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"

	"github.com/pbcex/adminguard/audit"
	"github.com/pbcex/adminguard/config"
	"github.com/pbcex/adminguard/guard"
	"github.com/pbcex/adminguard/identity"
	"github.com/pbcex/adminguard/logging"
	"github.com/pbcex/adminguard/metrics"
	"github.com/pbcex/adminguard/notification"
	"github.com/pbcex/adminguard/policy"
	"github.com/pbcex/adminguard/ratelimit"
	"github.com/pbcex/adminguard/request"
	"github.com/pbcex/adminguard/server"
	"github.com/pbcex/adminguard/stepup"
)

// Components are the collaborators built from a configuration.
type Components struct {
	Config    *config.Config
	Evaluator *policy.Evaluator
	Rules     policy.RuleSource
	Store     request.Store
	StepUp    *stepup.Service
	Manager   *request.Manager
	Guard     *guard.Guard
	Limiter   ratelimit.RateLimiter
	Metrics   metrics.Recorder
	Logger    logging.Logger

	audit   *audit.AsyncSink
	closers []io.Closer
}

// BuildOptions adjust Build for a command.
type BuildOptions struct {
	// Timers arms per-request expiry timers. One-shot commands leave it off.
	Timers bool

	// Clock overrides the manager and step-up clock.
	Clock func() time.Time

	// Store overrides the configured request store.
	Store request.Store

	// StepUpStore overrides the configured step-up session store.
	StepUpStore stepup.Store

	// AuditWriter receives stdout audit entries. Defaults to os.Stdout.
	AuditWriter io.Writer
}

type closeFunc func()

func (f closeFunc) Close() error {
	f()
	return nil
}

// Build wires every component named in cfg. awsCfg is only used by
// AWS-backed components. Close releases what Build started.
func Build(ctx context.Context, cfg *config.Config, awsCfg aws.Config, opts BuildOptions) (*Components, error) {
	c := &Components{Config: cfg, Evaluator: policy.NewEvaluator(cfg.Evaluator)}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}

	var err error
	if c.Rules, err = buildRules(ctx, cfg.Rules, awsCfg); err != nil {
		return nil, err
	}
	if c.Logger, err = c.buildLogger(cfg.DecisionLog); err != nil {
		return nil, err
	}
	c.Metrics = c.buildMetrics(cfg.Metrics, awsCfg)

	sink := c.buildAudit(cfg.Audit, awsCfg, opts.AuditWriter)

	step := buildStepUp(cfg, awsCfg, opts.StepUpStore, opts.Clock)
	c.StepUp = step

	store := opts.Store
	if store == nil {
		switch cfg.Store.Backend {
		case config.BackendDynamoDB:
			store = request.NewDynamoDBStore(awsCfg, cfg.Store.RequestsTable)
		default:
			store = request.NewMemoryStore()
		}
	}
	notifier, err := buildNotifier(cfg.Notifications, awsCfg, c.Logger, c.Metrics)
	if err != nil {
		c.Close()
		return nil, err
	}
	if notifier.Len() > 0 {
		ns := notification.NewNotifyStore(store, notifier)
		c.closers = append(c.closers, ns)
		store = ns
	}
	c.Store = store

	managerOpts := []request.Option{
		request.WithClock(opts.Clock),
		request.WithTimers(opts.Timers),
		request.WithStepUpGate(step),
		request.WithAuditSink(sink),
	}
	if cfg.AllowSelfApproval {
		managerOpts = append(managerOpts, request.WithSelfApproval())
	}
	c.Manager = request.NewManager(store, c.Rules, managerOpts...)
	c.closers = append(c.closers, closeFunc(c.Manager.Close))

	if c.Limiter, err = c.buildLimiter(cfg.RateLimit, awsCfg); err != nil {
		c.Close()
		return nil, err
	}

	c.Guard = guard.New(c.Evaluator, c.Manager,
		guard.WithStepUpGate(step),
		guard.WithRateLimiter(c.Limiter),
		guard.WithLogger(c.Logger),
		guard.WithMetrics(c.Metrics),
	)
	return c, nil
}

func buildRules(ctx context.Context, rc config.RulesConfig, awsCfg aws.Config) (policy.RuleSource, error) {
	switch {
	case rc.File != "":
		rs, err := policy.LoadApprovalRulesFile(rc.File)
		if err != nil {
			return nil, err
		}
		log.Printf("INFO: loaded %d approval rules (version %s) from %s", len(rs.Rules()), rs.Version(), rc.File)
		return rs, nil
	case rc.SSMParameter != "":
		ttl := rc.CacheTTL
		if ttl == 0 {
			ttl = policy.DefaultCacheTTL
		}
		loaded, err := policy.NewLoadedRules(ctx, policy.NewCachedLoader(policy.NewLoader(awsCfg), ttl), rc.SSMParameter)
		if err != nil {
			return nil, fmt.Errorf("load approval rules from %s: %w", rc.SSMParameter, err)
		}
		log.Printf("INFO: loaded approval rules from SSM parameter %s", rc.SSMParameter)
		return loaded, nil
	default:
		return policy.MustDefaultRuleSet(), nil
	}
}

func (c *Components) buildLogger(dest string) (logging.Logger, error) {
	switch dest {
	case "":
		return logging.NewNopLogger(), nil
	case "-":
		return logging.NewJSONLogger(os.Stdout), nil
	}
	f, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_APPEND, LogFileMode)
	if err != nil {
		return nil, fmt.Errorf("open decision log: %w", err)
	}
	c.closers = append(c.closers, f)
	return logging.NewJSONLogger(f), nil
}

func (c *Components) buildMetrics(mc config.MetricsConfig, awsCfg aws.Config) metrics.Recorder {
	if !mc.Enabled {
		return metrics.Nop{}
	}
	rec := metrics.NewCloudWatchRecorder(awsCfg, mc.Namespace)
	rec.Start(mc.FlushInterval)
	c.closers = append(c.closers, closeFunc(rec.Close))
	return rec
}

func (c *Components) buildAudit(ac config.AuditConfig, awsCfg aws.Config, w io.Writer) audit.Sink {
	var next audit.Sink
	switch ac.Sink {
	case config.AuditCloudWatch:
		next = audit.NewCloudWatchSink(awsCfg, ac.LogGroup, ac.LogStream)
	case config.AuditStdout:
		if w == nil {
			w = os.Stdout
		}
		next = audit.NewWriterSink(w)
	default:
		return audit.NopSink{}
	}
	c.audit = audit.NewAsyncSink(next, ac.BufferSize)
	c.closers = append(c.closers, closeFunc(c.closeAudit))
	return c.audit
}

// closeAudit drains the audit queue and reports how many entries were lost.
func (c *Components) closeAudit() {
	c.audit.Close()
	if n := c.audit.Dropped(); n > 0 {
		log.Printf("WARNING: %d audit entries were dropped", n)
		c.Metrics.Count(metrics.MetricAuditDropped, float64(n))
	}
}

func buildStepUp(cfg *config.Config, awsCfg aws.Config, store stepup.Store, now func() time.Time) *stepup.Service {
	var secrets stepup.SecretProvider
	switch cfg.StepUp.Secrets {
	case config.SecretsSecretsManager:
		secrets = stepup.NewSecretsManagerSecrets(awsCfg, cfg.StepUp.SecretPrefix, cfg.StepUp.SecretCacheTTL)
	default:
		secrets = stepup.StaticSecrets(cfg.StepUp.StaticSecrets)
	}
	verifier := stepup.NewTOTPVerifier(secrets, stepup.TOTPConfig{
		Digits: cfg.StepUp.Digits,
		Period: cfg.StepUp.Period,
		Skew:   cfg.StepUp.Skew,
	})

	if store == nil {
		switch cfg.Store.Backend {
		case config.BackendDynamoDB:
			store = stepup.NewDynamoDBStore(awsCfg, cfg.Store.StepUpTable)
		default:
			store = stepup.NewMemoryStore()
		}
	}
	return stepup.NewService(store, verifier, stepup.WithClock(now))
}

func buildNotifier(nc config.NotificationConfig, awsCfg aws.Config, logger logging.Logger, rec metrics.Recorder) (*notification.MultiNotifier, error) {
	var notifiers []notification.Notifier
	if _, nop := logger.(*logging.NopLogger); !nop {
		notifiers = append(notifiers, logging.NewApprovalNotifier(logger))
	}
	if _, nop := rec.(metrics.Nop); !nop {
		notifiers = append(notifiers, metrics.NewEventNotifier(rec))
	}
	if nc.SNSTopicARN != "" {
		notifiers = append(notifiers, notification.NewSNSNotifier(awsCfg, nc.SNSTopicARN))
	}
	if nc.WebhookURL != "" {
		wh, err := notification.NewWebhookNotifier(notification.WebhookConfig{
			URL:     nc.WebhookURL,
			Secret:  nc.WebhookSecret,
			Timeout: nc.WebhookTimeout,
		})
		if err != nil {
			return nil, fmt.Errorf("webhook notifier: %w", err)
		}
		notifiers = append(notifiers, wh)
	}
	return notification.NewMultiNotifier(notifiers...), nil
}

func (c *Components) buildLimiter(rc *config.RateLimitConfig, awsCfg aws.Config) (ratelimit.RateLimiter, error) {
	if rc == nil {
		return ratelimit.Unlimited{}, nil
	}
	if rc.Backend == config.BackendDynamoDB {
		limiter, err := ratelimit.NewDynamoDBRateLimiter(dynamodb.NewFromConfig(awsCfg), rc.Table, rc.Config)
		if err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
		return limiter, nil
	}
	limiter, err := ratelimit.NewKeyedLimiter(rc.Config)
	if err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}
	c.closers = append(c.closers, limiter)
	return limiter, nil
}

// Authenticator returns the gateway header authenticator for the configuration.
func (c *Components) Authenticator() identity.Authenticator {
	return identity.HeaderAuthenticator{Token: c.Config.GatewayToken}
}

// ServerConfig returns the server wiring for the configured routes. The
// server takes ownership of the components and closes them on Shutdown.
func (c *Components) ServerConfig() server.Config {
	routes := make([]server.Route, 0, len(c.Config.Routes))
	for _, r := range c.Config.Routes {
		routes = append(routes, server.Route{
			Method:           strings.ToUpper(r.Method),
			Path:             r.Path,
			ResourceType:     r.ResourceType,
			Action:           r.Action,
			Upstream:         r.Upstream,
			AllowReplay:      r.AllowReplay,
			BindResource:     r.BindResource,
			ContextFromQuery: r.ContextFromQuery,
		})
	}
	return server.Config{
		Guard:         c.Guard,
		Manager:       c.Manager,
		StepUp:        c.StepUp,
		Authenticator: c.Authenticator(),
		Routes:        routes,
		Closers:       []io.Closer{c},
	}
}

// Close releases components in reverse start order. The audit queue drains
// before the metrics recorder publishes its last batch.
func (c *Components) Close() error {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i].Close(); err != nil {
			log.Printf("WARNING: close: %v", err)
		}
	}
	c.closers = nil
	return nil
}
