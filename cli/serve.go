package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/pbcex/adminguard/config"
	"github.com/pbcex/adminguard/request"
	"github.com/pbcex/adminguard/server"
)

// ServeCommandInput contains the input for the serve command.
type ServeCommandInput struct {
	Listen          string
	ShutdownTimeout time.Duration

	// Ready, if set, receives the server once it is listening. For testing.
	Ready func(*server.Server)

	// Signals overrides the shutdown signal channel. For testing.
	Signals <-chan os.Signal
}

// ConfigureServeCommand sets up the serve command.
func ConfigureServeCommand(app *kingpin.Application, a *AdminGuard) {
	input := ServeCommandInput{}

	cmd := app.Command("serve", "Run the authorization and approval server")

	cmd.Flag("listen", "Address to listen on, overriding the configuration file").
		Envar("ADMINGUARD_LISTEN").
		StringVar(&input.Listen)

	cmd.Flag("shutdown-timeout", "How long to wait for in-flight requests on shutdown").
		Default("15s").
		DurationVar(&input.ShutdownTimeout)

	cmd.Action(func(c *kingpin.ParseContext) error {
		err := ServeCommand(context.Background(), a, input)
		app.FatalIfError(err, "serve")
		return nil
	})
}

// ServeCommand builds every component from the configuration and serves
// until SIGINT or SIGTERM.
func ServeCommand(ctx context.Context, a *AdminGuard, input ServeCommandInput) error {
	cfg, err := a.Config()
	if err != nil {
		return err
	}
	if input.Listen != "" {
		cfg.Listen = input.Listen
	}
	warnInsecure(cfg)

	awsCfg, err := a.AWSConfig(ctx, cfg)
	if err != nil {
		return err
	}
	components, err := Build(ctx, cfg, awsCfg, BuildOptions{Timers: true})
	if err != nil {
		return err
	}

	srv, err := server.NewServer(components.ServerConfig(), cfg.Listen)
	if err != nil {
		components.Close()
		return err
	}

	sweepCtx, stopSweep := context.WithCancel(ctx)
	defer stopSweep()
	sweeper := request.NewSweeper(components.Manager, cfg.SweepInterval)
	sweeper.Start(sweepCtx)

	signals := input.Signals
	if signals == nil {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(ch)
		signals = ch
	}

	serveErr := make(chan error, 1)
	go func() {
		serveErr <- srv.Serve()
	}()
	if input.Ready != nil {
		input.Ready(srv)
	}

	select {
	case err := <-serveErr:
		sweeper.Stop()
		srv.Shutdown(context.Background())
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("server stopped: %w", err)
	case sig := <-signals:
		log.Printf("INFO: received %s, shutting down", sig)
	}

	sweeper.Stop()
	timeout := input.ShutdownTimeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	log.Printf("INFO: adminguard stopped")
	return nil
}

func warnInsecure(cfg *config.Config) {
	if cfg.GatewayToken == "" {
		log.Printf("WARNING: no gateway_token configured; identity headers are trusted from any client")
	}
	if cfg.AllowSelfApproval {
		log.Printf("WARNING: self-approval is enabled; separation of duties is not enforced")
	}
	if cfg.Store.Backend == config.BackendMemory {
		log.Printf("WARNING: memory store in use; approvals are lost on restart")
	}
}
