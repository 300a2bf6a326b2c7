package cmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"tidalsched/pkg/api"
	"tidalsched/pkg/auth"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the scheduler and block until interrupted",
	Long: `Start the scheduler. The job runs each time the schedule fires; a fire time
missed by up to MISFIRE_GRACE still runs once. The first SIGINT or SIGTERM
stops the scheduler after the run in progress; a second one aborts that run.`,
	Args: cobra.NoArgs,
	RunE: runScheduler,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runScheduler(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}

	a, err := bootstrap(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	a.logBanner()
	if err := a.engine.Configure(); err != nil {
		return err
	}
	a.log.Info("Scheduler configured successfully. Starting...")
	a.log.Info("Press Ctrl+C to stop")
	a.log.Info(banner)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if a.cfg.APIEnabled {
		srv, err := a.newAPIServer()
		if err != nil {
			return err
		}
		go func() {
			if err := srv.Start(); err != nil {
				a.log.Error("Status API stopped", zap.Error(err))
			}
		}()
		defer func() {
			shutdownCtx, done := context.WithTimeout(context.Background(), 5*time.Second)
			defer done()
			_ = srv.Shutdown(shutdownCtx)
		}()
	}

	done := make(chan struct{})
	defer close(done)
	go a.handleSignals(cancel, done)

	if err := a.engine.Run(runCtx); err != nil {
		a.log.Error("Scheduler error", zap.Error(err))
		return err
	}
	a.log.Info("Scheduler stopped by user")
	return nil
}

// handleSignals stops the loop on the first signal and aborts the run in
// progress on the second.
func (a *app) handleSignals(stop context.CancelFunc, done <-chan struct{}) {
	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	select {
	case sig := <-sigs:
		a.log.Info("Received signal, stopping", zap.Stringer("signal", sig))
		if a.engine.Running() {
			a.log.Info("Waiting for the run in progress to finish; signal again to abort it")
		}
		stop()
	case <-done:
		return
	}

	select {
	case <-sigs:
		a.engine.Abort()
	case <-done:
	}
}

func (a *app) newAPIServer() (*api.Server, error) {
	var jwt *auth.JWTService
	if a.cfg.APIJWTSecret != "" {
		var err error
		if jwt, err = auth.NewJWTService(auth.DefaultJWTConfig(a.cfg.APIJWTSecret)); err != nil {
			return nil, err
		}
	} else {
		a.log.Warn("API_JWT_SECRET is not set; POST /api/v1/runs is unauthenticated")
	}

	return api.NewServer(api.Config{
		Port:      a.cfg.APIPort,
		Scheduler: a.engine,
		Tasks:     a.tasks,
		JWT:       jwt,
		Log:       a.log.Named("api"),
		Tracer:    a.tracer.Tracer(),
	}), nil
}
