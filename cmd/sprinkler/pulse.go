package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"sprinkler/internal/app"
	"sprinkler/internal/irrigation"
)

var pulseCmd = &cobra.Command{
	Use:   "pulse <relay> <duration>",
	Short: "Switch a relay on for a duration (manual test pulse)",
	Long:  `Activates the relay, waits for the duration (Go syntax, e.g. 30s or 5m) and switches it off again. Ctrl-C ends the pulse early.`,
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		d, err := time.ParseDuration(args[1])
		if err != nil {
			return fmt.Errorf("duration: %w", err)
		}
		return withWorkers(cmd.Context(), func(ctx context.Context, a *app.App) error {
			r, err := a.Store().GetRelayByName(ctx, args[0])
			if err != nil {
				return err
			}
			h, err := a.Irrigation().ScheduleNow(ctx, r.ID, d, "Manual")
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s on for %s\n", r.Name, irrigation.Humanize(d, 3))
			select {
			case <-h.Done():
			case <-ctx.Done():
				h.Cancel()
				<-h.Done()
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s off\n", r.Name)
			return nil
		})
	},
}

var runCmd = &cobra.Command{
	Use:   "run <schedule>",
	Short: "Execute a schedule once, with sensor and rain adjustment",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return withWorkers(cmd.Context(), func(ctx context.Context, a *app.App) error {
			s, err := a.Store().GetScheduleByName(ctx, args[0])
			if err != nil {
				return err
			}
			if err := a.Irrigation().ExecuteNow(ctx, s.ID); err != nil {
				return err
			}
			key := irrigation.ScheduleKey(s.ID)
			if a.Scheduler().Pending(key) == 0 {
				fmt.Fprintf(cmd.OutOrStdout(), "%s: skipped\n", s.Name)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: running\n", s.Name)
			t := time.NewTicker(250 * time.Millisecond)
			defer t.Stop()
			for a.Scheduler().Pending(key) > 0 {
				select {
				case <-t.C:
				case <-ctx.Done():
					a.Scheduler().CancelAll(key)
					return nil
				}
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: done\n", s.Name)
			return nil
		})
	},
}

// withWorkers builds the app with only its task engine running, calls fn
// and shuts down. SIGINT/SIGTERM cancel fn's context.
func withWorkers(parent context.Context, fn func(ctx context.Context, a *app.App) error) error {
	a, err := app.New(cfgPath)
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	a.StartWorkers(ctx)
	runErr := fn(ctx, a)

	stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Stop(stopCtx, app.StopCommand); err != nil && runErr == nil {
		runErr = err
	}
	return runErr
}
