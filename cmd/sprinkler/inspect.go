package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"sprinkler/internal/app"
	"sprinkler/internal/config"
	"sprinkler/internal/irrigation"
	"sprinkler/internal/storage"
	"sprinkler/internal/task/cronexpr"
	logx "sprinkler/pkg/logx"
)

var (
	nextCount    int
	logsSchedule string
	listLimit    int
)

var checkConfigCmd = &cobra.Command{
	Use:   "check-config",
	Short: "Validate the config file and exit",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := config.NewConfigManager(cfgPath).Parse()
		if err != nil {
			return err
		}
		if err := app.CheckConfig(cfg); err != nil {
			return err
		}
		n := 0
		if cfg.Inventory != nil {
			n = len(cfg.Inventory.Relays) + len(cfg.Inventory.Sensors) + len(cfg.Inventory.Schedules)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d inventory items)\n", cfgPath, n)
		return nil
	},
}

var nextCmd = &cobra.Command{
	Use:   "next <schedule>",
	Short: "Preview the next planned starts of a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		s, err := st.GetScheduleByName(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		if strings.TrimSpace(s.Cron) == "" {
			return fmt.Errorf("schedule %q: %w", s.Name, irrigation.ErrNoCron)
		}
		loc, err := cronexpr.LoadLocation(cfg.Scheduler.Timezone)
		if err != nil {
			return err
		}
		now := time.Now().In(loc)
		times, err := cronexpr.Preview(s.Cron, now, nextCount)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		state := "enabled"
		if !s.Enabled {
			state = "disabled"
		}
		fmt.Fprintf(out, "%s (%s, %s, %s)\n", s.Name, s.Cron, irrigation.Humanize(s.Duration(), 2), state)
		for _, t := range times {
			fmt.Fprintf(out, "  %s  in %s\n", t.Format("Mon 2006-01-02 15:04:05 MST"), irrigation.Humanize(t.Sub(now), 2))
		}
		return nil
	},
}

var logsCmd = &cobra.Command{
	Use:   "logs",
	Short: "Show recent schedule runs",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		_, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		var id int64
		if logsSchedule != "" {
			s, err := st.GetScheduleByName(cmd.Context(), logsSchedule)
			if err != nil {
				return err
			}
			id = s.ID
		}
		rows, err := st.RecentScheduleLogs(cmd.Context(), id, listLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "START\tSCHEDULE\tRELAY\tDURATION")
		for _, r := range rows {
			d := time.Duration(r.DurationMillis) * time.Millisecond
			fmt.Fprintf(w, "%s\t%d\t%s\t%s\n", r.Start.Local().Format(time.DateTime), r.ScheduleID, r.RelayName, irrigation.Humanize(d, 3))
		}
		return w.Flush()
	},
}

var valuesCmd = &cobra.Command{
	Use:   "values <sensor>",
	Short: "Show recent values of a sensor",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		_, st, err := openStore()
		if err != nil {
			return err
		}
		defer st.Close()

		s, err := st.GetSensorByName(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		vals, err := st.RecentSensorValues(cmd.Context(), s.ID, listLimit)
		if err != nil {
			return err
		}
		w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "AT\tVALUE")
		for _, v := range vals {
			fmt.Fprintf(w, "%s\t%d\n", v.At.Local().Format(time.DateTime), v.Value)
		}
		return w.Flush()
	},
}

func init() {
	nextCmd.Flags().IntVarP(&nextCount, "count", "n", 5, "number of starts to show")
	logsCmd.Flags().StringVar(&logsSchedule, "schedule", "", "only runs of this schedule")
	logsCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "maximum rows")
	valuesCmd.Flags().IntVarP(&listLimit, "limit", "n", 20, "maximum rows")
}

func openStore() (*config.Config, storage.Store, error) {
	cfg, err := config.NewConfigManager(cfgPath).Load()
	if err != nil {
		return nil, nil, err
	}
	st, err := app.OpenStore(cfg, logx.NewConsole("warn"))
	if err != nil {
		return nil, nil, err
	}
	return cfg, st, nil
}
