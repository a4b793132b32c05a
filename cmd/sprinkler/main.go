package main

import (
	"fmt"
	"os"
	_ "time/tzdata"

	"github.com/spf13/cobra"
)

var cfgPath string

var rootCmd = &cobra.Command{
	Use:           "sprinkler",
	Short:         "Cron driven garden irrigation daemon",
	Long:          `sprinkler switches relays on cron schedules, adjusts watering times from sensor readings and rain, and publishes readings over MQTT.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "./sprinkler.yaml", "path to config file (yaml or json)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(checkConfigCmd)
	rootCmd.AddCommand(nextCmd)
	rootCmd.AddCommand(logsCmd)
	rootCmd.AddCommand(valuesCmd)
	rootCmd.AddCommand(pulseCmd)
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
