// Command hhmctl is the operator CLI for a running hhmd daemon, grounded
// on the teacher's cmd/bd/slot.go command-group style: one cobra
// subcommand per control-surface operation, each a thin call into
// internal/hhrpc.Client.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"bolt-hhm.dev/hhm/internal/hhconfig"
	"bolt-hhm.dev/hhm/internal/hhrpc"
)

var (
	socketPath string
	timeout    time.Duration
	configPath string
	format     string
	showCounts bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "hhmctl",
	Short: "hhmctl - operator control for the Hinted Handoff Manager daemon",
}

func init() {
	rootCmd.PersistentFlags().StringVar(&socketPath, "socket", "/tmp/hhmd.sock", "management RPC Unix socket path")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 5*time.Second, "RPC dial timeout")

	dumpConfigCmd.Flags().StringVar(&configPath, "config", "hhm.yaml", "path to the daemon's configuration file")
	dumpConfigCmd.Flags().StringVar(&format, "format", "yaml", "output format: yaml or toml")

	listPendingCmd.Flags().BoolVar(&showCounts, "counts", false, "also print the total hint count and per-target created/not-stored lifetime counters")

	rootCmd.AddCommand(pauseCmd, resumeCmd, purgeCmd, truncateCmd, listPendingCmd, deliverCmd, dumpConfigCmd)
}

func client() *hhrpc.Client {
	return hhrpc.NewClient(socketPath, timeout)
}

var pauseCmd = &cobra.Command{
	Use:   "pause",
	Short: "pause all hint delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().Pause()
	},
}

var resumeCmd = &cobra.Command{
	Use:   "resume",
	Short: "resume hint delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().Resume()
	},
}

var purgeCmd = &cobra.Command{
	Use:   "purge <endpoint>",
	Short: "delete all stored hints for an endpoint and compact",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().Purge(args[0])
	},
}

var truncateCmd = &cobra.Command{
	Use:   "truncate",
	Short: "delete every stored hint for every target",
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().Truncate()
	},
}

var deliverCmd = &cobra.Command{
	Use:   "deliver <endpoint>",
	Short: "trigger an out-of-band delivery attempt for an endpoint",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return client().DeliverNow(args[0])
	},
}

// dumpConfigCmd prints the resolved configuration hhmd would load from
// configPath, in either YAML or TOML — a read-only operator snapshot,
// not a way to change the running daemon's configuration. hhmd watches
// the file and logs each reload, but new values take effect only when
// hhmd restarts.
var dumpConfigCmd = &cobra.Command{
	Use:   "dump-config",
	Short: "print the resolved daemon configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := hhconfig.Load(configPath)
		if err != nil {
			return err
		}
		switch format {
		case "toml":
			return toml.NewEncoder(os.Stdout).Encode(cfg)
		case "yaml":
			return yaml.NewEncoder(os.Stdout).Encode(cfg)
		default:
			return fmt.Errorf("hhmctl: unknown format %q (want yaml or toml)", format)
		}
	},
}

var listPendingCmd = &cobra.Command{
	Use:   "list-pending",
	Short: "list targets currently holding undelivered hints",
	RunE: func(cmd *cobra.Command, args []string) error {
		targets, err := client().ListPending()
		if err != nil {
			return err
		}
		for _, t := range targets {
			if showCounts {
				fmt.Printf("%s\t%s\t%d hints\t(created=%d not_stored=%d)\n", t.TargetID, t.Endpoint, t.HintCount, t.Created, t.NotStored)
			} else {
				fmt.Printf("%s\t%s\t%d hints\n", t.TargetID, t.Endpoint, t.HintCount)
			}
		}
		if showCounts {
			total, err := client().TotalHintCount()
			if err != nil {
				return err
			}
			fmt.Printf("total\t%d hints\n", total)
		}
		return nil
	},
}
