package cmd

import (
	"context"
	"log/slog"
	"os"
	"os/signal"

	"github.com/encodeous/motenet/sim"
	"github.com/spf13/cobra"
)

var simCmd = &cobra.Command{
	Use:   "sim [script]",
	Short: "Run a simulation script against an in-memory network",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		script, err := sim.ReadScript(args[0])
		if err != nil {
			return err
		}
		if seed, _ := cmd.Flags().GetUint64("seed"); cmd.Flags().Changed("seed") {
			script.Seed = seed
		}
		level := slog.LevelWarn
		if ok, _ := cmd.Flags().GetBool("verbose"); ok {
			level = slog.LevelDebug
		}
		s, err := sim.New(script, os.Stdout)
		if err != nil {
			return err
		}
		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		return s.Run(ctx, os.Stderr, level)
	},
	GroupID: "mn",
}

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().BoolP("verbose", "v", false, "Log node internals to stderr")
	simCmd.Flags().Uint64P("seed", "s", 0, "override the packet loss seed of the script")
}
