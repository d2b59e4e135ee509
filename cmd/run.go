package cmd

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/encodeous/motenet/core"
	"github.com/encodeous/motenet/impl"
	"github.com/encodeous/motenet/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var errShellExit = errors.New("shell exited")

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a motenet node",
	Long:  `Runs a node on the current host. The radio is emulated over UDP between the configured links.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		var nodeCfg state.NodeCfg
		file, err := os.ReadFile(cmd.Flag("config").Value.String())
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(file, &nodeCfg); err != nil {
			return err
		}

		level := slog.LevelInfo
		if ok, _ := cmd.Flags().GetBool("verbose"); ok {
			level = slog.LevelDebug
		}
		interactive, _ := cmd.Flags().GetBool("interactive")
		metricsAddr, _ := cmd.Flags().GetString("metrics")

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		var sh *shell
		logW := io.Writer(os.Stderr)
		if interactive {
			sh, err = newShell(nodeCfg.Id)
			if err != nil {
				return err
			}
			defer sh.Close()
			logW = sh.rl.Stderr()
		}

		logger, closeLog, err := core.NewLogger(nodeCfg.Id, logW, level, nodeCfg.LogPath)
		if err != nil {
			return err
		}
		defer func() {
			_ = closeLog()
		}()

		node, err := core.NewNode(ctx, nodeCfg, impl.NewUdpLink(nodeCfg, logger), logger)
		if err != nil {
			return err
		}

		g := &errgroup.Group{}
		g.Go(node.Run)
		if metricsAddr != "" {
			srv := &http.Server{Addr: metricsAddr}
			g.Go(func() error {
				err := srv.ListenAndServe()
				if errors.Is(err, http.ErrServerClosed) {
					return nil
				}
				node.Cancel(fmt.Errorf("metrics server: %w", err))
				return err
			})
			g.Go(func() error {
				<-node.Context.Done()
				return srv.Shutdown(context.Background())
			})
		}
		if sh != nil {
			sh.node = node
			g.Go(func() error {
				sh.Run()
				node.Cancel(errShellExit)
				return nil
			})
			g.Go(func() error {
				<-node.Context.Done()
				return sh.Close()
			})
		}
		return g.Wait()
	},
	GroupID: "mn",
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringP("config", "c", DefaultNodeConfigPath, "node config file")
	runCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	runCmd.Flags().BoolP("interactive", "i", false, "Open an interactive shell on the node")
	runCmd.Flags().StringP("metrics", "m", "", "serve metrics and expvar on this address, for example localhost:6060")
}
