package cmd

import (
	"fmt"
	"net/netip"
	"os"
	"strings"

	"github.com/encodeous/motenet/state"
	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"
)

var newCmd = &cobra.Command{
	Use:   "new [id]",
	Short: "Create a node configuration",
	Long: `Creates a node configuration. Links are given as id=host:port, for example:
  motenet new 1 --port 57180 --link 2=127.0.0.1:57181`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, err := state.ParseNodeId(args[0])
		if err != nil {
			return err
		}
		port, _ := cmd.Flags().GetUint16("port")
		links, _ := cmd.Flags().GetStringArray("link")

		nodeCfg := state.NodeCfg{
			Id:   id,
			Bind: netip.AddrPortFrom(netip.IPv4Unspecified(), port),
		}
		for _, l := range links {
			link, err := parseLink(l)
			if err != nil {
				return err
			}
			nodeCfg.Links = append(nodeCfg.Links, link)
		}
		if err := state.NodeConfigValidator(&nodeCfg); err != nil {
			return err
		}

		ncfg, err := yaml.Marshal(&nodeCfg)
		if err != nil {
			return err
		}
		outPath := cmd.Flag("output").Value.String()
		if err := state.PathValidator(outPath); err != nil {
			return err
		}
		if err := os.WriteFile(outPath, ncfg, 0600); err != nil {
			return err
		}
		fmt.Printf("Wrote node %d config to %s\n", id, outPath)
		return nil
	},
	GroupID: "init",
}

func parseLink(s string) (state.LinkCfg, error) {
	idStr, addrStr, ok := strings.Cut(s, "=")
	if !ok {
		return state.LinkCfg{}, fmt.Errorf("link %q must be id=host:port", s)
	}
	id, err := state.ParseNodeId(idStr)
	if err != nil {
		return state.LinkCfg{}, err
	}
	addr, err := netip.ParseAddrPort(addrStr)
	if err != nil {
		return state.LinkCfg{}, fmt.Errorf("link %d: %w", id, err)
	}
	return state.LinkCfg{Id: id, Addr: addr}, nil
}

func init() {
	rootCmd.AddCommand(newCmd)
	newCmd.Flags().StringP("output", "o", DefaultNodeConfigPath, "node config output file path")
	newCmd.Flags().Uint16P("port", "p", uint16(state.DefaultPort), "UDP port to use")
	newCmd.Flags().StringArrayP("link", "l", nil, "neighbour link as id=host:port, may be repeated")
}
