package paths

import (
	"fmt"

	"github.com/ValentinKolb/nKV/cmd/util"
	"github.com/ValentinKolb/nKV/lib/kv"
	"github.com/ValentinKolb/nKV/lib/nkv"
	"github.com/ValentinKolb/nKV/lib/stats"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

var (
	client *nkv.Client

	// PathCommands represents the path command group
	PathCommands = &cobra.Command{
		Use:   "paths",
		Short: "Inspect containers, their paths and mount points",
	}

	listCmd = &cobra.Command{
		Use:                "list",
		Short:              "List the configured containers and ask every path for its container state",
		Args:               cobra.NoArgs,
		PersistentPreRunE:  setupPathClient,
		PersistentPostRunE: closePathClient,
		RunE:               runList,
	}

	statsCmd = &cobra.Command{
		Use:   "stats [mountPoint...]",
		Short: "Print capacity and usage of local mount points",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runStats,
	}
)

func init() {
	PathCommands.AddCommand(listCmd)
	PathCommands.AddCommand(statsCmd)

	util.SetupClientFlags(listCmd)
}

func setupPathClient(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}
	c, err := util.OpenClient()
	if err != nil {
		return err
	}
	client = c
	return nil
}

func closePathClient(_ *cobra.Command, _ []string) error {
	if client == nil {
		return nil
	}
	return client.Close()
}

func runList(_ *cobra.Command, _ []string) error {
	containers, err := client.ListContainers(kv.MgmtContext{})
	if err != nil {
		return err
	}

	for _, c := range containers {
		fmt.Printf("container %s (hash %d)\n", c.Name, c.Hash)
		for _, t := range c.Transports {
			info, err := client.ContainerInfo(kv.MgmtContext{PassThrough: true, ContainerHash: c.Hash, PathHash: t.PathHash})
			if err != nil {
				fmt.Printf("  %-24s%-6s%-6s unreachable: %v\n", t.Endpoint(), t.Speed, "down", err)
				continue
			}
			fmt.Printf("  %-24s%-6s%-6s target=%s, free=%d%%\n", t.Endpoint(), t.Speed, "up", info.HostingTarget, info.SpaceAvailablePerc)
		}
	}
	return nil
}

func runStats(_ *cobra.Command, args []string) error {
	fmt.Printf("%-24s%12s%12s%8s\n", "MOUNT POINT", "CAPACITY", "USED", "USE%")
	for _, mountPoint := range args {
		st, err := stats.PathStat(mountPoint)
		if err != nil {
			return err
		}
		fmt.Printf("%-24s%12s%12s%7.1f%%\n", st.MountPoint,
			humanize.IBytes(st.CapacityBytes), humanize.IBytes(st.UsageBytes), st.UtilizationPercent)
	}
	return nil
}
