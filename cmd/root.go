package cmd

import (
	"fmt"
	"os"

	"github.com/ValentinKolb/nKV/cmd/kv"
	"github.com/ValentinKolb/nKV/cmd/lock"
	"github.com/ValentinKolb/nKV/cmd/paths"
	"github.com/ValentinKolb/nKV/cmd/serve"
	"github.com/ValentinKolb/nKV/cmd/util"
	"github.com/spf13/cobra"
)

const (
	Version = "0.1.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "nkv",
		Short: "multipath key-value access library",
		Long: fmt.Sprintf(`nKV (v%s)

Asynchronous key-value access to storage containers over multiple
network paths, with a heartbeat based distributed lock manager.`, Version),
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of nKV",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("nKV v%s\n", Version)
		},
	}
)

func init() {
	cobra.OnInitialize(util.InitConfig)

	// Add Commands
	RootCmd.AddCommand(serve.ServeCmd)
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(lock.LockCommands)
	RootCmd.AddCommand(paths.PathCommands)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "serializer"
	RootCmd.PersistentFlags().String(key, "binary", util.WrapString("serializer to use (binary, json, gob)"))
	key = "transport"
	RootCmd.PersistentFlags().String(key, "tcp", util.WrapString("transport to use (tcp, unix, http)"))
	key = "config"
	RootCmd.PersistentFlags().String(key, "", util.WrapString("config file (yaml, toml or json), flags and NKV_ environment variables take precedence"))
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
