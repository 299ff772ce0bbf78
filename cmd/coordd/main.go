// Command coordd runs a single node of the distributed coordination
// service: the cobra root command and global flags follow the teacher's
// cmd/warren entrypoint (persistent --log-level/--log-json flags, a
// version template, subcommands registered from init()).
package main

import (
	"fmt"
	"os"

	"github.com/cuemby/warren-coord/pkg/log"
	"github.com/spf13/cobra"
)

var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "coordd",
	Short: "coordd - a distributed lock and coordination service",
	Long: `coordd exposes a shared, consistent key/value namespace with
read/write locks, session-aware cleanup, and a gossiping local cache,
in the spirit of Chubby and ZooKeeper's lock services.`,
	Version: Version,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		initLogging()
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"coordd version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
