// Command projectctl drives the project API from the terminal.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/BuzzLyutic/taskboard-sync/internal/client"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	v := viper.New()
	v.SetEnvPrefix("projectctl")
	v.AutomaticEnv()

	rootCmd := &cobra.Command{
		Use:           "projectctl",
		Short:         "Manage shared projects and follow their boards live",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().String("server", "http://localhost:8080", "API base URL (env PROJECTCTL_SERVER)")
	rootCmd.PersistentFlags().String("token", "", "bearer token (env PROJECTCTL_TOKEN)")
	_ = v.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = v.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))

	api := func() *client.Client {
		return client.New(v.GetString("server"), v.GetString("token"))
	}

	rootCmd.AddCommand(tokenCmd())
	rootCmd.AddCommand(createCmd(api))
	rootCmd.AddCommand(listCmd(api))
	rootCmd.AddCommand(getCmd(api))
	rootCmd.AddCommand(deleteCmd(api))
	rootCmd.AddCommand(joinCmd(api))
	rootCmd.AddCommand(taskCmd(api))
	rootCmd.AddCommand(reviewCmd(api))
	rootCmd.AddCommand(progressCmd(api))
	rootCmd.AddCommand(boardCmd(api))
	rootCmd.AddCommand(watchCmd(api, v))
	return rootCmd
}
