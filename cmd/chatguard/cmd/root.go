package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "chatguard",
	Short: "chatguard serves the chat web client behind a session guard",
	Long: `chatguard serves the chat client pages, guards them with the session
cookie, and proxies sign-in, registration and password recovery to the
upstream chat API. Registration passwords are encrypted under the server
public key before they leave the process.`,
	SilenceUsage: true,
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")
}
