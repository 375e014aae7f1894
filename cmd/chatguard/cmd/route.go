package cmd

import (
	"fmt"
	"log/slog"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/jmcleod/chatguard/config"
	"github.com/jmcleod/chatguard/guard"
)

var routeCookie string

var routeCmd = &cobra.Command{
	Use:   "route PATH...",
	Short: "Show how the guard classifies paths and what it would do",
	Long: `Classifies each PATH against the configured route tables and prints the
guard decision for a request with the given session cookie (or none).`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		logger := slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), nil))
		g := guard.New(cfg.Routes(),
			guard.WithLoginPath(cfg.Guard.LoginPath),
			guard.WithLandingPath(cfg.Guard.LandingPath),
			guard.WithLogger(logger))

		now := time.Now()
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "PATH\tCLASS\tDECISION")
		for _, p := range args {
			d := g.Decide(p, routeCookie, routeCookie != "", now)
			fmt.Fprintf(tw, "%s\t%s\t%s\n", p, g.Classify(p), d)
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(routeCmd)
	routeCmd.Flags().StringVar(&routeCookie, "cookie", "", "Session cookie value to evaluate with")
}
