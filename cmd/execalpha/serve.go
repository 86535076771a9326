package main

import (
	"github.com/spf13/cobra"

	"exec-alpha-go/internal/container"
)

var serveNoFeed bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the status API, event stream and simulated market feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		c, err := container.New(configPath, container.Options{
			Serve: true,
			Feed:  !serveNoFeed,
			Watch: true,
			Redis: true,
		})
		if err != nil {
			return err
		}
		if err := c.Build(ctx); err != nil {
			return err
		}
		defer c.Close()
		return c.Run(ctx)
	},
}

func init() {
	serveCmd.Flags().BoolVar(&serveNoFeed, "no-feed", false, "disable the simulated order-book feed")
}
