// Command fast-httpd runs the demo server: every request is answered with
// "Hello, world!" and the connection is closed.
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/searchktools/fast-httpd/app"
	"github.com/searchktools/fast-httpd/config"
	"github.com/searchktools/fast-httpd/core/http"
)

func hello(c *http.Context) {
	c.String(200, "Hello, world!")
}

func newRootCommand() (*cobra.Command, error) {
	cfg, err := config.FromEnv()
	if err != nil {
		return nil, err
	}

	cmd := &cobra.Command{
		Use:           "fast-httpd",
		Short:         "Serve Hello, world! over HTTP/1.1, one request per connection",
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := app.New(cfg, hello)
			if err != nil {
				return err
			}
			return a.Run(cmd.Context())
		},
	}
	cfg.BindFlags(cmd.Flags())
	return cmd, nil
}

func main() {
	cmd, err := newRootCommand()
	if err == nil {
		err = cmd.ExecuteContext(context.Background())
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, "fast-httpd:", err)
		os.Exit(1)
	}
}
