// Package cmd defines and implements the CLI commands for the linewatch executable.
//
// linewatch watches one train line's operation status page and pushes Web
// Push notifications when service is disrupted or restored:
//   - serve runs the HTTP API, the built-in weekday schedule and the delay
//     monitor loop until SIGINT or SIGTERM.
//   - check runs one observation cycle, for external schedulers such as a
//     systemd timer or Cloud Scheduler.
//   - status prints the current status without notifying anyone.
//   - vapid generates an application server key pair.
//   - config prints the effective configuration with secrets masked.
//
// Configuration comes from an optional YAML file (--config) and LINEWATCH_*
// environment variables, e.g. LINEWATCH_AUTH_ADMIN_TOKEN.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/linewatch/internal/app"
	"github.com/JakeFAU/linewatch/internal/config"
	"github.com/JakeFAU/linewatch/internal/logging"
)

// cli carries state shared by every subcommand. Fields other than cfgFile
// exist so tests can substitute collaborators.
type cli struct {
	cfgFile string
	now     func() time.Time
	opts    []app.Option

	loader *config.Loader
	logger *zap.Logger
}

// newRootCmd creates and configures the root command.
func newRootCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "linewatch",
		Short: "Train line status monitor with Web Push notifications.",
		Long: `linewatch reads a railway operator's line status page, keeps track of
delays and recoveries, and notifies subscribed browsers through Web Push.`,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&c.cfgFile, "config", "", "config file (YAML); LINEWATCH_* environment variables override it")

	cmd.AddCommand(
		newServeCmd(c),
		newCheckCmd(c),
		newStatusCmd(c),
		newVAPIDCmd(),
		newConfigCmd(c),
	)
	return cmd
}

// load reads configuration and builds the logger once per invocation.
func (c *cli) load() (*config.Loader, *zap.Logger, error) {
	if c.loader != nil {
		return c.loader, c.logger, nil
	}
	loader, err := config.NewLoader(c.cfgFile)
	if err != nil {
		return nil, nil, err
	}
	logCfg := loader.Current().Logging
	logger, err := logging.New(logging.Options{Development: logCfg.Development, Level: logCfg.Level})
	if err != nil {
		return nil, nil, err
	}
	c.loader, c.logger = loader, logger
	return loader, logger, nil
}

// buildApp loads configuration and wires the application services.
func (c *cli) buildApp(ctx context.Context) (*app.App, error) {
	loader, logger, err := c.load()
	if err != nil {
		return nil, err
	}
	a, err := app.New(ctx, loader.Current(), loader.AdminToken, logger, c.opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize application services: %w", err)
	}
	return a, nil
}

func (c *cli) sync() {
	if c.logger != nil {
		_ = c.logger.Sync()
	}
}

func (c *cli) clock() time.Time {
	if c.now != nil {
		return c.now()
	}
	return time.Now()
}

func execute(ctx context.Context, c *cli, args []string, stdout, stderr io.Writer) error {
	root := newRootCmd(c)
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	defer c.sync()
	return root.ExecuteContext(ctx)
}

// Execute is the main entry point.
func Execute() {
	if err := execute(context.Background(), &cli{}, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		os.Exit(1)
	}
}
