package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/linewatch/internal/clock/system"
	"github.com/JakeFAU/linewatch/internal/scheduler"
)

type checkOutput struct {
	Status           string     `yaml:"status"`
	NotificationSent bool       `yaml:"notification_sent"`
	IsDelayed        bool       `yaml:"is_delayed"`
	LastCheckTime    *time.Time `yaml:"last_check_time,omitempty"`
	Error            string     `yaml:"error,omitempty"`
}

func newCheckCmd(c *cli) *cobra.Command {
	var scheduledOnly bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Run one status check and notify subscribers on a transition",
		Long: `check fetches the line status once, applies the notification rules and
exits. The scheduler state lives in memory, so every invocation starts
fresh: an abnormal status always notifies, a normal one never does. Use
serve to keep state between checks.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			loader, logger, err := c.load()
			if err != nil {
				return err
			}
			if scheduledOnly {
				cronCfg := loader.Current().Scheduler.Cron
				zone, err := system.InZone(cronCfg.Timezone)
				if err != nil {
					return err
				}
				now := zone.In(c.clock())
				if !scheduler.IsWeekday(now) || !scheduler.IsScheduledTime(now) {
					logger.Info("outside the scheduled window, skipping", zap.Time("now", now))
					fmt.Fprintln(cmd.OutOrStdout(), "skipped: outside the scheduled window")
					return nil
				}
			}

			a, err := c.buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); cerr != nil {
					logger.Warn("close application services", zap.Error(cerr))
				}
			}()

			res := a.Service.CheckAndNotify(cmd.Context())
			state := a.Service.CurrentState()
			out := checkOutput{
				Status:           res.Status,
				NotificationSent: res.NotificationSent,
				IsDelayed:        state.IsDelayed,
				LastCheckTime:    state.LastCheckTime,
				Error:            res.Error,
			}
			if err := yaml.NewEncoder(cmd.OutOrStdout()).Encode(out); err != nil {
				return fmt.Errorf("encode result: %w", err)
			}
			if res.Error != "" {
				return fmt.Errorf("check failed: %s", res.Error)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&scheduledOnly, "scheduled-only", false, "only run at 07:00 or 17:00 on weekdays in the configured timezone")
	return cmd
}
