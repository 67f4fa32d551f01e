package cmd

import (
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

type statusOutput struct {
	Line        string    `yaml:"line"`
	Status      string    `yaml:"status"`
	IsNormal    bool      `yaml:"is_normal"`
	Detail      string    `yaml:"detail,omitempty"`
	LastUpdated time.Time `yaml:"last_updated"`
}

func newStatusCmd(c *cli) *cobra.Command {
	var noCache bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print the current line status without notifying anyone",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.buildApp(cmd.Context())
			if err != nil {
				return err
			}
			defer func() {
				if cerr := a.Close(); cerr != nil {
					a.Logger.Warn("close application services", zap.Error(cerr))
				}
			}()

			snap, err := a.Service.GetStatus(cmd.Context(), !noCache)
			if err != nil {
				return err
			}
			return yaml.NewEncoder(cmd.OutOrStdout()).Encode(statusOutput{
				Line:        a.Config.Line.Name,
				Status:      snap.RawText,
				IsNormal:    snap.IsNormal,
				Detail:      snap.Detail,
				LastUpdated: snap.CapturedAt,
			})
		},
	}
	cmd.Flags().BoolVar(&noCache, "nocache", false, "bypass the status cache")
	return cmd
}
