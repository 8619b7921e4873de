package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"cardpricer/internal/app"
)

var resolvePriority string

var resolveCmd = &cobra.Command{
	Use:   "resolve [item keys...]",
	Short: "Resolve current prices for one or more item keys",
	RunE: func(cmd *cobra.Command, args []string) error {
		if len(args) == 0 {
			return errors.New("at least one item key is required")
		}
		return getApp().ResolveOnce(cmd.Context(), app.ResolveOptions{
			Keys:     args,
			Priority: resolvePriority,
		})
	},
}

func init() {
	resolveCmd.Flags().StringVar(&resolvePriority, "priority", "balanced", "Priority mode: speed, balanced, or freshness")
}
