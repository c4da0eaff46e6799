package cmd

import (
	"github.com/pterm/pterm"
	"github.com/spf13/cobra"
)

func newDomainsCommand(newLogger LoggerFactory) *cobra.Command {
	return &cobra.Command{
		Use:   "domains",
		Short: "List the catch-all domains codes may be requested for",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newOfflineApp(cmd, newLogger)
			if err != nil {
				return err
			}
			defer func() { _ = a.close() }()

			printDomains(a.cfg.SupportedDomains)
			return nil
		},
	}
}

func printDomains(domains []string) {
	items := make([]pterm.BulletListItem, 0, len(domains))
	for _, d := range domains {
		items = append(items, pterm.BulletListItem{Level: 0, Text: "@" + d})
	}
	pterm.Info.Println("Supported domains:")
	_ = pterm.DefaultBulletList.WithItems(items).Render()
}
