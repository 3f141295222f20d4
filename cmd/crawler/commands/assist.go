package commands

import (
	"github.com/maltedev/storefront-scraper/internal/scrape"
	"github.com/spf13/cobra"
)

var assistCmd = &cobra.Command{
	Use:   "assist",
	Short: "Open a visible browser so a person can clear a challenge",
	Long: `Assist opens the search page in a visible browser and waits until the
listing appears or the assist timeout passes. The browser session is saved
so later headless runs reuse it.`,
	RunE: runAssist,
}

func init() {
	rootCmd.AddCommand(assistCmd)

	assistCmd.Flags().StringP("term", "t", "", "search term (required)")
	assistCmd.Flags().IntP("count", "n", scrape.DefaultNumProducts, "number of products to keep")
	assistCmd.Flags().String("proxy", "", "proxy for this session (overrides ASSIST_PROXY)")
	_ = assistCmd.MarkFlagRequired("term")
}

func runAssist(cmd *cobra.Command, _ []string) error {
	term, _ := cmd.Flags().GetString("term")
	count, _ := cmd.Flags().GetInt("count")
	proxy, _ := cmd.Flags().GetString("proxy")

	ctx, a, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := a.Service.Assist(ctx, scrape.AssistRequest{
		SearchTerm:  term,
		NumProducts: count,
		Proxy:       proxy,
	})
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}
