package commands

import (
	"github.com/maltedev/storefront-scraper/internal/scrape"
	"github.com/spf13/cobra"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Crawl search results until enough products are collected",
	RunE:  runCrawl,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringP("term", "t", "", "search term (required)")
	runCmd.Flags().IntP("count", "n", scrape.DefaultNumProducts, "number of products to collect")
	runCmd.Flags().Float64("min-price", 0, "lowest accepted price")
	runCmd.Flags().Float64("max-price", 0, "highest accepted price")
	runCmd.Flags().Bool("save-debug", false, "save HTML and a screenshot of the first page")
	_ = runCmd.MarkFlagRequired("term")
}

func runCrawl(cmd *cobra.Command, _ []string) error {
	req, err := crawlRequest(cmd)
	if err != nil {
		return err
	}

	ctx, a, cleanup, err := setup(cmd)
	if err != nil {
		return err
	}
	defer cleanup()

	resp, err := a.Service.Scrape(ctx, req)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), resp)
}

// crawlRequest maps flags to a request. Price flags count only when set.
func crawlRequest(cmd *cobra.Command) (scrape.CrawlRequest, error) {
	flags := cmd.Flags()
	term, _ := flags.GetString("term")
	count, _ := flags.GetInt("count")
	debug, _ := flags.GetBool("save-debug")

	req := scrape.CrawlRequest{SearchTerm: term, NumProducts: count, Debug: debug}
	if flags.Changed("min-price") {
		v, err := flags.GetFloat64("min-price")
		if err != nil {
			return req, err
		}
		req.MinPrice = &v
	}
	if flags.Changed("max-price") {
		v, err := flags.GetFloat64("max-price")
		if err != nil {
			return req, err
		}
		req.MaxPrice = &v
	}
	return req, nil
}
