package main

import (
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:     "scrapectl",
		Short:   "Run the product scraping pipeline from the command line",
		Version: version,
		Long: `scrapectl drives the same classifier, extractors and browser session
manager as the scraper service, without the task API in front. Configuration
is read from the environment and the optional RULES_FILE.`,
		Example: `  # Render a page and print the extracted record
  scrapectl fetch https://shop.example.com/products/blue-shirt

  # Detect the platform of a saved page
  scrapectl classify https://shop.example.com/p/1 --html page.html

  # Extract offline with a fixed strategy
  scrapectl extract page.html --url https://www.amazon.com/dp/B000TEST --platform amazon`,
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().String("log-level", "", "Override LOG_LEVEL (debug, info, warn, error)")

	rootCmd.AddCommand(newFetchCmd(), newClassifyCmd(), newExtractCmd())
	return rootCmd
}
