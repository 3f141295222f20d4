package main

import (
	"os"

	"github.com/maltedev/storefront-scraper/cmd/crawler/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
