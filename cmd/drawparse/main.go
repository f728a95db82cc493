package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev"

var noColor bool

var rootCmd = &cobra.Command{
	Use:     "drawparse",
	Short:   "Extract structured data and budget tables from engineering drawings",
	Version: version,
	Long: `drawparse runs an HTTP service that ingests engineering drawing sets
(PDFs and images), rasterizes PDF pages, extracts structured data from each
page via a multimodal AI endpoint, merges the results into a normalized
summary and maps the summary onto a budget table for download as JSON, CSV
or XLSX.`,
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(sweepCmd)
	rootCmd.AddCommand(configCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
