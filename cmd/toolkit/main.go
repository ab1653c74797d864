package main

import (
	"time"

	"github.com/spf13/cobra"
)

var cliName = "toolkit"

var rootCmd = &cobra.Command{
	Use:   cliName,
	Short: "toolkit is a CLI for seismonet operators",
	Long:  `toolkit is a CLI for seismonet operators executing mundane tasks`,
	Args:  cobra.ExactArgs(0),
}

func main() {
	rootCmd.Execute() //nolint
}

func init() {
	rootCmd.AddCommand(catalogCmd)
	rootCmd.AddCommand(storeCmd)

	catalogSearchCmd.Flags().String("base-url", "https://earthquake.usgs.gov/fdsnws/event/1", "FDSN event service endpoint")
	catalogSearchCmd.Flags().Duration("window", 24*time.Hour, "search window ending now")
	catalogSearchCmd.Flags().Float64("min-magnitude", 2.5, "minimum magnitude")
	catalogCmd.AddCommand(catalogSearchCmd)

	storeCmd.PersistentFlags().String("dir", "data/events", "event store directory")
	storeCmd.PersistentFlags().String("schema-id", "sf-v1", "feature schema id the store was written under")
	storeQueryCmd.Flags().String("label", "", "filter by label")
	storeQueryCmd.Flags().Int("limit", 20, "maximum events to print")
	storeCmd.AddCommand(storeQueryCmd)
	storeCmd.AddCommand(storeTailCmd)
}
