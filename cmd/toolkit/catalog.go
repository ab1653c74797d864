package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/seismonet/go-seismonet/pkg/catalog"
	catalogimpl "github.com/seismonet/go-seismonet/pkg/catalog/impl"
	"github.com/seismonet/go-seismonet/pkg/resilient"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

var catalogCmd = &cobra.Command{
	Use:   "catalog",
	Short: "Offers earthquake catalog utilities",
	Long:  `Offers earthquake catalog utilities`,
	Args:  cobra.ExactArgs(1),
}

var catalogSearchCmd = &cobra.Command{
	Use:   "search",
	Short: "Searches the external catalog",
	Long:  `Searches the external catalog for recent events`,
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		baseURL, err := cmd.Flags().GetString("base-url")
		if err != nil {
			return errors.New("failed to parse base-url")
		}
		window, err := cmd.Flags().GetDuration("window")
		if err != nil {
			return errors.New("failed to parse window")
		}
		minMag, err := cmd.Flags().GetFloat64("min-magnitude")
		if err != nil {
			return errors.New("failed to parse min-magnitude")
		}

		client, err := catalogimpl.NewFDSNClient(baseURL, "us", resilient.Policy{
			RPS:              2,
			Burst:            2,
			Timeout:          15 * time.Second,
			MaxRetries:       2,
			Backoff:          time.Second,
			BreakerThreshold: 5,
			BreakerCoolDown:  30 * time.Second,
		}, 0)
		if err != nil {
			return fmt.Errorf("creating catalog client: %s", err)
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
		defer cancel()
		evs, err := client.FetchEvents(ctx, catalog.Query{
			Range:        seismic.TimeRange{Start: time.Now().Add(-window), End: time.Now()},
			MinMagnitude: &minMag,
		})
		if err != nil {
			return fmt.Errorf("fetching events: %s", err)
		}

		for _, ev := range evs {
			fmt.Printf("%s  %s  M%.1f %s  (%.3f, %.3f) depth %.1f km\n",
				ev.ID, ev.OriginTime.Format(time.RFC3339), ev.Magnitude, ev.Scale,
				ev.Latitude, ev.Longitude, ev.DepthKm)
		}
		fmt.Printf("%d events\n", len(evs))
		return nil
	},
}
