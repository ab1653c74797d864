package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/seismonet/go-seismonet/pkg/eventstore"
	"github.com/seismonet/go-seismonet/pkg/seismic"
)

var storeCmd = &cobra.Command{
	Use:   "store",
	Short: "Offers event store utilities",
	Long:  `Offers event store utilities`,
	Args:  cobra.ExactArgs(1),
}

func openStore(cmd *cobra.Command) (*eventstore.Store, error) {
	dir, err := cmd.Flags().GetString("dir")
	if err != nil {
		return nil, errors.New("failed to parse dir")
	}
	schemaID, err := cmd.Flags().GetString("schema-id")
	if err != nil {
		return nil, errors.New("failed to parse schema-id")
	}
	return eventstore.Open(eventstore.Config{Dir: dir, SchemaID: schemaID})
}

var storeQueryCmd = &cobra.Command{
	Use:   "query",
	Short: "Queries stored classified events",
	Long:  `Queries stored classified events ordered by trigger time`,
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("opening store: %s", err)
		}
		defer store.Close() //nolint

		label, err := cmd.Flags().GetString("label")
		if err != nil {
			return errors.New("failed to parse label")
		}
		limit, err := cmd.Flags().GetInt("limit")
		if err != nil {
			return errors.New("failed to parse limit")
		}

		evs, err := store.Query(cmd.Context(), eventstore.Query{
			Label: seismic.Label(label),
			Limit: limit,
		})
		if err != nil {
			return fmt.Errorf("querying store: %s", err)
		}
		for _, ev := range evs {
			printEvent(ev)
		}
		fmt.Printf("%d of %d stored events\n", len(evs), store.Len())
		return nil
	},
}

var storeTailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follows the event store live",
	Long:  `Prints stored events and follows new commits until interrupted`,
	Args:  cobra.ExactArgs(0),
	RunE: func(cmd *cobra.Command, args []string) error {
		store, err := openStore(cmd)
		if err != nil {
			return fmt.Errorf("opening store: %s", err)
		}
		defer store.Close() //nolint

		ctx, cancel := context.WithCancel(cmd.Context())
		defer cancel()
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
		go func() {
			<-quit
			cancel()
		}()

		tail, err := store.Tail(ctx, 0)
		if err != nil {
			return fmt.Errorf("tailing store: %s", err)
		}
		for ev := range tail {
			ev := ev
			printEvent(&ev)
		}
		return nil
	},
}

func printEvent(ev *seismic.ClassifiedEvent) {
	location := "unlocated"
	if ev.Location != nil {
		location = fmt.Sprintf("(%.3f, %.3f) depth %.1f km", ev.Location.Latitude, ev.Location.Longitude, ev.Location.DepthKm)
	}
	fmt.Printf("%s  %s  %s %.2f  M%.1f [%.1f, %.1f] %s  %s\n",
		ev.ID, ev.Candidate.TriggerTime.Format(time.RFC3339), ev.Label, ev.Confidence,
		ev.Magnitude.Value, ev.Magnitude.Low, ev.Magnitude.High, ev.Magnitude.Scale, location)
}
