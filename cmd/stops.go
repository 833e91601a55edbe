package main

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"busboard.dev/gtfs/model"
)

var stopsCmd = &cobra.Command{
	Use:   "stops [lat lng] [limit]",
	Short: "Lists stops near a geographical location",
	Args:  cobra.RangeArgs(0, 3),
	RunE:  stops,
}

func init() {
	rootCmd.AddCommand(stopsCmd)
}

func stops(cmd *cobra.Command, args []string) error {
	var lat, lng float64
	var limit int
	var err error

	gotLocation := false
	if len(args) == 1 {
		return fmt.Errorf("missing lng")
	}
	if len(args) >= 2 {
		gotLocation = true
		lat, err = strconv.ParseFloat(args[0], 64)
		if err != nil {
			return fmt.Errorf("invalid lat: %w", err)
		}
		lng, err = strconv.ParseFloat(args[1], 64)
		if err != nil {
			return fmt.Errorf("invalid lng: %w", err)
		}
	}
	if len(args) == 3 {
		limit, err = strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid limit: %w", err)
		}
		if limit < 0 {
			return fmt.Errorf("limit must be >= 0")
		}
	}

	_, static, err := loadManager(cmd.Context())
	if err != nil {
		return err
	}

	var stops []*model.Stop
	if gotLocation {
		stops = static.NearbyStops(lat, lng, limit)
	} else {
		// sort by name
		stops = static.Stops()
		sort.SliceStable(stops, func(i, j int) bool {
			return stops[i].Name < stops[j].Name
		})
	}

	for _, stop := range stops {
		fmt.Printf("%s: %s [%s]\n", stop.ID, stop.Name, strings.Join(static.RoutesForStop(stop.ID), " "))
	}

	return nil
}
