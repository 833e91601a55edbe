package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var vehiclesCmd = &cobra.Command{
	Use:   "vehicles",
	Short: "Lists vehicles and the routes they were attributed to",
	Args:  cobra.NoArgs,
	RunE:  vehicles,
}

var vehicleRoute string

func init() {
	vehiclesCmd.Flags().StringVarP(&vehicleRoute, "route", "r", "", "Restrict to a specific route ID")
	rootCmd.AddCommand(vehiclesCmd)
}

func vehicles(cmd *cobra.Command, args []string) error {
	if cfg.Realtime.VehiclePositions.URL == "" {
		return fmt.Errorf("vehicle positions URL is required")
	}

	m, _, err := loadManager(cmd.Context())
	if err != nil {
		return err
	}

	if err := m.RefreshVehicles(cmd.Context()); err != nil {
		return err
	}

	for _, v := range m.CurrentVehicles() {
		if vehicleRoute != "" && v.RouteID != vehicleRoute {
			continue
		}
		fmt.Printf("%s %-6s %.5f,%.5f %s\n", v.VehicleID, v.RouteName, v.Lat, v.Lon, v.Resolution)
	}

	return nil
}
