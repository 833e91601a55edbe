package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

var alertsCmd = &cobra.Command{
	Use:   "alerts",
	Short: "Lists active service alerts",
	Args:  cobra.NoArgs,
	RunE:  alerts,
}

var (
	alertRoute string
	alertTrip  string
)

func init() {
	alertsCmd.Flags().StringVarP(&alertRoute, "route", "r", "", "Only alerts concerning this route ID")
	alertsCmd.Flags().StringVarP(&alertTrip, "trip", "t", "", "Only alerts concerning this trip ID")
	rootCmd.AddCommand(alertsCmd)
}

func alerts(cmd *cobra.Command, args []string) error {
	if cfg.Realtime.Alerts.URL == "" {
		return fmt.Errorf("alerts URL is required")
	}

	m, _, err := loadManager(cmd.Context())
	if err != nil {
		return err
	}

	if err := m.RefreshAlerts(cmd.Context()); err != nil {
		return err
	}

	for _, a := range m.ActiveAlerts(alertRoute, alertTrip, time.Now()) {
		fmt.Printf("%s [%s] %s\n", a.ID, strings.Join(a.RouteIDs, ","), a.Header)
		if a.Description != "" {
			fmt.Printf("    %s\n", a.Description)
		}
	}

	return nil
}
