package main

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var arrivalsCmd = &cobra.Command{
	Use:   "arrivals <stop_id>",
	Short: "Shows the arrival board for a stop",
	Args:  cobra.ExactArgs(1),
	RunE:  arrivals,
}

var (
	arrivalRoutes []string
	noRealtime    bool
)

func init() {
	arrivalsCmd.Flags().StringSliceVarP(&arrivalRoutes, "route", "r", []string{}, "Restrict to specific route IDs")
	arrivalsCmd.Flags().BoolVarP(&noRealtime, "no-realtime", "", false, "Show scheduled times only")
	rootCmd.AddCommand(arrivalsCmd)
}

func arrivals(cmd *cobra.Command, args []string) error {
	stopID := args[0]

	m, static, err := loadManager(cmd.Context())
	if err != nil {
		return err
	}
	if _, found := static.Stop(stopID); !found {
		return fmt.Errorf("no stop with ID %s", stopID)
	}

	if !noRealtime {
		// Falls back to the schedule on failure.
		if err := m.RefreshTripUpdates(cmd.Context()); err != nil {
			log.Warn().Err(err).Msg("no realtime data")
		}
	}

	board, err := m.Arrivals(stopID, arrivalRoutes, time.Now())
	if err != nil {
		return err
	}

	fmt.Printf("%s (%s)\n", board.StopName, board.Status)
	for _, a := range board.Arrivals {
		marker := " "
		if a.Realtime {
			marker = "*"
			if !a.Fresh {
				marker = "~"
			}
		}
		delay := ""
		if a.Realtime && a.Delay != 0 {
			delay = fmt.Sprintf(" (%+d min)", int(a.Delay.Round(time.Minute)/time.Minute))
		}
		fmt.Printf(
			"%s %-6s %s %s%s\n",
			marker,
			a.RouteName,
			a.Effective.In(static.Location()).Format("15:04"),
			a.Headsign,
			delay,
		)
	}

	return nil
}
