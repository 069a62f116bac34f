package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/ostavnaas/kjeller/internal/config"
	"github.com/ostavnaas/kjeller/internal/controller"
	"github.com/ostavnaas/kjeller/internal/engine"
	"github.com/ostavnaas/kjeller/internal/logging"
	"github.com/ostavnaas/kjeller/internal/sensors"
	"github.com/ostavnaas/kjeller/internal/store"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "kjeller",
		Short: "kjeller - price aware floor heating for deCONZ thermostats",
		Long: `kjeller sets thermostat set-points per room from a weekly schedule,
lowering them while the Tibber spot price is above a cutoff.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "config.yaml", "config file")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(tickCmd())
	rootCmd.AddCommand(pricesCmd())
	rootCmd.AddCommand(planCmd())
	rootCmd.AddCommand(sensorCmd())
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(predictCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func setup() (*engine.Config, io.Closer, error) {
	return logging.Configure(cfgFile)
}

func openStore(cfg *engine.Config) (*store.Store, error) {
	if cfg.Global.Database == "" {
		return nil, nil
	}
	st, err := store.NewStore(cfg.Global.Database)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	return st, nil
}

func newController(st *store.Store) *controller.Controller {
	opts := controller.Options{
		Clients: controller.DefaultClients(),
	}
	if st != nil {
		opts.Store = st
	}
	return controller.New(config.File{Path: cfgFile}, opts)
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the control loop in the foreground",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := setup()
			defer closer.Close()
			if err != nil {
				return err
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			if st != nil {
				defer st.Close()
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			ctrl := newController(st)
			defer ctrl.Close()

			log.Info().Str("config", cfgFile).Dur("interval", cfg.Global.PollInterval).Msg("starting control loop")
			return ctrl.Run(ctx)
		},
	}
}

func tickCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "tick",
		Short: "Run a single control pass and print the result",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := setup()
			defer closer.Close()
			if err != nil {
				return err
			}

			st, err := openStore(cfg)
			if err != nil {
				return err
			}
			if st != nil {
				defer st.Close()
			}

			ctrl := newController(st)
			defer ctrl.Close()

			if err := ctrl.Tick(cmd.Context()); err != nil {
				return err
			}
			status, _ := ctrl.Board().Status()
			return printJSON(status)
		},
	}
}

func pricesCmd() *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "prices",
		Short: "Show today's electricity prices",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, closer, err := setup()
			defer closer.Close()
			if err != nil {
				return err
			}

			report, err := newController(nil).Prices(cmd.Context())
			if err != nil {
				return fmt.Errorf("fetching prices: %w", err)
			}
			if asJSON {
				return printJSON(report)
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "HOUR\tTOTAL\t")
			for _, s := range report.Samples {
				marker := ""
				if !report.At.Before(s.StartsAt) && report.At.Before(s.StartsAt.Add(time.Hour)) {
					marker = "<- now"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\n", s.StartsAt.In(report.At.Location()).Format("15:04"), s.Total.StringFixed(4), marker)
			}
			if report.MaxPrice != nil {
				fmt.Fprintf(w, "\nmax price %s, exceeded now: %v\n", report.MaxPrice.String(), report.Exceeds)
			}
			return w.Flush()
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	return cmd
}

func planCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "plan",
		Short: "Show the set-point each room would get now, without writing",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, closer, err := setup()
			defer closer.Close()
			if err != nil {
				return err
			}

			entries, err := newController(nil).Plan(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ROOM\tTARGET\tREASON\tCURRENT\tSEND\tWRITE\t")
			for _, e := range entries {
				current := "?"
				if e.Current != nil {
					current = strconv.Itoa(*e.Current)
				}
				write := strconv.FormatBool(e.WouldWrite)
				if e.Error != "" {
					write = e.Error
				}
				fmt.Fprintf(w, "%s\t%d\t%s\t%s\t%d\t%s\t\n", e.Target.Room, e.Target.SetPoint, e.Target.Reason, current, e.Send, write)
			}
			return w.Flush()
		},
	}
}

func sensorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sensor <id>",
		Short: "Print the live state of a thermostat",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, closer, err := setup()
			defer closer.Close()
			if err != nil {
				return err
			}

			reading, err := sensors.NewDeconzClient(cfg.Deconz).Sensor(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"name":              reading.Name,
				"temperature":       reading.TemperatureC(),
				"floor_temperature": reading.FloorTemperatureC(),
				"heat_set_point":    reading.HeatSetPointC(),
				"heating":           reading.Heating,
			})
		},
	}
}

func configCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Validate the config file and print the effective settings",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(cfgFile)
			if err != nil {
				return err
			}
			return config.Render(os.Stdout, cfg)
		},
	}
}

func predictCmd() *cobra.Command {
	var accumulated, current, limit float64

	cmd := &cobra.Command{
		Use:   "predict",
		Short: "Predict whether this hour's consumption reaches a limit",
		Long: `Adds the current load, scaled to the minutes left in the hour, to the
energy already used this hour and compares it with the limit (kWh).`,
		RunE: func(cmd *cobra.Command, args []string) error {
			reached := engine.PredictHourlyConsumption(accumulated, current, limit, time.Now())
			fmt.Println(reached)
			return nil
		},
	}

	cmd.Flags().Float64Var(&accumulated, "accumulated", 0, "kWh used so far this hour")
	cmd.Flags().Float64Var(&current, "current", 0, "current load in kW")
	cmd.Flags().Float64Var(&limit, "max", 5, "hourly limit in kWh")
	return cmd
}
