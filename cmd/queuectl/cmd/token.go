package cmd

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/austindbirch/harbor_queue/internal/logging"
	"github.com/austindbirch/harbor_queue/internal/stats"
	"github.com/austindbirch/harbor_queue/internal/transportapi"
)

var showStats bool

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Query the transport API",
}

var tokenValidateCmd = &cobra.Command{
	Use:   "validate [token]",
	Short: "Validate a device access token",
	Long: `Send a token validation request over the queue and wait for the transport API to answer.
Responses arrive on a private topic named after the service id.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := loadConfig()
		b, err := newBroker(cfg)
		if err != nil {
			return err
		}
		defer b.Close()

		d, err := transportapi.NewDispatcher(b, cfg.RPC, cfg.Queue.ServiceID, cfg.StopTimeout, nil)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
		defer cancel()
		if err := d.Init(ctx); err != nil {
			return err
		}
		defer d.Stop()
		if showStats {
			printer := stats.NewPrinter(logging.New("queuectl"), 0)
			printer.Register(d.Stats())
			defer printer.Print()
		}

		resp, err := transportapi.NewClient(d).ValidateToken(ctx, args[0], timeout)
		if err != nil {
			return fmt.Errorf("validate failed: %w", err)
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), resp)
			return nil
		}
		if !resp.Valid {
			fmt.Fprintln(cmd.OutOrStdout(), "Token is not valid")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Token is valid: device %s (%s) of tenant %s\n", resp.DeviceName, resp.DeviceID, resp.TenantID)
		return nil
	},
}

func init() {
	tokenValidateCmd.Flags().BoolVar(&showStats, "stats", false, "log the request queue stats before exiting")
	tokenCmd.AddCommand(tokenValidateCmd)
	rootCmd.AddCommand(tokenCmd)
}
