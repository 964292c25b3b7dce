package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/srg/blelog/internal/cancel"
	"github.com/srg/blelog/internal/device"
	"github.com/srg/blelog/pkg/config"
)

func newScanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "List advertising BLE peripherals",
		Long: `Scan for one window and list every advertising peripheral with its name,
address and signal strength. Peripherals that "record" would select by name
are marked with *.`,
		Args: cobra.NoArgs,
		RunE: runScan,
	}
	cmd.Flags().DurationP("duration", "d", 0, "Scan duration (default from config, 10s)")
	cmd.Flags().StringP("name", "n", "", "Name substring to mark as a match")
	return cmd
}

func runScan(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("duration") {
		d, _ := cmd.Flags().GetDuration("duration")
		if d <= 0 {
			return fmt.Errorf("invalid duration %s: must be positive", d)
		}
		cfg.Device.ScanTimeout = d
	}
	if cmd.Flags().Changed("name") {
		cfg.Device.Name, _ = cmd.Flags().GetString("name")
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	transport, closeTransport, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer func() { _ = closeTransport() }()

	// Ctrl+C ends the scan early and still prints what was found
	ctx, stop := context.WithCancel(cmd.Context())
	defer stop()
	interrupt := cancel.Signal()
	defer interrupt.Release()
	go func() {
		if _, err := interrupt.Wait(ctx); err == nil {
			stop()
		}
	}()

	progress := NewCountdownProgressPrinter(cmd.ErrOrStderr(), "Scanning for BLE devices", "Scanning", cfg.Device.ScanTimeout)
	progress.Start()
	handles, err := transport.Discover(ctx)
	progress.Stop()

	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("scan failed: %w", err)
	}
	return printPeripherals(cmd.OutOrStdout(), handles, cfg)
}

func printPeripherals(out io.Writer, handles []device.PeripheralHandle, cfg *config.Config) error {
	if len(handles) == 0 {
		fmt.Fprintln(out, "No devices discovered")
		return nil
	}

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "\tNAME\tADDRESS\tRSSI\tSERVICES")
	for _, h := range handles {
		mark := ""
		if cfg.Device.Name != "" && h.MatchName(cfg.Device.Name) {
			mark = "*"
		}
		name := h.Name
		if name == "" {
			name = "-"
		}
		short := make([]string, 0, len(h.Services))
		for _, u := range device.NormalizeUUIDs(h.Services) {
			if u != "" {
				short = append(short, device.ShortenUUID(u))
			}
		}
		services := strings.Join(short, ",")
		fmt.Fprintf(w, "%s\t%s\t%s\t%d dBm\t%s\n", mark, name, h.Address, h.RSSI, services)
	}
	return w.Flush()
}
