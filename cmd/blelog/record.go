package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/srg/blelog/internal/cancel"
	"github.com/srg/blelog/internal/device"
	goble "github.com/srg/blelog/internal/device/go-ble"
	"github.com/srg/blelog/internal/metrics"
	"github.com/srg/blelog/internal/record"
	"github.com/srg/blelog/internal/session"
	"github.com/srg/blelog/internal/sink"
	"github.com/srg/blelog/pkg/config"
)

// newTransport creates the radio stack (replaced in tests)
var newTransport = func(cfg *config.Config, logger *logrus.Logger) (device.Transport, func() error, error) {
	t := goble.NewTransport(goble.Options{
		ScanTimeout:    cfg.Device.ScanTimeout,
		ConnectTimeout: cfg.Device.ConnectTimeout,
	}, logger)
	return t, t.Close, nil
}

// openSink opens the configured output (replaced in tests)
var openSink = func(cfg *config.Config, fields []string, logger *logrus.Logger) (sink.Sink, error) {
	format, err := sink.ParseFormat(cfg.Sink.Format)
	if err != nil {
		return nil, err
	}
	header := sink.Header(fields)
	switch format {
	case sink.FormatSQLite:
		return sink.OpenSQLite(cfg.Sink.Path, header, cfg.Record.Delimiter)
	default:
		return sink.OpenFile(cfg.Sink.Path, header, sink.FileOptions{
			Delimiter:  cfg.Record.Delimiter,
			TimeLayout: cfg.Record.TimeLayout,
			Logger:     logger,
		})
	}
}

// stdinIsTerminal gates the 'q' key trigger (replaced in tests)
var stdinIsTerminal = func() bool {
	return cancel.IsTerminal(os.Stdin)
}

func newRecordCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record sensor notifications to a log file",
		Long: `Scan for the sensor, connect, subscribe to its measurement characteristic
and append each received record to the output with a reconstructed timestamp
(first record time + index * interval).

The output is opened in append mode; re-running adds to the existing log.`,
		Example: `  blelog record
  blelog record --name "ESP32-C3" --interval 5s --output data/run.csv
  blelog record --address AA:BB:CC:DD:EE:FF --format sqlite --output data/run.db
  blelog record --duration 10m --max-records 60 --metrics-addr :9100`,
		Args: cobra.NoArgs,
		RunE: runRecord,
	}

	cmd.Flags().StringP("name", "n", "", "Peripheral name substring to match")
	cmd.Flags().StringP("address", "a", "", "Peripheral address (skips name matching)")
	cmd.Flags().String("service", "", "Service UUID")
	cmd.Flags().String("char", "", "Notifying characteristic UUID")
	cmd.Flags().Duration("interval", 0, "Sampling interval used to reconstruct timestamps")
	cmd.Flags().StringP("output", "o", "", "Output path")
	cmd.Flags().StringP("format", "f", "", "Output format (csv, sqlite)")
	cmd.Flags().DurationP("duration", "d", 0, "Stop after this long (0 runs until stopped)")
	cmd.Flags().Int("max-records", 0, "Stop after this many records (0 is unlimited)")
	cmd.Flags().String("stop-file", "", "Stop once this file exists")
	cmd.Flags().Bool("no-key", false, "Do not stop on a 'q' keypress")
	cmd.Flags().String("metrics-addr", "", "Serve Prometheus metrics on this address")

	return cmd
}

// applyRecordFlags overrides config values with the flags set on the command line
func applyRecordFlags(cmd *cobra.Command, cfg *config.Config) error {
	flags := cmd.Flags()
	str := func(name string, dst *string) {
		if flags.Changed(name) {
			*dst, _ = flags.GetString(name)
		}
	}
	dur := func(name string, dst *time.Duration) {
		if flags.Changed(name) {
			*dst, _ = flags.GetDuration(name)
		}
	}

	str("name", &cfg.Device.Name)
	str("address", &cfg.Device.Address)
	str("service", &cfg.Device.Service)
	str("char", &cfg.Device.Characteristic)
	dur("interval", &cfg.Record.Interval)
	str("output", &cfg.Sink.Path)
	str("format", &cfg.Sink.Format)
	dur("duration", &cfg.Stop.Duration)
	str("stop-file", &cfg.Stop.File)
	str("metrics-addr", &cfg.Metrics.Addr)
	if flags.Changed("max-records") {
		cfg.Stop.MaxRecords, _ = flags.GetInt("max-records")
	}
	if noKey, _ := flags.GetBool("no-key"); noKey {
		cfg.Stop.Key = false
	}

	// A .db output implies sqlite unless the format was given
	if !flags.Changed("format") && strings.HasSuffix(cfg.Sink.Path, ".db") {
		cfg.Sink.Format = string(sink.FormatSQLite)
	}

	return cfg.Validate()
}

func runRecord(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if err := applyRecordFlags(cmd, cfg); err != nil {
		return err
	}

	logger, err := configureLogger(cmd, cfg)
	if err != nil {
		return err
	}

	// All arguments validated - don't show usage on runtime errors
	cmd.SilenceUsage = true

	schema, err := cfg.Schema()
	if err != nil {
		return err
	}
	decoder, err := record.NewDecoder(schema, cfg.Record.Delimiter)
	if err != nil {
		return err
	}

	out, err := openSink(cfg, schema.Names(), logger)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", cfg.Sink.Path, err)
	}
	defer func() {
		if err := out.Close(); err != nil {
			logger.WithError(err).Warn("Failed to close output")
		}
	}()

	var recorder *metrics.Recorder
	if cfg.Metrics.Addr != "" {
		recorder = metrics.New()
		srv, err := metrics.Listen(cfg.Metrics.Addr, recorder, logger)
		if err != nil {
			return fmt.Errorf("failed to start metrics endpoint: %w", err)
		}
		go srv.Serve()
		defer func() {
			ctx, cancelShutdown := context.WithTimeout(context.Background(), 2*time.Second)
			defer cancelShutdown()
			_ = srv.Shutdown(ctx)
		}()
	}

	transport, closeTransport, err := newTransport(cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := closeTransport(); err != nil {
			logger.WithError(err).Debug("Failed to release BLE device")
		}
	}()

	target := cfg.Device.Name
	if cfg.Device.Address != "" {
		target = cfg.Device.Address
	}
	progress := NewProgressPrinter(cmd.ErrOrStderr(), fmt.Sprintf("Connecting to %q", target), session.Discovering.String(),
		session.Subscribed.String(), session.Closed.String(), session.Failed.String())

	stdout := cmd.OutOrStdout()
	layout := cfg.Record.TimeLayout
	s := session.New(transport, decoder, out,
		session.WithName(cfg.Device.Name),
		session.WithAddress(cfg.Device.Address),
		session.WithCharacteristic(cfg.Device.Service, cfg.Device.Characteristic),
		session.WithTimeline(record.NewTimeline(cfg.Record.Interval)),
		session.WithQueueSize(cfg.Record.QueueSize),
		session.WithConnectTimeout(cfg.Device.ConnectTimeout),
		session.WithMetrics(recorder),
		session.WithLogger(logger),
		session.WithOnRecord(func(r record.Stamped) {
			fmt.Fprintf(stdout, "Received: %s%s%s\n", r.Timestamp.Format(layout), cfg.Record.Delimiter,
				strings.Join(r.Fields(), cfg.Record.Delimiter))
		}),
		session.WithOnState(func(_, to session.State) {
			progress.Callback()(to.String())
			if to == session.Subscribed {
				fmt.Fprintf(cmd.ErrOrStderr(), "Recording to %s. %s\n", cfg.Sink.Path, stopHint(cfg))
			}
		}),
	)

	// Triggers catch signals from construction; the controller is armed
	// before the session starts so no stop request goes unhandled
	ctrl := cancel.NewController(logger, s, stopTriggers(cmd, cfg, s, logger)...)

	progress.Start()
	defer progress.Stop()

	stopReason := make(chan string, 1)
	go func() { stopReason <- ctrl.Run(cmd.Context()) }()

	runErr := s.Run(cmd.Context())
	reason := <-stopReason
	if runErr != nil {
		return runErr
	}

	if reason == "" {
		reason = "finished"
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "Stopped (%s): %d records written to %s\n", reason, s.Appended(), cfg.Sink.Path)
	return nil
}

// stopTriggers builds the enabled stop conditions
func stopTriggers(cmd *cobra.Command, cfg *config.Config, s *session.Session, logger *logrus.Logger) []cancel.Trigger {
	triggers := []cancel.Trigger{cancel.Signal()}

	if cfg.Stop.Key && stdinIsTerminal() {
		key := cancel.Key(cmd.InOrStdin(), 'q')
		if f, ok := cmd.InOrStdin().(*os.File); ok {
			if err := key.Cbreak(f); err != nil {
				logger.WithError(err).Debug("Key stop needs Enter")
			}
		}
		triggers = append(triggers, key)
	}
	if cfg.Stop.Duration > 0 {
		triggers = append(triggers, cancel.Timeout(cfg.Stop.Duration))
	}
	if limit := cfg.Stop.MaxRecords; limit > 0 {
		triggers = append(triggers, cancel.Poll(func() bool {
			return s.Appended() >= uint64(limit)
		}, cfg.Stop.PollInterval))
	}
	if path := cfg.Stop.File; path != "" {
		triggers = append(triggers, cancel.Poll(func() bool {
			_, err := os.Stat(path)
			return err == nil
		}, cfg.Stop.PollInterval))
	}
	return triggers
}

func stopHint(cfg *config.Config) string {
	if cfg.Stop.Key && stdinIsTerminal() {
		return "Press 'q' or Ctrl+C to stop."
	}
	return "Press Ctrl+C to stop."
}
