package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/banshee-data/battery.report/internal/config"
	"github.com/banshee-data/battery.report/internal/db"
	"github.com/banshee-data/battery.report/internal/export"
	"github.com/banshee-data/battery.report/internal/ingest"
	"github.com/banshee-data/battery.report/internal/pipeline"
	"github.com/banshee-data/battery.report/internal/serialmux"
	"github.com/banshee-data/battery.report/internal/timeutil"
)

func dispatch(ctx context.Context, w io.Writer, args *Args) error {
	if args.Migrate != nil {
		return db.RunMigrateCommand(w, args.DB, args.Migrate.Action, args.Migrate.Args)
	}

	tuning, err := loadTuning(args.Config)
	if err != nil {
		return err
	}

	database, err := db.NewDB(args.DB)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer database.Close()

	cfg := pipeline.ConfigFromTuning(tuning)

	switch {
	case args.Run != nil:
		return runService(ctx, database, cfg, args.Run)
	case args.Process != nil:
		return processQueue(ctx, w, database, cfg)
	case args.Import != nil:
		return importCapture(ctx, w, database, cfg, args.Import)
	case args.Configure != nil:
		return configureBattery(ctx, w, database, cfg, args.Configure)
	case args.Batteries != nil:
		return listBatteries(ctx, w, database)
	case args.Events != nil:
		return listEvents(ctx, w, database, args.Events)
	case args.Export != nil:
		return exportReadings(ctx, w, database, args.Export)
	}
	return errors.New("unknown subcommand")
}

func loadTuning(path string) (*config.TuningConfig, error) {
	cfg := config.EmptyTuningConfig()
	if path != "" {
		var err error
		if cfg, err = config.LoadTuningConfig(path); err != nil {
			return nil, fmt.Errorf("failed to load tuning config: %w", err)
		}
	}
	for _, w := range cfg.Warnings() {
		if path == "" {
			log.Debug(w)
		} else {
			log.WithField("config", path).Warn(w)
		}
	}
	return cfg, nil
}

// openMux returns the sensor line source for the run command, or nil when
// neither a port nor a replay file is configured.
func openMux(cmd *RunCmd) (serialmux.Mux, error) {
	if cmd.Replay != "" {
		lines, err := readLines(cmd.Replay)
		if err != nil {
			return nil, err
		}
		log.WithField("file", cmd.Replay).Infof("replaying %d sensor lines every %s", len(lines), cmd.ReplayInterval)
		return serialmux.NewReplaySerialMux(lines, cmd.ReplayInterval, cmd.ReplayLoop), nil
	}
	if cmd.Port == "" {
		return nil, nil
	}
	mux, err := serialmux.NewRealSerialMux(cmd.Port, serialmux.PortOptions{
		BaudRate: cmd.Baud,
		DataBits: cmd.DataBits,
		StopBits: cmd.StopBits,
		Parity:   cmd.Parity,
	})
	if err != nil {
		return nil, err
	}
	log.WithField("port", cmd.Port).Info("serial port opened")
	return mux, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open replay file: %w", err)
	}
	defer f.Close()

	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read replay file: %w", err)
	}
	return lines, nil
}

// runService ingests from the configured line source and processes the
// queue until ctx is cancelled or storage keeps failing.
func runService(ctx context.Context, database *db.DB, cfg pipeline.Config, cmd *RunCmd) error {
	mux, err := openMux(cmd)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup
	if mux != nil {
		listener := ingest.NewListener(database, nil)

		wg.Add(2)
		go func() {
			defer wg.Done()
			if err := mux.Monitor(ctx); err != nil {
				log.WithError(err).Error("serial monitor stopped")
			}
		}()
		go func() {
			defer wg.Done()
			if err := listener.Listen(ctx, mux); err != nil {
				log.WithError(err).Error("listener stopped")
			}
			log.Infof("listener done: %d accepted, %d rejected", listener.Accepted(), listener.Rejected())
		}()
	} else {
		log.Info("no serial port or replay file configured, processing the existing queue only")
	}

	p := pipeline.New(database, pipeline.NewRegistry(), timeutil.RealClock{}, cfg)
	runErr := p.Run(ctx)

	cancel()
	if mux != nil {
		if err := mux.Close(); err != nil {
			log.WithError(err).Warn("failed to close serial mux")
		}
	}
	wg.Wait()

	st := p.Stats()
	log.Infof("pipeline stopped: %d processed, %d dropped, %d duplicates", st.Processed, st.Dropped, st.Duplicates)
	return runErr
}

func processQueue(ctx context.Context, w io.Writer, database *db.DB, cfg pipeline.Config) error {
	p := pipeline.New(database, nil, nil, cfg)
	n, err := p.Drain(ctx)
	fmt.Fprintf(w, "processed %d sample(s)\n", n)
	if st := p.Stats(); st.Dropped > 0 || st.Duplicates > 0 {
		fmt.Fprintf(w, "dropped %d malformed, skipped %d duplicate(s)\n", st.Dropped, st.Duplicates)
	}
	return err
}

func importCapture(ctx context.Context, w io.Writer, database *db.DB, cfg pipeline.Config, cmd *ImportCmd) error {
	var r io.Reader = os.Stdin
	if cmd.File != "-" {
		f, err := os.Open(cmd.File)
		if err != nil {
			return fmt.Errorf("open capture: %w", err)
		}
		defer f.Close()
		r = f
	}

	listener := ingest.NewListener(database, nil)
	if err := listener.Import(ctx, r); err != nil {
		return err
	}
	fmt.Fprintf(w, "queued %d sample(s), rejected %d line(s)\n", listener.Accepted(), listener.Rejected())

	if !cmd.Process {
		return nil
	}
	return processQueue(ctx, w, database, cfg)
}

func configureBattery(ctx context.Context, w io.Writer, database *db.DB, cfg pipeline.Config, cmd *ConfigureCmd) error {
	if cmd.OverrideSOH && cmd.NoOverride {
		return errors.New("--override-soh and --no-override-soh are mutually exclusive")
	}
	user := db.UserConfig{
		RatedAh:       cmd.RatedAh,
		UserSetSOHPct: cmd.SOHPct,
		UserSOHWeight: cmd.Weight,
	}
	if cmd.OverrideSOH || cmd.NoOverride {
		on := cmd.OverrideSOH
		user.UserOverrideSOH = &on
	}

	updated, err := database.SetBatteryUserConfig(ctx, cmd.BatteryID, cfg.DefaultRatedAh, user)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "%s: rated %.2f Ah, effective %.2f Ah, override %t (%.1f%% at weight %.2f)\n",
		updated.BatteryID, updated.RatedAh, updated.EffectiveCapacityAh,
		updated.UserOverrideSOH, updated.UserSetSOHPct, updated.UserSOHWeight)
	return nil
}

func listBatteries(ctx context.Context, w io.Writer, database *db.DB) error {
	batteries, err := database.ListBatteries(ctx)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "BATTERY\tRATED_AH\tCAPACITY_AH\tSOH_%\tCYCLES\tDISCHARGED_AH\tLAST_SEEN")
	for _, b := range batteries {
		last := "-"
		if !b.LastTimestamp.IsZero() {
			last = b.LastTimestamp.Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%.2f\t%.2f\t%.2f\t%d\t%.3f\t%s\n",
			b.BatteryID, b.RatedAh, b.EffectiveCapacityAh, b.SOHPct, b.CycleCount, b.TotalDischargedAh, last)
	}
	return tw.Flush()
}

func listEvents(ctx context.Context, w io.Writer, database *db.DB, cmd *EventsCmd) error {
	events, err := database.ListEvents(ctx, cmd.BatteryID, cmd.Limit)
	if err != nil {
		return err
	}
	for _, e := range events {
		fmt.Fprintln(w, e.String())
	}
	return nil
}

func parseTimeFlag(name, value string) (time.Time, error) {
	if value == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid --%s: %w", name, err)
	}
	return t, nil
}

func exportReadings(ctx context.Context, w io.Writer, database *db.DB, cmd *ExportCmd) error {
	since, err := parseTimeFlag("since", cmd.Since)
	if err != nil {
		return err
	}
	until, err := parseTimeFlag("until", cmd.Until)
	if err != nil {
		return err
	}

	path := export.ResolvePath(cmd.Out, cmd.BatteryID, since, until)
	n, err := export.WriteFile(ctx, database, db.ReadingQuery{
		BatteryID: cmd.BatteryID,
		Since:     since,
		Until:     until,
		Limit:     cmd.Limit,
	}, path, cmd.Compression)
	if err != nil {
		return err
	}
	fmt.Fprintf(w, "wrote %d reading(s) to %s\n", n, path)
	return nil
}
