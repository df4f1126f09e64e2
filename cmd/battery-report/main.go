package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alexflint/go-arg"
	"github.com/joho/godotenv"

	"github.com/banshee-data/battery.report/internal/monitoring"
	"github.com/banshee-data/battery.report/internal/version"
)

var log = monitoring.WithComponent("main")

type Args struct {
	Run       *RunCmd       `arg:"subcommand:run"       help:"Ingest sensor lines and process the queue until interrupted."`
	Process   *ProcessCmd   `arg:"subcommand:process"   help:"Process every queued raw sample, then exit."`
	Import    *ImportCmd    `arg:"subcommand:import"    help:"Enqueue samples from a recorded capture file."`
	Migrate   *MigrateCmd   `arg:"subcommand:migrate"   help:"Manage the database schema."`
	Configure *ConfigureCmd `arg:"subcommand:configure" help:"Set a battery's rated capacity and SOH override."`
	Batteries *BatteriesCmd `arg:"subcommand:batteries" help:"List battery aggregates."`
	Events    *EventsCmd    `arg:"subcommand:events"    help:"List recent battery events."`
	Export    *ExportCmd    `arg:"subcommand:export"    help:"Export processed readings as Parquet."`

	DB            string `arg:"--db,env:BATTERY_DB" default:"battery.db" help:"SQLite database path"`
	Config        string `arg:"--config,env:BATTERY_CONFIG" help:"Tuning config file (.json, .yaml or .yml)"`
	LogLevel      string `arg:"-l,--log-level" default:"info" help:"Log level (debug, info, warn, error)"`
	LogFormat     string `arg:"--log-format,env:LOG_FORMAT" default:"text" help:"Log format (text or json)"`
	LogFile       string `arg:"--log-file,env:LOG_FILE" help:"Write logs to this file instead of stderr"`
	LogMaxAgeDays int    `arg:"--log-max-age,env:LOG_MAX_AGE_DAYS" help:"Rotate the log file, keeping this many days"`
}

type RunCmd struct {
	Port           string        `arg:"--port,env:BATTERY_SERIAL_PORT" help:"Serial port of the sensor, e.g. /dev/ttyUSB0"`
	Baud           int           `arg:"--baud" help:"Serial baud rate (default 115200)"`
	DataBits       int           `arg:"--data-bits"`
	StopBits       int           `arg:"--stop-bits"`
	Parity         string        `arg:"--parity" help:"N, E or O"`
	Replay         string        `arg:"--replay" help:"Replay sensor lines from this file instead of a serial port"`
	ReplayInterval time.Duration `arg:"--replay-interval" default:"1s"`
	ReplayLoop     bool          `arg:"--replay-loop" help:"Restart the replay file at its end"`
}

type ProcessCmd struct{}

type ImportCmd struct {
	File    string `arg:"positional,required" help:"Capture file, or - for stdin"`
	Process bool   `arg:"--process" help:"Drain the queue after importing"`
}

type MigrateCmd struct {
	Action string   `arg:"positional,required" help:"up, down, status, version or force"`
	Args   []string `arg:"positional"`
}

type ConfigureCmd struct {
	BatteryID   string   `arg:"positional,required"`
	RatedAh     *float64 `arg:"--rated-ah" help:"Rated capacity in Ah"`
	OverrideSOH bool     `arg:"--override-soh" help:"Blend a user-set SOH into reported SOH"`
	NoOverride  bool     `arg:"--no-override-soh" help:"Stop blending the user-set SOH"`
	SOHPct      *float64 `arg:"--soh" help:"User-set SOH percent"`
	Weight      *float64 `arg:"--weight" help:"Weight of the user-set SOH, 0 to 1"`
}

type BatteriesCmd struct{}

type EventsCmd struct {
	BatteryID string `arg:"positional" help:"Only this battery"`
	Limit     int    `arg:"-n,--limit" default:"20"`
}

type ExportCmd struct {
	Out         string `arg:"-o,--out,required" help:"Output .parquet path, or a directory to use the default file name"`
	BatteryID   string `arg:"--battery"`
	Since       string `arg:"--since" help:"RFC 3339 start time, inclusive"`
	Until       string `arg:"--until" help:"RFC 3339 end time, exclusive"`
	Limit       int    `arg:"--limit"`
	Compression string `arg:"--compression" default:"snappy" help:"snappy, gzip or none"`
}

func (Args) Version() string {
	return version.String()
}

func main() {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		fmt.Fprintf(os.Stderr, "failed to load .env: %v\n", err)
		os.Exit(1)
	}

	var args Args
	p := arg.MustParse(&args)
	if p.Subcommand() == nil {
		p.Fail("missing subcommand")
	}

	if err := monitoring.Configure(monitoring.Options{
		Level:      args.LogLevel,
		Format:     args.LogFormat,
		Output:     args.LogFile,
		MaxAgeDays: args.LogMaxAgeDays,
	}); err != nil {
		p.Fail(err.Error())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := dispatch(ctx, os.Stdout, &args)
	stop()
	if err != nil {
		log.WithError(err).Error("command failed")
		os.Exit(1)
	}
}
