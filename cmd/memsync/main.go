// Command memsync attaches to a running game process, tracks its world
// and records the tracked entities to the configured storage backend.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	"gorm.io/gorm"

	"github.com/memsync/memsync/internal/api"
	"github.com/memsync/memsync/internal/config"
	"github.com/memsync/memsync/internal/dispatcher"
	"github.com/memsync/memsync/internal/influx"
	"github.com/memsync/memsync/internal/layout"
	"github.com/memsync/memsync/internal/logging"
	"github.com/memsync/memsync/internal/memory"
	"github.com/memsync/memsync/internal/monitor"
	intOtel "github.com/memsync/memsync/internal/otel"
	"github.com/memsync/memsync/internal/provider/procmem"
	"github.com/memsync/memsync/internal/scatter"
	"github.com/memsync/memsync/internal/session"
	"github.com/memsync/memsync/internal/storage"
	"github.com/memsync/memsync/internal/world"
)

// Version is set at build time.
var Version = "dev"

const usage = `usage: memsync [flags] [command]

commands:
  run              attach and record (default)
  layout [file]    validate a layout file, or print the built-in layout
  export <file>    summarize a recording written by the memory backend
  version          print the version
`

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "memsync:", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	fs := pflag.NewFlagSet("memsync", pflag.ContinueOnError)
	fs.Usage = func() {
		fmt.Fprint(os.Stderr, usage, "\nflags:\n")
		fs.PrintDefaults()
	}
	configDir := fs.String("config", ".", "directory containing "+config.FileName)
	config.Flags(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cmd, rest := "run", fs.Args()
	if len(rest) > 0 {
		cmd, rest = rest[0], rest[1:]
	}

	switch cmd {
	case "version":
		fmt.Fprintln(stdout, "memsync", Version)
		return nil
	case "layout":
		return layoutCommand(rest, stdout)
	case "export":
		return exportCommand(rest, stdout)
	case "run":
	default:
		fs.Usage()
		return fmt.Errorf("unknown command %q", cmd)
	}

	configErr := config.Load(*configDir)
	if configErr != nil {
		config.LoadDefaults()
	}
	if err := config.BindFlags(fs); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{start: time.Now()}
	defer a.shutdown()
	if err := a.setupLogging(); err != nil {
		return err
	}
	if configErr != nil {
		a.log.Warn("Failed to load config, using defaults!", "error", configErr)
	} else {
		a.log.Info("Loaded config", "dir", *configDir)
	}
	if err := a.setup(ctx); err != nil {
		a.log.Error("Setup failed", "error", err)
		return err
	}

	a.log.Info("Waiting for process", "process", config.GetProcessConfig().Name, "storage", config.GetStorageConfig().Type)
	err := a.manager.Run(ctx)
	if errors.Is(err, context.Canceled) {
		a.log.Info("Shutting down")
		return nil
	}
	return err
}

// app holds the long-lived services of the run command.
type app struct {
	start time.Time

	slogManager *logging.SlogManager
	log         *slog.Logger
	zlog        zerolog.Logger
	logFile     *os.File
	gelf        io.Closer
	otel        *intOtel.Provider

	events  *dispatcher.Dispatcher
	backend storage.Backend
	influx  *influx.Manager
	monitor *monitor.Service
	manager *session.Manager
}

func (a *app) setupLogging() error {
	level := config.GetString("logLevel")
	a.slogManager = logging.NewSlogManager()
	a.slogManager.Setup(nil, level, nil)
	a.log = a.slogManager.Logger()

	f, path, err := logging.OpenLogFile(config.GetString("logsDir"), "memsync", a.start)
	if err != nil {
		return err
	}
	a.logFile = f

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		a.otel, err = intOtel.New(intOtel.Config{
			Enabled:        true,
			ServiceName:    otelCfg.ServiceName,
			BatchTimeout:   otelCfg.BatchTimeout,
			LogWriter:      f,
			MetricWriter:   f,
			MetricInterval: 30 * time.Second,
			Endpoint:       otelCfg.Endpoint,
			Insecure:       otelCfg.Insecure,
		})
		if err != nil {
			a.log.Error("Failed to initialize OTel provider", "error", err)
		}
	}

	opts := []logging.Option{logging.WithContext(a.contextAttrs)}
	if gl := config.GetGraylogConfig(); gl.Enabled {
		w, err := logging.NewGELFWriter(gl.Address, logging.ServiceName)
		if err != nil {
			a.log.Error("Failed to connect to Graylog", "address", gl.Address, "error", err)
		} else {
			a.gelf = w
			opts = append(opts, logging.WithGELF(w))
		}
	}

	var logProvider *sdklog.LoggerProvider
	if a.otel != nil {
		logProvider = a.otel.LoggerProvider()
	}
	a.slogManager.Setup(f, level, logProvider, opts...)
	a.log = a.slogManager.Logger()
	slog.SetDefault(a.log)
	a.zlog = logging.NewZerolog(f, level, "storage")
	a.log.Info("Logging to file", "path", path)
	return nil
}

func (a *app) contextAttrs() []slog.Attr {
	if a.manager == nil {
		return nil
	}
	return a.manager.Attrs()
}

func (a *app) setup(ctx context.Context) error {
	procCfg := config.GetProcessConfig()
	lay, err := layout.Load(procCfg.LayoutFile)
	if err != nil {
		return err
	}

	a.events, err = dispatcher.New(logging.NewDispatcherLogger(a.zlog.With().Str("component", "dispatcher").Logger()))
	if err != nil {
		return fmt.Errorf("create dispatcher: %w", err)
	}
	d := a.events

	storageCfg := config.GetStorageConfig()
	a.backend, err = storage.NewBackend(storageCfg, config.GetString("defaultTag"), a.log, a.zlog)
	if err != nil {
		return fmt.Errorf("create storage: %w", err)
	}
	if err := a.backend.Init(); err != nil {
		a.backend = nil
		return fmt.Errorf("init storage: %w", err)
	}
	storage.RegisterHandlers(d, a.backend)
	a.setupUpload(ctx, d)

	metrics, err := scatter.NewMetrics()
	if err != nil {
		return fmt.Errorf("create metrics: %w", err)
	}

	readerCfg := config.GetReaderConfig()
	sched := config.GetScheduleConfig()
	a.manager, err = session.NewManager(session.Config{
		Process:      procCfg.Name,
		PollInterval: procCfg.PollInterval,
		Schedule: world.Schedule{
			Fast:      sched.Fast,
			FastMin:   sched.FastMin,
			Slow:      sched.Slow,
			Discovery: sched.Discovery,
			Loot:      sched.Loot,
			Recorder:  sched.Recorder,
		},
		AddressRange: memory.AddressRange{
			Min: memory.Address(readerCfg.MinAddress),
			Max: memory.Address(readerCfg.MaxAddress),
		},
		MaxReadSize: readerCfg.MaxReadSize,
	}, session.Deps{
		Source:     procmem.New(procmem.Options{MaxTransfer: readerCfg.MaxReadSize}),
		Layout:     lay,
		Sink:       a.backend,
		Dispatcher: d,
		Metrics:    metrics,
		Log:        a.log,
	})
	if err != nil {
		return err
	}

	a.setupMonitor(ctx, storageCfg.Type)
	return nil
}

// setupUpload registers the recording upload after the storage handlers
// when the backend leaves a file behind.
func (a *app) setupUpload(ctx context.Context, d *dispatcher.Dispatcher) {
	apiCfg := config.GetAPIConfig()
	if !apiCfg.Upload {
		return
	}
	up, ok := a.backend.(api.Uploadable)
	if !ok {
		a.log.Warn("Upload enabled but the storage backend exports nothing", "storage", config.GetStorageConfig().Type)
		return
	}
	client := api.New(apiCfg.ServerURL, apiCfg.APIKey)
	d.Register(session.TopicSessionEnded, client.UploadHandler(up, a.log),
		dispatcher.Buffered(4), dispatcher.Blocking(), dispatcher.Logged())

	go func() {
		hctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if err := client.Healthcheck(hctx); err != nil {
			a.log.Warn("Web service unreachable, uploads may fail", "url", apiCfg.ServerURL, "error", err)
			return
		}
		a.log.Info("Web service reachable", "url", apiCfg.ServerURL)
	}()
}

func (a *app) setupMonitor(ctx context.Context, storageType string) {
	deps := monitor.Dependencies{
		Source:     a.manager,
		StatusFile: config.GetString("statusFile"),
		Log:        a.log,
	}

	if withDB, ok := a.backend.(interface{ DB() *gorm.DB }); ok {
		deps.DB = withDB.DB()
		if storageType == storage.TypePostgres {
			err := monitor.ValidateHypertables(deps.DB, a.log, map[string][]string{
				"entity_states": {"session_id", "addr"},
				"performances":  {"session_id"},
			})
			if err != nil {
				a.log.Warn("Hypertables not configured", "error", err)
			}
		}
	}

	a.influx = influx.NewManager(config.GetInfluxConfig(), a.zlog.With().Str("component", "influx").Logger())
	switch err := a.influx.Connect(ctx); {
	case errors.Is(err, influx.ErrDisabled):
		a.influx = nil
	case err != nil:
		a.log.Warn("InfluxDB unavailable", "error", err)
	}
	if a.influx != nil {
		deps.Influx = a.influx
	}

	a.monitor = monitor.NewService(deps)
	_ = a.monitor.Start()
}

func (a *app) shutdown() {
	if a.monitor != nil {
		a.monitor.Stop()
	}
	if a.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		if err := a.events.Close(ctx); err != nil {
			a.log.Error("Pending event handlers abandoned", "error", err)
		}
		cancel()
	}
	if a.backend != nil {
		if err := a.backend.Close(); err != nil {
			a.log.Error("Failed to close storage", "error", err)
		}
	}
	if a.influx != nil {
		if err := a.influx.Close(); err != nil {
			a.log.Error("Failed to close InfluxDB", "error", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if a.slogManager != nil {
		_ = a.slogManager.Flush(ctx)
	}
	if a.otel != nil {
		if err := a.otel.Shutdown(ctx); err != nil {
			fmt.Fprintln(os.Stderr, "otel shutdown:", err)
		}
	}
	if a.gelf != nil {
		_ = a.gelf.Close()
	}
	if a.logFile != nil {
		_ = a.logFile.Close()
	}
}
