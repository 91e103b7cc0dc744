// Keypresence runs a three-key presence keypad on the edge.
//
// Pressing a key sets the desk status (available, busy or tentative),
// lights the keypad in the matching colour and publishes the new
// status to the message bus. Any message on the request topic is
// answered with the current status. Configuration is loaded from a
// single YAML file discovered automatically (see
// [config.DefaultSearchPaths]).
//
// Usage:
//
//	keypresence serve [bucket [request-topic [response-topic]]]
//	keypresence init [dir]         Write an example config into dir
//	keypresence version            Print version and build information
//	keypresence -o json version    Output version information as JSON
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/keypresence/internal/buildinfo"
	"github.com/nugget/keypresence/internal/config"
	"github.com/nugget/keypresence/internal/connwatch"
	"github.com/nugget/keypresence/internal/keypad"
	"github.com/nugget/keypresence/internal/mqtt"
	"github.com/nugget/keypresence/internal/responder"
	"github.com/nugget/keypresence/internal/status"
)

// shutdownTimeout bounds the offline publish and disconnect on exit.
const shutdownTimeout = 5 * time.Second

// main constructs the OS-level environment and delegates to [run] so
// the whole lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdin, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point. stdin feeds the console keypad driver,
// structured logs go to stdout, and args is os.Args[1:]. Arguments are
// parsed by hand; the flag package's globals get in the way of calling
// run from parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any
// failure, including an unrecoverable bus error after startup.
func run(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		if len(cmdArgs) > 3 {
			return fmt.Errorf("usage: keypresence serve [bucket [request-topic [response-topic]]]")
		}
		return runServe(ctx, stdin, stdout, configPath, cmdArgs)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Current()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	fmt.Fprintf(w, "  %-12s %s\n", "go:", info.GoVersion)
	fmt.Fprintf(w, "  %-12s %s/%s\n", "platform:", info.OS, info.Arch)
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "keypresence - presence keypad for the message bus")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: keypresence [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve [bucket [request-topic [response-topic]]]")
	fmt.Fprintln(w, "               Run the keypad; arguments override the config file")
	fmt.Fprintln(w, "  init [dir]   Write example config.yaml and .env.example (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

// runServe wires the keypad, the status machine, the responder and the
// bus, then blocks until ctx is cancelled, a signal arrives, or the bus
// reports an unrecoverable error.
func runServe(ctx context.Context, stdin io.Reader, stdout io.Writer, configPath string, args []string) error {
	logger := config.NewLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting keypresence", buildinfo.Current().LogAttrs()...)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	cfg.ApplyArgs(args)

	{
		// Validated by config.Load, so the error path is unreachable.
		level, _ := config.ParseLogLevel(cfg.LogLevel)
		logger = config.NewLogger(stdout, level, cfg.LogFormat)
	}
	logger = logger.With("thing", cfg.Device.ThingName)

	if !cfg.Bus.Configured() {
		return fmt.Errorf("bus not configured: broker, request topic and response topic are required")
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.Bus.Broker,
		"request_topic", cfg.Bus.RequestTopic,
		"response_topic", cfg.Bus.ResponseTopic,
		"bucket", cfg.Device.Bucket,
		"driver", cfg.Keypad.Driver,
	)

	instanceID, err := mqtt.LoadOrCreateInstanceID(cfg.DataDir)
	if err != nil {
		return err
	}
	logger.Debug("instance id loaded", "instance_id", instanceID)

	// --- Keypad ---
	var driver keypad.Driver
	switch cfg.Keypad.Driver {
	case "none":
		driver = keypad.Null{}
	default:
		driver = keypad.NewConsole(stdin, logger.With("component", "keypad"))
	}
	indicator := keypad.NewIndicator(driver)

	// The machine lights the keypad on every accepted transition, under
	// its lock, so the colour on the keys never disagrees with the
	// status being published.
	machine := status.NewMachine(indicator.SetIndicator)

	// --- Bus and responder ---
	bus := mqtt.New(cfg.Bus, instanceID, cfg.Device.DisplayName, logger.With("component", "mqtt"))

	resp, err := responder.New(responder.Config{
		Machine:       machine,
		Publisher:     bus,
		ResponseTopic: cfg.Bus.ResponseTopic,
		Logger:        logger.With("component", "responder"),
	})
	if err != nil {
		return err
	}
	bus.SetRequestHandler(resp.OnInboundRequest)

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := bus.Start(ctx); err != nil {
		return fmt.Errorf("start message bus: %w", err)
	}
	defer func() {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer stopCancel()
		if err := bus.Stop(stopCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}()

	indicator.SetIndicator(machine.Current())
	refreshDone := keypad.NewRefresher(indicator, cfg.Keypad.RefreshHz, nil, logger.With("component", "refresher")).Start(ctx)

	// Re-announce the current status whenever the broker link comes
	// back, so subscribers that missed a change catch up.
	link := connwatch.Watch(ctx, connwatch.Config{
		Name: "mqtt",
		Probe: func(pCtx context.Context) error {
			return bus.AwaitConnection(pCtx)
		},
		Backoff: connwatch.DefaultBackoff(),
		OnUp: func(upCtx context.Context) {
			if err := resp.PublishStatus(upCtx); err != nil {
				logger.Warn("status announce failed", "error", err)
			}
		},
		OnDown: func(err error) {
			logger.Warn("broker link lost, responses are queued", "error", err)
		},
		Logger: logger.With("component", "connwatch"),
	})
	defer link.Stop()

	go func() {
		if err := driver.Run(ctx, resp.OnButtonEvent); err != nil {
			logger.Error("keypad driver stopped", "error", err)
			return
		}
		if ctx.Err() == nil {
			logger.Info("keypad input closed, still answering status queries")
		}
	}()

	logger.Info("keypresence running", "status", machine.Current().String())

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-bus.Fatal():
		runErr = err
		cancel()
	}

	<-refreshDone
	if runErr != nil {
		logger.Error("keypresence stopped", "error", runErr)
		return runErr
	}
	logger.Info("keypresence stopped")
	return nil
}

// loadConfig locates and parses the YAML configuration file. If
// explicit is non-empty, that exact path is used (and must exist).
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
