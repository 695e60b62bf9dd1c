// propwatch demonstrates the property cache by opening Handles on the
// targets named on the command line or in a config file, and printing every
// notification to stdout.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/lmittmann/tint"

	propcache "github.com/nikicat/dbuspropcache"
	"github.com/nikicat/dbuspropcache/internal/config"
	"github.com/nikicat/dbuspropcache/internal/logging"
	"github.com/nikicat/dbuspropcache/internal/monitor"
)

var progName = "propwatch"

func main() {
	fs := flag.NewFlagSet(progName, flag.ExitOnError)
	configPath := fs.String("config", "", "Path to config file (default: $XDG_CONFIG_HOME/propwatch/config.yaml)")
	service := fs.String("service", "", "D-Bus service name to watch")
	path := fs.String("path", "", "D-Bus object path to watch")
	iface := fs.String("interface", "", "D-Bus interface name to watch")
	logLevel := fs.String("log-level", "info", "Log level: debug, info, warn, error")
	logFormat := fs.String("log-format", "text", "Log format: text (colored) or json")
	listenAddr := fs.String("listen", "", "Monitor WebSocket listen address (empty disables it)")
	fs.Parse(os.Args[1:])

	cfgPath := *configPath
	if cfgPath == "" {
		cfgPath = config.DefaultPath()
	}
	cfg, err := config.Load(cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	set := setFlags(fs)
	if !set["log-level"] && cfg.LogLevel != "" {
		*logLevel = cfg.LogLevel
	}
	if !set["log-format"] && cfg.LogFormat != "" {
		*logFormat = cfg.LogFormat
	}
	if !set["listen"] && cfg.Listen != "" {
		*listenAddr = cfg.Listen
	}

	var cliWatch config.Watch
	hasCLIWatch := *service != "" || *path != "" || *iface != ""
	if hasCLIWatch {
		cliWatch = config.Watch{Service: *service, Path: *path, Interface: *iface}
	}
	if len(cfg.Watches) == 0 && !hasCLIWatch {
		fmt.Fprintln(os.Stderr, "error: no targets to watch; pass --service/--path/--interface or a config file")
		os.Exit(1)
	}

	if cfg.ShutdownTimeout != 0 {
		propcache.SetWorkerShutdownTimeout(time.Duration(cfg.ShutdownTimeout))
	}
	if cfg.OwnerAppearedRetryDelay != 0 {
		propcache.SetOwnerAppearedRetryDelay(time.Duration(cfg.OwnerAppearedRetryDelay))
	}

	level := parseLogLevel(*logLevel)
	var handler slog.Handler
	switch *logFormat {
	case "json":
		handler = slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	default:
		handler = tint.NewHandler(os.Stderr, &tint.Options{Level: level, TimeFormat: time.TimeOnly})
	}
	slog.SetDefault(slog.New(handler))
	logging.SetDefault(logging.NewWithHandler(handler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	var mon *monitor.Handler
	if *listenAddr != "" {
		mon = monitor.NewHandler()
		srv := &http.Server{Addr: *listenAddr, Handler: mon}
		go func() {
			if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				slog.Error("monitor server failed", "error", err)
			}
		}()
		go func() {
			<-ctx.Done()
			srv.Close()
		}()
	}

	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: connecting to session bus: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close()

	// loop.Run must execute on the same goroutine that creates Handles bound
	// to it, so setup is posted as a task and only runs once Run starts
	// draining the queue; this goroutine (main) becomes the loop's affine
	// goroutine for the lifetime of the process.
	loop := propcache.NewLoop()
	var handles []*propcache.Handle
	watchHandles := map[config.Watch]*propcache.Handle{}
	loop.Post(func() {
		applyWatches(loop, conn, mon, watchHandles, cfg.Watches)
		if hasCLIWatch {
			target := propcache.NewTarget(conn, cliWatch.Service, dbus.ObjectPath(cliWatch.Path), cliWatch.Interface)
			h := propcache.New(loop, target)
			installWatchLogging(h, target, mon)
			handles = append(handles, h)
		}
	})

	// A config.Watcher reloads the watch-target list whenever the config
	// file changes; cliWatch is outside its reach since it didn't come from
	// the file. Its absence (e.g. the config directory doesn't exist yet) is
	// not fatal: hot-reload is simply unavailable for this run.
	var watcher *config.Watcher
	if w, err := config.NewWatcher(cfgPath); err != nil {
		slog.Warn("config hot-reload disabled", "path", cfgPath, "error", err)
	} else {
		watcher = w
		watcher.OnReload = func(newCfg *config.Config) {
			loop.Post(func() { applyWatches(loop, conn, mon, watchHandles, newCfg.Watches) })
		}
		go func() {
			if err := watcher.Run(ctx); err != nil && err != context.Canceled {
				slog.Error("config watcher stopped", "error", err)
			}
		}()
	}

	go func() {
		<-ctx.Done()
		if watcher != nil {
			watcher.Close()
		}
		loop.Post(func() {
			for _, h := range handles {
				h.Close()
			}
			for _, h := range watchHandles {
				h.Close()
			}
		})
		time.Sleep(100 * time.Millisecond) // let Close() post drain before teardown
		loop.Close()
		propcache.ShutdownWorker()
	}()

	loop.Run()
}

// applyWatches reconciles watchHandles — the set of Handles opened for
// config-file-derived watches — against desired, closing Handles for
// targets no longer in the config and opening Handles for newly added ones.
// Must run on loop's own goroutine.
func applyWatches(loop *propcache.Loop, conn *dbus.Conn, mon *monitor.Handler, watchHandles map[config.Watch]*propcache.Handle, desired []config.Watch) {
	want := make(map[config.Watch]bool, len(desired))
	for _, w := range desired {
		want[w] = true
		if _, ok := watchHandles[w]; ok {
			continue
		}
		target := propcache.NewTarget(conn, w.Service, dbus.ObjectPath(w.Path), w.Interface)
		h := propcache.New(loop, target)
		installWatchLogging(h, target, mon)
		watchHandles[w] = h
		slog.Info("watch added", "target", target.String())
	}
	for w, h := range watchHandles {
		if want[w] {
			continue
		}
		h.Close()
		delete(watchHandles, w)
		slog.Info("watch removed", "service", w.Service, "path", w.Path, "interface", w.Interface)
	}
}

func installWatchLogging(h *propcache.Handle, target propcache.Target, mon *monitor.Handler) {
	targetLabel := target.String()

	h.OnAvailableChanged = func(available bool) {
		slog.Info("available changed", "target", targetLabel, "available", available)
		if mon != nil {
			a := available
			mon.Broadcast(monitor.Event{Type: "available_changed", Target: targetLabel, Available: &a})
		}
	}
	h.OnErrorChanged = func(err *propcache.Error) {
		msg := ""
		if err != nil {
			msg = err.Error()
		}
		slog.Info("error changed", "target", targetLabel, "error", msg)
		if mon != nil {
			mon.Broadcast(monitor.Event{Type: "error_changed", Target: targetLabel, Error: msg})
		}
	}
	h.OnPropertiesReset = func(properties map[string]dbus.Variant) {
		slog.Info("properties reset", "target", targetLabel, "count", len(properties))
		if mon != nil {
			mon.Broadcast(monitor.Event{Type: "properties_reset", Target: targetLabel})
		}
	}
	h.OnPropertyChanged = func(key string, value dbus.Variant) {
		slog.Info("property changed", "target", targetLabel, "key", key, "value", value.Value())
		if mon != nil {
			mon.Broadcast(monitor.Event{Type: "property_changed", Target: targetLabel, Key: key, Value: value.Value()})
		}
	}
	h.OnReady = func() {
		slog.Info("ready", "target", targetLabel)
		if mon != nil {
			mon.Broadcast(monitor.Event{Type: "ready", Target: targetLabel})
		}
	}
	h.OnLost = func() {
		slog.Info("lost", "target", targetLabel)
		if mon != nil {
			mon.Broadcast(monitor.Event{Type: "lost", Target: targetLabel})
		}
	}
}

func parseLogLevel(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// setFlags returns the set of flag names that were explicitly provided on
// the command line.
func setFlags(fs *flag.FlagSet) map[string]bool {
	set := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { set[f.Name] = true })
	return set
}
