// Command tio-proxy runs the multiplexing sensor telemetry proxy
// described in spec.md: it dials one or more sensors, listens for native
// and WebSocket clients, and dispatches packets between them, remapping
// RPC ids and routing through a hub when configured.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/twinleaf/tio-proxy/internal/config"
	"github.com/twinleaf/tio-proxy/internal/hub"
	"github.com/twinleaf/tio-proxy/internal/logger"
	"github.com/twinleaf/tio-proxy/internal/proxy"
	"github.com/twinleaf/tio-proxy/internal/rpcremap"
	"github.com/twinleaf/tio-proxy/internal/transport"
	"github.com/twinleaf/tio-proxy/internal/version"
	"github.com/twinleaf/tio-proxy/internal/wsupgrade"
	"github.com/twinleaf/tio-proxy/pkg/container"
	"github.com/twinleaf/tio-proxy/pkg/eventbus"
	"github.com/twinleaf/tio-proxy/pkg/format"
	"github.com/twinleaf/tio-proxy/pkg/nerdstats"
	"github.com/twinleaf/tio-proxy/pkg/profiler"

	"golang.org/x/sync/errgroup"
)

const rpcTimeout = 5 * time.Second // spec.md §4.3 step 4

func main() {
	startTime := time.Now()
	vlog := log.New(log.Writer(), "", 0)

	if len(os.Args) > 1 && os.Args[1] == "--version" {
		version.PrintVersionInfo(true, vlog)
		os.Exit(0)
	}
	version.PrintVersionInfo(false, vlog)

	cfg, err := config.ParseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "tio-proxy: %v\n", err)
		os.Exit(64) // EX_USAGE
	}

	log_, cleanup, err := logger.New(&logger.Config{
		TimeFormat:   cfg.Logging.TimeFormat,
		Microseconds: cfg.Logging.Microseconds,
		Verbose:      cfg.Logging.Verbose,
		LogDir:       cfg.Logging.LogDir,
		MaxSize:      cfg.Logging.MaxSize,
		MaxBackups:   cfg.Logging.MaxBackups,
		MaxAge:       cfg.Logging.MaxAge,
		FileOutput:   cfg.Logging.FileOutput,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "tio-proxy: failed to initialise logger: %v\n", err)
		os.Exit(1)
	}
	defer cleanup()
	slog.SetDefault(log_)

	log_.Info("initialising", "pid", os.Getpid(), "sensors", cfg.Sensors, "containerised", container.IsContainerised())

	if addr := os.Getenv("TIOPROXY_PPROF_ADDR"); addr != "" {
		profiler.InitialiseProfiler(addr)
	}

	events := eventbus.New[proxy.DiagnosticEvent]()
	defer events.Shutdown()
	subscribeDiagnostics(events, log_)

	mode := hub.ModeDirect
	if cfg.Hub.Enabled {
		mode = hub.ModeHub
	}
	router := hub.New(mode, hub.DefaultName, cfg.Hub.ID, len(cfg.Sensors))
	remap := rpcremap.New(cfg.Client.MaxInFlight, rpcTimeout)
	dispatcher := proxy.New(cfg, router, remap, events, log_)

	for _, url := range cfg.Sensors {
		dispatcher.AddSensor(url)
	}

	admitter, err := proxy.NewAdmitter(cfg.Admission)
	if err != nil {
		log_.Error("failed to initialise admission control", "error", err)
		os.Exit(1)
	}

	rootCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	tcpListener, err := listenTCP(cfg.Listen.Port, cfg.Listen.IPv4Only)
	if err != nil {
		log_.Error("failed to bind TCP listener", "error", err)
		os.Exit(1)
	}
	defer tcpListener.Close()

	var wsListener net.Listener
	if cfg.Listen.WebSocketPort != 0 {
		wsListener, err = listenTCP(cfg.Listen.WebSocketPort, cfg.Listen.IPv4Only)
		if err != nil {
			log_.Error("failed to bind WebSocket listener", "error", err)
			os.Exit(1)
		}
		defer wsListener.Close()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log_.Info("shutdown signal received", "signal", sig.String())
		cancel()
	}()

	// errgroup coordinates the dispatcher, both accept loops, and the
	// admission-limiter janitor: a sensor-fatal error from the dispatcher
	// cancels every other goroutine's context, and Wait collects the one
	// error that matters (spec.md §7 propagation policy).
	g, ctx := errgroup.WithContext(rootCtx)

	g.Go(func() error {
		acceptLoop(ctx, tcpListener, dispatcher, admitter, log_, false)
		return nil
	})
	if wsListener != nil {
		g.Go(func() error {
			acceptLoop(ctx, wsListener, dispatcher, admitter, log_, true)
			return nil
		})
	}
	g.Go(func() error {
		admissionCleanupLoop(ctx, admitter, cfg.Admission.CleanupInterval)
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(ctx)
	})

	runErr := g.Wait()

	// spec.md §1 SIGINT: orderly drain of buffered outbound packets.
	time.Sleep(1 * time.Second)

	if runErr != nil {
		log_.Error("tio-proxy exiting due to sensor loss", "error", runErr)
		os.Exit(1)
	}
	reportProcessStats(log_, startTime)
	log_.Info("tio-proxy has shut down")
}

func listenTCP(port int, ipv4Only bool) (net.Listener, error) {
	network := "tcp"
	if ipv4Only {
		network = "tcp4"
	}
	return net.Listen(network, fmt.Sprintf(":%d", port))
}

func acceptLoop(ctx context.Context, ln net.Listener, d *proxy.Dispatcher, admitter *proxy.Admitter, log_ *slog.Logger, webSocket bool) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
				log_.Warn("accept failed", "error", err)
				continue
			}
		}

		if !admitter.Allow(conn.RemoteAddr().String(), time.Now()) {
			log_.Debug("connection refused by admission control", "remote", conn.RemoteAddr())
			_ = conn.Close()
			continue
		}

		if webSocket {
			go acceptWebSocket(conn, d, log_)
			continue
		}
		if !d.AddClient(transport.NewTCP(conn), conn.RemoteAddr().String(), false) {
			_ = conn.Close()
		}
	}
}

// acceptWebSocket performs the handshake synchronously in its own
// goroutine (spec.md §4.6) before handing a fully-framed Transport to the
// dispatcher. Doing the blocking read/write here, rather than threading a
// partial "awaiting-handshake" state through the single dispatcher
// goroutine, keeps the dispatcher's select loop free of anything that can
// block on a slow or hostile peer.
func acceptWebSocket(conn net.Conn, d *proxy.Dispatcher, log_ *slog.Logger) {
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	br := bufio.NewReader(conn)
	buf := make([]byte, 0, 4096)
	tmp := make([]byte, 4096)

	for {
		n, err := br.Read(tmp)
		if err != nil {
			log_.Debug("websocket handshake read failed", "remote", conn.RemoteAddr(), "error", err)
			_ = conn.Close()
			return
		}
		buf = append(buf, tmp[:n]...)

		req, err := wsupgrade.ParseRequest(buf)
		if err == wsupgrade.ErrIncomplete {
			continue
		}
		if err != nil {
			log_.Debug("invalid websocket upgrade request", "remote", conn.RemoteAddr(), "error", err)
			_ = conn.Close()
			return
		}

		if _, err := conn.Write(wsupgrade.Response(req.Key)); err != nil {
			_ = conn.Close()
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		if !d.AddClient(transport.NewWSServer(conn), conn.RemoteAddr().String(), true) {
			_ = conn.Close()
		}
		return
	}
}

func admissionCleanupLoop(ctx context.Context, a *proxy.Admitter, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Cleanup(time.Now(), interval)
		}
	}
}

func subscribeDiagnostics(events *eventbus.EventBus[proxy.DiagnosticEvent], log_ *slog.Logger) {
	ch, _ := events.Subscribe(context.Background())
	go func() {
		for ev := range ch {
			switch e := ev.(type) {
			case proxy.AcceptEvent:
				log_.Info("client accepted", "client", e.Client, "remote", e.RemoteAddr, "websocket", e.WebSocket)
			case proxy.DisconnectEvent:
				log_.Debug("descriptor disconnected", "handle", e.Handle, "role", e.Role.String(), "reason", e.Reason)
			case proxy.RemapEvent:
				log_.Debug("rpc remap", "proxy_id", e.ProxyID, "client", e.Client, "freed", e.Freed)
			case proxy.ReconnectEvent:
				log_.Info("sensor reconnect attempt", "sensor", e.SensorIndex, "url", e.OriginURL, "succeeded", e.Succeeded)
			case proxy.TimeoutEvent:
				log_.Debug("rpc timed out", "client", e.Client, "proxy_id", e.ProxyID)
			case proxy.DropEvent:
				log_.Debug("packet dropped", "reason", e.Reason)
			}
		}
	}()
}

// reportProcessStats logs a one-shot memory/GC/goroutine snapshot after
// clean shutdown (SPEC_FULL.md "Process stats on shutdown"), the same
// report the teacher's main.go always produces.
func reportProcessStats(log_ *slog.Logger, startTime time.Time) {
	runtime.GC()
	stats := nerdstats.Snapshot(startTime)

	log_.Info("process memory stats",
		"heap_alloc", format.Bytes(stats.HeapAlloc),
		"heap_sys", format.Bytes(stats.HeapSys),
		"total_alloc", format.Bytes(stats.TotalAlloc),
		"memory_pressure", stats.GetMemoryPressure(),
	)
	log_.Info("goroutine stats",
		"num_goroutines", stats.NumGoroutines,
		"goroutine_health", stats.GetGoroutineHealthStatus(),
	)
	log_.Info("runtime stats",
		"uptime", format.Duration(stats.Uptime),
		"go_version", stats.GoVersion,
		"num_cpu", stats.NumCPU,
	)
}
