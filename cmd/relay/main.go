// Command relay runs one UDP relay node: it binds the shared
// SO_REUSEPORT socket, registers with the backend, then fans packets
// out to a pool of dispatcher goroutines alongside the pinger and
// backend-update loops, until signalled to stop (spec.md §5/§6).
package main

import (
	"context"
	"encoding/base64"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/kestrelnet/relay/internal/addr"
	"github.com/kestrelnet/relay/internal/backend"
	"github.com/kestrelnet/relay/internal/config"
	"github.com/kestrelnet/relay/internal/dispatch"
	"github.com/kestrelnet/relay/internal/metrics"
	"github.com/kestrelnet/relay/internal/pinger"
	"github.com/kestrelnet/relay/internal/relaymgr"
	"github.com/kestrelnet/relay/internal/router"
	"github.com/kestrelnet/relay/internal/session"
	"github.com/kestrelnet/relay/internal/socket"
)

// Exit codes from spec.md §6.
const (
	exitSuccess    = 0
	exitInitFail   = 1
	exitRuntimeErr = 2
)

func main() {
	os.Exit(run())
}

func run() int {
	logger := logrus.New()

	cfg, err := config.Load(config.Getenv)
	if err != nil {
		logger.WithError(err).Error("relay: configuration")
		return exitInitFail
	}

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			logger.WithError(err).Error("relay: log file")
			return exitInitFail
		}
		defer f.Close()
		logger.SetOutput(f)
	}

	bindHost, bindPort, err := net.SplitHostPort(cfg.RelayAddress)
	if err != nil {
		logger.WithError(err).Error("relay: RELAY_ADDRESS")
		return exitInitFail
	}
	udpAddr, err := net.ResolveUDPAddr("udp", net.JoinHostPort(bindHost, bindPort))
	if err != nil {
		logger.WithError(err).Error("relay: RELAY_ADDRESS")
		return exitInitFail
	}
	bindAddr := addr.FromUDP(udpAddr)

	sock, err := socket.Listen(cfg.RelayAddress)
	if err != nil {
		logger.WithError(err).Error("relay: socket bind")
		return exitInitFail
	}
	defer sock.Close()

	reg := prometheus.NewRegistry()
	recorder := metrics.NewRecorder(reg)

	httpClient := &http.Client{Timeout: backend.RequestTimeout}
	backendClient := backend.NewClient(cfg.BackendHostname, httpClient)

	initCtx, cancelInit := context.WithTimeout(context.Background(), backend.RequestTimeout)
	_, timestampSeconds, err := backendClient.Init(initCtx, cfg.RelayAddress, &cfg.RelayPrivateKey, &cfg.RouterPublicKey)
	cancelInit()
	if err != nil {
		logger.WithError(err).Error("relay: backend init")
		return exitInitFail
	}

	sessions := session.NewMap()
	relays := relaymgr.NewManager()
	routerStore := router.NewStore(timestampSeconds)

	d := dispatch.New(dispatch.Config{
		Sessions:        sessions,
		Relays:          relays,
		Router:          routerStore,
		Recorder:        recorder,
		Logger:          logger,
		Sender:          sock,
		BindAddr:        bindAddr,
		RelayPrivateKey: &cfg.RelayPrivateKey,
		RouterPublicKey: &cfg.RouterPublicKey,
	})

	p := pinger.New(pinger.Config{
		Relays:   relays,
		Router:   routerStore,
		Socket:   sock,
		Recorder: recorder,
		Logger:   logger,
		BindAddr: bindAddr,
	})

	backendRunner := backend.NewRunner(backend.RunnerConfig{
		Client:          backendClient,
		Router:          routerStore,
		Sessions:        sessions,
		Relays:          relays,
		Recorder:        recorder,
		Logger:          logger,
		RelayAddress:    cfg.RelayAddress,
		PublicKeyBase64: publicKeyBase64(cfg),
	})

	var metricsServer *http.Server
	if cfg.MetricsAddress != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: cfg.MetricsAddress, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.WithError(err).Warn("relay: metrics server stopped")
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	go func() {
		for sig := range sigCh {
			switch sig {
			case syscall.SIGINT:
				logger.Warn("relay: SIGINT, stopping immediately")
				cancel()
				return
			case syscall.SIGTERM, syscall.SIGHUP:
				logger.Warn("relay: clean shutdown requested")
				backendRunner.BeginShutdown()
			}
		}
	}()
	defer signal.Stop(sigCh)

	group, groupCtx := errgroup.WithContext(ctx)
	processorCount := cfg.ProcessorCount

	for i := 0; i < processorCount; i++ {
		group.Go(func() error {
			runDispatcherLoop(groupCtx, sock, d)
			return nil
		})
	}

	group.Go(func() error {
		return p.Run(groupCtx, nowSeconds)
	})

	runtimeErr := make(chan error, 1)
	group.Go(func() error {
		err := backendRunner.Run(groupCtx)
		if err != nil {
			runtimeErr <- err
		}
		// The backend loop is the relay's only natural end condition
		// (exhausted retries, or a clean-shutdown update that succeeded
		// or timed out) — its return, success or failure, is always the
		// signal for dispatcher/pinger goroutines to stop too.
		cancel()
		return nil
	})

	_ = group.Wait()

	if metricsServer != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = metricsServer.Shutdown(shutdownCtx)
		shutdownCancel()
	}

	select {
	case err := <-runtimeErr:
		logger.WithError(err).Error("relay: backend update loop exhausted retries")
		return exitRuntimeErr
	default:
		return exitSuccess
	}
}

// runDispatcherLoop runs one dispatcher goroutine's receive loop over
// the shared socket until ctx is cancelled (spec.md §5: recv is the
// only blocking point, bounded by a 100ms read timeout).
func runDispatcherLoop(ctx context.Context, sock *socket.Socket, d *dispatch.Dispatcher) {
	buf := make([]byte, socket.MaxDatagramSize)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		n, from, err := sock.Recv(buf)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			continue
		}
		d.Handle(nowSeconds(), buf[:n], from)
	}
}

func nowSeconds() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func publicKeyBase64(cfg *config.Config) string {
	return base64.StdEncoding.EncodeToString(cfg.RelayPublicKey[:])
}
