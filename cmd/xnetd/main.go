// Command xnetd runs a single TCP echo reactor alongside a log reactor,
// exposing Prometheus metrics over HTTP.
//
// Run with: go run ./cmd/xnetd -listen 127.0.0.1:9000 -metrics 127.0.0.1:9100
package main

import (
	"context"
	"flag"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/joeycumines/logiface"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lzb991435344/xnet"
)

func main() {
	listenAddr := flag.String("listen", "127.0.0.1:9000", "address to echo-listen on")
	metricsAddr := flag.String("metrics", "127.0.0.1:9100", "address to serve /metrics on")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	logger := xnet.NewDefaultLogger(os.Stdout, logiface.LevelInformational)

	logReactor, err := xnet.NewLogReactor(logger)
	if err != nil {
		log.Fatalf("xnetd: create log reactor: %v", err)
	}

	reg := prometheus.NewRegistry()
	metrics, err := xnet.NewMetrics(reg, "echo")
	if err != nil {
		log.Fatalf("xnetd: register metrics: %v", err)
	}

	echo, err := xnet.New(
		xnet.WithLogger(logger),
		xnet.WithMetrics(metrics),
		xnet.WithCallbacks(xnet.Callbacks{
			OnListen: func(r *xnet.Reactor, listenSlot, acceptedSlot int32, peer xnet.Addr) {
				_ = xnet.Log(r, logReactor, []byte("accepted "+peer.String()))
			},
			OnRecv: func(r *xnet.Reactor, slot int32, buf []byte, from xnet.Addr) bool {
				echoed := append([]byte(nil), buf...)
				if err := r.SendTCP(slot, echoed); err != nil {
					_ = xnet.Log(r, logReactor, []byte("echo failed: "+err.Error()))
				}
				return false
			},
			OnError: func(r *xnet.Reactor, slot int32, what xnet.ErrorWhat, err error) {
				_ = xnet.Log(r, logReactor, []byte("slot closed"))
			},
		}),
	)
	if err != nil {
		log.Fatalf("xnetd: create reactor: %v", err)
	}

	host, portStr, err := net.SplitHostPort(*listenAddr)
	if err != nil {
		log.Fatalf("xnetd: invalid listen address %s: %v", *listenAddr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		log.Fatalf("xnetd: invalid listen port %s: %v", portStr, err)
	}
	addr, err := xnet.ResolveAddr(host, port)
	if err != nil {
		log.Fatalf("xnetd: resolve %s: %v", *listenAddr, err)
	}

	go func() {
		if err := xnet.RunLogReactor(ctx, logReactor); err != nil {
			log.Printf("xnetd: log reactor exited: %v", err)
		}
	}()

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: *metricsAddr, Handler: mux}
		go func() {
			<-ctx.Done()
			_ = srv.Close()
		}()
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Printf("xnetd: metrics server: %v", err)
		}
	}()

	// ListenTCP only works from the reactor's own goroutine, so bootstrap
	// the listener via the async, pipe-based path instead.
	if err := echo.AsyncListenTCP(addr, 128); err != nil {
		log.Fatalf("xnetd: queue listen: %v", err)
	}

	if err := echo.Run(ctx); err != nil {
		log.Fatalf("xnetd: reactor exited: %v", err)
	}
	_ = logReactor.Shutdown(context.Background())
}
