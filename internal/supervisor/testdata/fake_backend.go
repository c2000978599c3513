// fake_backend stands in for llama-server in supervisor tests: it accepts
// the same flags the supervisor passes and answers /health once ready.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"
)

func main() {
	var model string
	var host string
	var port string
	var readyDelay time.Duration
	var exitBeforeReady bool
	flag.StringVar(&model, "model", "", "model path")
	flag.StringVar(&host, "host", "127.0.0.1", "host")
	flag.StringVar(&port, "port", "0", "port")
	flag.DurationVar(&readyDelay, "ready-delay", 0, "delay before serving /health")
	flag.BoolVar(&exitBeforeReady, "exit-before-ready", false, "exit immediately instead of serving")
	flag.Parse()

	if exitBeforeReady {
		fmt.Fprintln(os.Stderr, "fake_backend: simulated early exit")
		os.Exit(1)
	}

	if readyDelay > 0 {
		time.Sleep(readyDelay)
	}

	addr := fmt.Sprintf("%s:%s", host, port)
	mux := http.NewServeMux()
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	srv := &http.Server{Addr: addr, Handler: mux}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	<-sigCh
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = srv.Shutdown(ctx)
}
