package api

import (
	"log"
	"net"
	"net/http"
	"net/http/pprof"
	"os"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"weight-atlas/internal/config"
)

// DebugMux serves pprof, Prometheus metrics and a health check.
func DebugMux() *http.ServeMux {
	mux := http.NewServeMux()

	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	mux.Handle("/metrics", promhttp.Handler())

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	return mux
}

// debugAddr forces addr onto the loopback interface unless
// ALLOW_DEBUG_EXTERNAL=true.
func debugAddr(addr string) string {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		port = "6060"
	}
	if err == nil && (host == "127.0.0.1" || host == "localhost" || host == "::1") {
		return addr
	}
	if os.Getenv("ALLOW_DEBUG_EXTERNAL") == "true" && err == nil {
		return addr
	}
	log.Println("⚠️ Debug server forced to localhost for security")
	return net.JoinHostPort("127.0.0.1", port)
}

// StartDebugServer starts the pprof/metrics server in the background.
// It never listens on a public interface unless explicitly allowed.
func StartDebugServer(cfg config.DebugConfig) {
	if !cfg.Enabled {
		log.Println("📊 Debug server disabled")
		return
	}
	addr := debugAddr(cfg.ListenAddr)

	go func() {
		log.Printf("📊 Debug server starting on %s", addr)
		log.Printf("   - pprof:   http://%s/debug/pprof/", addr)
		log.Printf("   - metrics: http://%s/metrics", addr)

		if err := http.ListenAndServe(addr, DebugMux()); err != nil {
			log.Printf("⚠️ Debug server error: %v", err)
		}
	}()
}
