package profiler

import (
	"log"
	"net/http"
	"net/http/pprof"
	"time"
)

// InitialiseProfiler starts a pprof HTTP server on addr in the background.
// Gated behind an explicit operator opt-in (an env var, not a protocol
// flag) since it has no bearing on the wire protocol.
func InitialiseProfiler(addr string) {
	mux := http.NewServeMux()
	go func() {
		server := &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		}

		mux.HandleFunc("/debug/pprof/", pprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

		log.Println("profiler listening on", addr)
		log.Println(server.ListenAndServe())
	}()
}
