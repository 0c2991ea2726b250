package linkmesh

import (
	"context"
	"encoding/json"
	"expvar"
	"log/slog"
	"net"
	"net/http"
	"net/http/pprof"
	"time"
)

// AdminServer exposes operational endpoints for a NetworkEndpoint over
// HTTP. All responses are JSON. Intended for admin/internal networks
// only — it carries no authentication of its own.
//
// Adapted from the teacher's AdminServer (admin_server.go), generalized
// from cluster/actor introspection endpoints to this spec's remote and
// connection introspection; the embedded dashboard/SPA handler is
// dropped (spec Non-goals exclude any UI surface, and no web/ assets
// ship in this module).
type AdminServer struct {
	ep       *NetworkEndpoint
	metrics  *Metrics
	server   *http.Server
	listener net.Listener
}

// NewAdminServer creates an AdminServer bound to addr. The server is
// not started until Start() is called.
func NewAdminServer(addr string, ep *NetworkEndpoint, metrics *Metrics) *AdminServer {
	mux := http.NewServeMux()
	as := &AdminServer{
		ep:      ep,
		metrics: metrics,
		server: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
		},
	}

	mux.HandleFunc("/remotes", as.handleRemotes)
	mux.HandleFunc("/connections", as.handleConnections)
	mux.HandleFunc("/debug/vars", expvar.Handler().ServeHTTP)
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)

	return as
}

// Start begins serving HTTP requests. Non-blocking; binds its listener
// lazily so construction never fails even if the port isn't free yet
// at NewAdminServer time (a goroutine retrying a build-time bind would
// be over-engineering for an admin-only debug surface).
func (as *AdminServer) Start() {
	ln, err := net.Listen("tcp", as.server.Addr)
	if err != nil {
		slog.Error("linkmesh: admin server failed to bind", "addr", as.server.Addr, "error", err)
		return
	}
	as.listener = ln
	go func() {
		if err := as.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("linkmesh: admin server error", "error", err)
		}
	}()
	slog.Info("linkmesh: admin server started", "addr", ln.Addr())
}

// Addr returns the listener's bound address, or "" if Start hasn't
// successfully bound yet.
func (as *AdminServer) Addr() string {
	if as.listener == nil {
		return ""
	}
	return as.listener.Addr().String()
}

// Stop gracefully shuts the admin server down.
func (as *AdminServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_ = as.server.Shutdown(ctx)
}

// --- handlers ---

type remoteEntry struct {
	ID               string `json:"id"`
	StreamEndpoint   string `json:"stream_endpoint"`
	DatagramEndpoint string `json:"datagram_endpoint"`
}

type remotesResponse struct {
	Remotes []remoteEntry `json:"remotes"`
}

func (as *AdminServer) handleRemotes(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	snap := as.ep.remotes.Snapshot()
	entries := make([]remoteEntry, len(snap))
	for i, rem := range snap {
		entries[i] = remoteEntry{
			ID:               rem.ID.String(),
			StreamEndpoint:   rem.StreamEndpoint.String(),
			DatagramEndpoint: rem.DatagramEndpoint.String(),
		}
	}

	writeJSON(w, remotesResponse{Remotes: entries})
}

type connectionEntry struct {
	RemoteID       string `json:"remote_id"`
	SharedDatagram bool   `json:"shared_datagram"`
	Closed         bool   `json:"closed"`
}

type connectionsResponse struct {
	Connections []connectionEntry `json:"connections"`
	Metrics     map[string]int64  `json:"metrics"`
}

func (as *AdminServer) handleConnections(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	as.ep.mu.RLock()
	entries := make([]connectionEntry, 0, len(as.ep.connections))
	for _, c := range as.ep.connections {
		entries = append(entries, connectionEntry{
			RemoteID:       c.Remote.ID.String(),
			SharedDatagram: c.sharedDatagram,
			Closed:         c.Closed(),
		})
	}
	as.ep.mu.RUnlock()

	writeJSON(w, connectionsResponse{
		Connections: entries,
		Metrics:     as.metrics.Snapshot(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("linkmesh: admin json encode error", "error", err)
	}
}
