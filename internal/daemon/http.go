package daemon

import (
	"encoding/json"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vfxetc/sgcache/internal/sgerr"
)

// wireRequest is the JSON-RPC-shaped body POSTed to /api3/json, mirroring
// the upstream API's own request envelope (spec.md §6.1) so sgcache is a
// drop-in replacement from the client's point of view.
type wireRequest struct {
	Method string          `json:"method_name"`
	Params json.RawMessage `json:"params"`
}

type wireResponse struct {
	Results any    `json:"results,omitempty"`
	sgerr.Body
}

// httpHandler builds the thin net/http mux every spec.md §6.1 client
// talks to: one JSON-RPC endpoint plus health/metrics side-channels,
// grounded on the teacher's internal/rpc/http_server.go mux layout.
func (d *Daemon) httpHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", d.handleHealthz)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/api3/json", d.handleAPI)
	return mux
}

func (d *Daemon) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (d *Daemon) handleAPI(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req wireRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, wireResponse{
			Body: sgerr.Body{Exception: true, ErrorCode: sgerr.CodeInvalidValues, Message: "malformed request body"},
		})
		return
	}

	result, err := d.rt.Handle(r.Context(), req.Method, req.Params)
	if err == nil {
		writeJSON(w, http.StatusOK, wireResponse{Results: result})
		return
	}

	// Passthrough never reaches here with an error the HTTP layer should
	// report: a passthrough is resolved inside the router by forwarding,
	// so its result (or the upstream's own error) already came back
	// through the err==nil path or the client-fault/operational paths
	// below, depending on what upstream.Client.Call returned.
	if cf, ok := sgerr.AsClientFault(err); ok {
		writeJSON(w, http.StatusOK, wireResponse{Body: cf.ToBody()})
		return
	}
	d.log.Error().Err(err).Str("method", req.Method).Msg("request failed")
	writeJSON(w, http.StatusInternalServerError, wireResponse{
		Body: sgerr.Body{Exception: true, ErrorCode: "internal_error", Message: err.Error()},
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
