package bridge

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"batcom/engine"
)

// Server carries the named-function RPC surface the host invokes, plus a
// websocket lane for streamed snapshots, a metrics endpoint and a health
// endpoint.
type Server struct {
	mu      sync.Mutex
	eng     *engine.Engine
	baseCfg engine.Config

	upgrader websocket.Upgrader
}

// NewServer creates an unserved bridge; the host's first call must be init.
// baseCfg supplies defaults the init record overrides.
func NewServer(baseCfg engine.Config) *Server {
	return &Server{
		baseCfg:  baseCfg,
		upgrader: websocket.Upgrader{ReadBufferSize: 1 << 16, WriteBufferSize: 1 << 12},
	}
}

// NewServerWithEngine wraps an already-initialized engine (CLI mode).
func NewServerWithEngine(eng *engine.Engine, baseCfg engine.Config) *Server {
	s := NewServer(baseCfg)
	s.eng = eng
	return s
}

// Router builds the HTTP surface.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.HandleFunc("/rpc/{fn}", s.handleRPC).Methods(http.MethodPost)
	r.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/metrics", s.handleMetrics).Methods(http.MethodGet)
	return r
}

func (s *Server) engineRef() *engine.Engine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.eng
}

func (s *Server) handleRPC(w http.ResponseWriter, r *http.Request) {
	fn := mux.Vars(r)["fn"]
	body, err := io.ReadAll(io.LimitReader(r.Body, 32<<20))
	if err != nil {
		writeError(w, fmt.Errorf("read body: %w", err))
		return
	}
	raw, err := DecodePairs(body)
	if err != nil {
		writeError(w, err)
		return
	}
	result, err := s.dispatch(r.Context(), fn, raw)
	if err != nil {
		writeError(w, err)
		return
	}
	writeOK(w, result)
}

// dispatch maps a named function onto the engine. Every path returns either
// a payload or an error; nothing panics across the bridge.
func (s *Server) dispatch(ctx context.Context, fn string, raw any) (Pairs, error) {
	switch fn {
	case "init":
		return s.rpcInit(raw)
	case "shutdown":
		return s.rpcShutdown()
	case "is_initialized":
		eng := s.engineRef()
		return Pairs{{Key: "initialized", Value: eng != nil && eng.Initialized()}}, nil
	}

	eng := s.engineRef()
	if eng == nil || !eng.Initialized() {
		return nil, fmt.Errorf("engine not initialized")
	}
	switch fn {
	case "world_snapshot":
		if err := eng.IngestSnapshot(raw); err != nil {
			return nil, err
		}
		return nil, nil
	case "get_pending_commands":
		cmds := eng.PendingCommands()
		wire := make([]any, 0, len(cmds))
		for _, cmd := range cmds {
			data, err := json.Marshal(cmd)
			if err != nil {
				continue
			}
			var m map[string]any
			if err := json.Unmarshal(data, &m); err != nil {
				continue
			}
			wire = append(wire, MapToPairs(m))
		}
		return Pairs{{Key: "commands", Value: wire}}, nil
	case "admin_command":
		params := PairsToMap(raw)
		name, _ := params["name"].(string)
		if name == "" {
			return nil, fmt.Errorf("admin_command requires a name")
		}
		flag, _ := params["flag"].(bool)
		sub, _ := params["params"].(map[string]any)
		result, err := eng.Admin(name, sub, flag)
		if err != nil {
			return nil, err
		}
		return MapToPairs(result), nil
	case "test_connection":
		callCtx, cancel := context.WithTimeout(ctx, 35*time.Second)
		defer cancel()
		model, greeting, err := eng.TestConnection(callCtx)
		if err != nil {
			return nil, err
		}
		return Pairs{{Key: "model", Value: model}, {Key: "greeting", Value: greeting}}, nil
	case "get_token_stats":
		st := eng.TokenStats()
		data, err := json.Marshal(st)
		if err != nil {
			return nil, err
		}
		var m map[string]any
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, err
		}
		out := Pairs{{Key: "stats", Value: MapToPairs(m)}}
		if breaker := eng.Snapshot().BreakerState; breaker != "" {
			out = append(out, Pair{Key: "breaker_state", Value: breaker})
		}
		return out, nil
	}
	return nil, fmt.Errorf("unknown function %q", fn)
}

func (s *Server) rpcInit(raw any) (Pairs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng != nil && s.eng.Initialized() {
		return Pairs{{Key: "version", Value: engine.Version}}, nil
	}
	cfg := s.baseCfg
	if m := PairsToMap(raw); len(m) > 0 {
		data, err := json.Marshal(m)
		if err != nil {
			return nil, fmt.Errorf("encode init config: %w", err)
		}
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("decode init config: %w", err)
		}
	}
	eng, err := engine.New(cfg)
	if err != nil {
		return nil, err
	}
	s.eng = eng
	return Pairs{{Key: "version", Value: engine.Version}}, nil
}

func (s *Server) rpcShutdown() (Pairs, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.eng != nil {
		if err := s.eng.Stop(); err != nil {
			return nil, err
		}
		s.eng = nil
	}
	return nil, nil
}

// handleWS accepts a websocket on which the host streams world_snapshot
// frames; each frame is acknowledged with a status pair list.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer func() { _ = conn.Close() }()
	for {
		_, frame, err := conn.ReadMessage()
		if err != nil {
			return
		}
		resp := s.wsIngest(frame)
		if err := conn.WriteJSON(resp); err != nil {
			return
		}
	}
}

func (s *Server) wsIngest(frame []byte) Pairs {
	eng := s.engineRef()
	if eng == nil || !eng.Initialized() {
		return statusError(fmt.Errorf("engine not initialized"))
	}
	raw, err := DecodePairs(frame)
	if err != nil {
		return statusError(err)
	}
	if err := eng.IngestSnapshot(raw); err != nil {
		return statusError(err)
	}
	return Pairs{{Key: "status", Value: "ok"}}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	eng := s.engineRef()
	if eng == nil {
		http.Error(w, `{"overall":"unknown"}`, http.StatusServiceUnavailable)
		return
	}
	snap := eng.HealthSnapshot(r.Context())
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(snap)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	eng := s.engineRef()
	if eng == nil {
		http.NotFound(w, r)
		return
	}
	h := eng.MetricsHandler()
	if h == nil {
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}

func statusError(err error) Pairs {
	return Pairs{{Key: "status", Value: "error"}, {Key: "error", Value: err.Error()}}
}

func writeOK(w http.ResponseWriter, extra Pairs) {
	out := append(Pairs{{Key: "status", Value: "ok"}}, extra...)
	w.Header().Set("Content-Type", "application/json")
	data, err := json.Marshal(out)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	data, merr := json.Marshal(statusError(err))
	if merr != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	_, _ = w.Write(data)
}
