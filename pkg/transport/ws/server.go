// Package ws serves the OBO stream over WebSocket. Each client gets a bus
// subscription pumped as binary frames; replay and snapshot-on-connect are
// selected with query parameters (?from_seq=N&snapshot=1&instruments=1,2).
// A client that cannot keep up is detached by the bus and its connection
// closed; the producer never waits.
package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/luxfi/log"

	"github.com/Numi2/Numi-orderbook/pkg/bus"
	"github.com/Numi2/Numi-orderbook/pkg/instruments"
	"github.com/Numi2/Numi-orderbook/pkg/metrics"
)

const (
	writeTimeout = 10 * time.Second
	pongTimeout  = 60 * time.Second
	pingPeriod   = 54 * time.Second // must be less than pongTimeout
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 64 * 1024,
	CheckOrigin: func(r *http.Request) bool {
		// The feed is an internal service; origin policy belongs to the edge.
		return true
	},
}

// Server is one WebSocket listener over the bus.
type Server struct {
	bind   string
	bus    *bus.Bus
	reg    *instruments.Registry
	met    *metrics.Metrics
	logger log.Logger
}

// NewServer builds a listener bound to bind. reg may be nil when no
// reference data is configured.
func NewServer(bind string, b *bus.Bus, reg *instruments.Registry, met *metrics.Metrics, logger log.Logger) *Server {
	return &Server{bind: bind, bus: b, reg: reg, met: met, logger: logger}
}

// Run serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/instruments", s.handleInstruments)

	server := &http.Server{
		Addr:        s.bind,
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	s.logger.Info("ws listening", "bind", s.bind)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("ws server: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":"healthy","subscribers":%d}`, s.bus.Subscribers())
}

// instrumentInfo is the reference-data view served to clients; prices on the
// wire are scaled ints, so clients need the tick size and scale to display
// them.
type instrumentInfo struct {
	ID         uint64 `json:"id"`
	Symbol     string `json:"symbol"`
	TickSize   string `json:"tick_size"`
	PriceScale int32  `json:"price_scale"`
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if s.reg == nil {
		w.Write([]byte("[]"))
		return
	}
	list := make([]instrumentInfo, 0, s.reg.Len())
	s.reg.Each(func(in instruments.Instrument) {
		list = append(list, instrumentInfo{
			ID:         in.ID,
			Symbol:     in.Symbol,
			TickSize:   in.TickSize.String(),
			PriceScale: in.PriceScale,
		})
	})
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	json.NewEncoder(w).Encode(list)
}

// parseQuery extracts the subscription options from the request URL.
func parseQuery(r *http.Request) bus.SubscribeOptions {
	q := r.URL.Query()
	opts := bus.SubscribeOptions{}
	if v := q.Get("from_seq"); v != "" {
		if n, err := strconv.ParseUint(v, 10, 64); err == nil {
			opts.FromSeq = &n
		}
	}
	if v := q.Get("snapshot"); v == "1" || v == "true" {
		opts.Snapshot = true
	}
	if v := q.Get("instruments"); v != "" {
		set := make(map[uint64]struct{})
		for _, part := range strings.Split(v, ",") {
			if id, err := strconv.ParseUint(strings.TrimSpace(part), 10, 64); err == nil {
				set[id] = struct{}{}
			}
		}
		if len(set) > 0 {
			opts.Instruments = set
		}
	}
	return opts
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error("ws upgrade failed", "error", err)
		return
	}

	sub := s.bus.Subscribe(parseQuery(r))
	s.met.WsClients.Inc()
	s.logger.Debug("ws client connected", "remote", conn.RemoteAddr().String())

	go s.writePump(conn, sub)
	go s.readPump(conn, sub)
}

// writePump drains the subscription into the socket with a keepalive ping.
func (s *Server) writePump(conn *websocket.Conn, sub *bus.Subscription) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
		s.met.WsClients.Dec()
	}()

	for {
		select {
		case frame, ok := <-sub.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				// Dropped by the bus for falling behind, or shutting down.
				conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "slow consumer"))
				return
			}
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				sub.Close()
				return
			}
			// Drain whatever queued up behind this frame.
			n := len(sub.C)
			for i := 0; i < n; i++ {
				frame, ok := <-sub.C
				if !ok {
					return
				}
				if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
					sub.Close()
					return
				}
			}

		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				sub.Close()
				return
			}
		}
	}
}

// readPump consumes control frames and detects disconnects; clients send no
// data on this stream.
func (s *Server) readPump(conn *websocket.Conn, sub *bus.Subscription) {
	defer func() {
		sub.Close()
		conn.Close()
	}()
	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(pongTimeout))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				s.logger.Debug("ws read error", "error", err)
			}
			return
		}
	}
}
