package net

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"boardsync/internal/ephemeral"
	"boardsync/internal/logger"
	"boardsync/internal/metrics"
)

const (
	MsgFrame = "frame"
	MsgClear = "clear"

	sendBuffer   = 256
	writeTimeout = 5 * time.Second
	pongWait     = 60 * time.Second
	pingPeriod   = pongWait * 9 / 10
	maxMessage   = 1 << 20
)

// Message is the wire envelope for ephemeral frames, msgpack encoded in
// binary websocket messages.
type Message struct {
	Type  string          `msgpack:"type"`
	Frame ephemeral.Frame `msgpack:"frame"`
}

func Encode(m Message) ([]byte, error) {
	return msgpack.Marshal(&m)
}

func Decode(data []byte) (Message, error) {
	var m Message
	err := msgpack.Unmarshal(data, &m)
	return m, err
}

// Peer is one websocket connection joined to a document.
type Peer struct {
	conn    *websocket.Conn
	doc     string
	addr    string
	send    chan []byte
	limiter *rate.Limiter
}

// PeerManager tracks the connections of every document and relays frames
// between them.
type PeerManager struct {
	peers map[string]map[*Peer]struct{}
	mu    sync.RWMutex
	log   *zap.Logger
}

func NewPeerManager() *PeerManager {
	return &PeerManager{
		peers: make(map[string]map[*Peer]struct{}),
		log:   logger.Named("relay"),
	}
}

func (pm *PeerManager) Add(p *Peer) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if pm.peers[p.doc] == nil {
		pm.peers[p.doc] = make(map[*Peer]struct{})
	}
	pm.peers[p.doc][p] = struct{}{}
	metrics.RelayConnections.Inc()
	pm.log.Info("peer_joined", zap.String("doc", p.doc), zap.String("addr", p.addr))
}

func (pm *PeerManager) Remove(p *Peer) {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	if _, ok := pm.peers[p.doc][p]; !ok {
		return
	}
	delete(pm.peers[p.doc], p)
	if len(pm.peers[p.doc]) == 0 {
		delete(pm.peers, p.doc)
	}
	close(p.send)
	metrics.RelayConnections.Dec()
	pm.log.Info("peer_left", zap.String("doc", p.doc), zap.String("addr", p.addr))
}

// Count returns the number of peers joined to doc.
func (pm *PeerManager) Count(doc string) int {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return len(pm.peers[doc])
}

// Broadcast queues data for every peer of doc except exclude. A peer whose
// buffer is full misses the frame; ephemeral traffic is lossy anyway.
func (pm *PeerManager) Broadcast(doc string, data []byte, exclude *Peer) {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	for p := range pm.peers[doc] {
		if p == exclude {
			continue
		}
		select {
		case p.send <- data:
		default:
			metrics.FramesDropped.WithLabelValues("relay_backpressure").Inc()
			pm.log.Debug("peer_send_buffer_full", zap.String("addr", p.addr))
		}
	}
}

type RelayConfig struct {
	Address string
	Port    int
	// FrameRate caps inbound frames per second per connection.
	FrameRate float64
	Burst     int
}

// Relay is the websocket fan-out server for ephemeral frames.
type Relay struct {
	cfg      RelayConfig
	peers    *PeerManager
	upgrader websocket.Upgrader
	srv      *http.Server
	log      *zap.Logger

	mu       sync.Mutex
	bytesIn  uint64
	bytesOut uint64
}

func NewRelay(cfg RelayConfig) *Relay {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 120
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 60
	}
	r := &Relay{
		cfg:   cfg,
		peers: NewPeerManager(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		log: logger.Named("relay"),
	}
	r.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", cfg.Address, cfg.Port),
		Handler:           r.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return r
}

func (r *Relay) Peers() *PeerManager { return r.peers }

func (r *Relay) Handler() http.Handler {
	router := mux.NewRouter()
	router.HandleFunc("/ws/{doc}", r.serveWS).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		_, _ = w.Write([]byte("ok\n"))
	}).Methods(http.MethodGet)
	return router
}

func (r *Relay) ListenAndServe() error {
	r.log.Info("relay_listening", zap.String("addr", r.srv.Addr))
	if err := r.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (r *Relay) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	in, out := r.bytesIn, r.bytesOut
	r.mu.Unlock()
	r.log.Info("relay_stopping", zap.String("bytes_in", humanize.Bytes(in)), zap.String("bytes_out", humanize.Bytes(out)))
	return r.srv.Shutdown(ctx)
}

func (r *Relay) count(in, out int) {
	r.mu.Lock()
	r.bytesIn += uint64(in)
	r.bytesOut += uint64(out)
	r.mu.Unlock()
	if in > 0 {
		metrics.RelayBytes.WithLabelValues("in").Add(float64(in))
	}
	if out > 0 {
		metrics.RelayBytes.WithLabelValues("out").Add(float64(out))
	}
}

func (r *Relay) serveWS(w http.ResponseWriter, req *http.Request) {
	doc := mux.Vars(req)["doc"]
	conn, err := r.upgrader.Upgrade(w, req, nil)
	if err != nil {
		r.log.Warn("upgrade_failed", zap.String("addr", req.RemoteAddr), zap.Error(err))
		return
	}
	p := &Peer{
		conn:    conn,
		doc:     doc,
		addr:    conn.RemoteAddr().String(),
		send:    make(chan []byte, sendBuffer),
		limiter: rate.NewLimiter(rate.Limit(r.cfg.FrameRate), r.cfg.Burst),
	}
	r.peers.Add(p)
	go r.writePump(p)
	r.readPump(p)
}

func (r *Relay) readPump(p *Peer) {
	defer func() {
		r.peers.Remove(p)
		_ = p.conn.Close()
	}()
	p.conn.SetReadLimit(maxMessage)
	_ = p.conn.SetReadDeadline(time.Now().Add(pongWait))
	p.conn.SetPongHandler(func(string) error {
		return p.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		kind, data, err := p.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				r.log.Debug("peer_read_failed", zap.String("addr", p.addr), zap.Error(err))
			}
			return
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		r.count(len(data), 0)
		msg, err := Decode(data)
		if err != nil || msg.Frame.Doc != p.doc {
			metrics.FramesDropped.WithLabelValues("relay_invalid").Inc()
			continue
		}
		// clears bypass the limiter
		if msg.Type != MsgClear && !p.limiter.Allow() {
			metrics.FramesDropped.WithLabelValues("relay_rate_limited").Inc()
			continue
		}
		r.peers.Broadcast(p.doc, data, p)
	}
}

func (r *Relay) writePump(p *Peer) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = p.conn.Close()
	}()
	for {
		select {
		case data, ok := <-p.send:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				_ = p.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := p.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
				return
			}
			r.count(0, len(data))
		case <-ticker.C:
			_ = p.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := p.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
