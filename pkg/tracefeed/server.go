// Package tracefeed serves a live trace over HTTP: the interface list as JSON
// and received, sent and logged traffic as a websocket stream.
package tracefeed

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi"
	"github.com/go-chi/chi/middleware"
	"github.com/gorilla/websocket"
	"github.com/roffe/canalyzer"
)

const (
	subscriberBuffer = 1024
	writeWait        = 5 * time.Second
	defaultHistory   = 100
)

// Source lists the interfaces to report, *canalyzer.Registry satisfies it.
type Source interface {
	Interfaces() []canalyzer.Interface
}

// Sender transmits messages posted to /api/send, *canalyzer.Measurement
// satisfies it.
type Sender interface {
	Send(msg canalyzer.Message) error
}

type Server struct {
	trace    *canalyzer.Trace
	source   Source
	sender   Sender
	upgrader websocket.Upgrader
}

// New creates a feed server. sender may be nil, /api/send then answers 501.
func New(trace *canalyzer.Trace, source Source, sender Sender) *Server {
	return &Server{
		trace:  trace,
		source: source,
		sender: sender,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/api", func(r chi.Router) {
		r.Get("/interfaces", s.handleInterfaces)
		r.Get("/messages", s.handleMessages)
		r.Post("/send", s.handleSend)
	})
	r.Route("/ws", func(r chi.Router) {
		r.Get("/trace", s.handleTrace)
	})
	return r
}

func (s *Server) handleInterfaces(w http.ResponseWriter, r *http.Request) {
	ifaces := s.source.Interfaces()
	out := make([]InterfaceInfo, 0, len(ifaces))
	for _, iface := range ifaces {
		out = append(out, InterfaceInfoFrom(iface))
	}
	writeJSON(w, http.StatusOK, out)
}

// handleMessages returns the most recent retained messages, ?limit=n.
func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	limit := defaultHistory
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	msgs := s.trace.Messages()
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Frame, len(msgs))
	for i, msg := range msgs {
		out[i] = FrameFromMessage(msg)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	if s.sender == nil {
		http.Error(w, "sending is disabled", http.StatusNotImplemented)
		return
	}
	var f Frame
	if err := json.NewDecoder(r.Body).Decode(&f); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	msg, err := f.Message()
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err := s.sender.Send(msg); err != nil {
		http.Error(w, err.Error(), http.StatusBadGateway)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

// handleTrace streams frames and events. Repeated ?id= parameters (decimal or
// 0x hex) restrict the frames to those identifiers.
func (s *Server) handleTrace(w http.ResponseWriter, r *http.Request) {
	var ids []uint32
	for _, v := range r.URL.Query()["id"] {
		id, err := strconv.ParseUint(v, 0, 32)
		if err != nil {
			http.Error(w, "invalid id "+v, http.StatusBadRequest)
			return
		}
		ids = append(ids, uint32(id))
	}

	sub := s.trace.Subscribe(subscriberBuffer, ids...)
	defer sub.Close()

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Print("upgrade:", err)
		return
	}
	defer conn.Close()

	// the client never sends anything we act on, reading detects the close
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		var env Envelope
		select {
		case <-gone:
			return
		case msg, ok := <-sub.Messages():
			if !ok {
				return
			}
			f := FrameFromMessage(msg)
			env = Envelope{Type: "frame", Frame: &f}
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}
			e := EventFromEvent(evt)
			env = Envelope{Type: "event", Event: &e}
		}
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := conn.WriteJSON(env); err != nil {
			log.Println("write:", err)
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Println("encode:", err)
	}
}
