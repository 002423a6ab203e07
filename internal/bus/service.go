// Package bus implements the AICO message bus: a central broker plus
// the client every subsystem uses for publish/subscribe and
// request/reply messaging.
//
// The broker is a TCP server speaking a small JSON-RPC protocol
// (connect, publish, subscribe). Every published message is an
// envelope; deliveries to subscribers are framed as {topic, envelope}
// objects on the same connection. Within one (source, topic) pair,
// delivery order matches publish order.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/aico-project/aico/internal/envelope"
)

// historyLimit bounds the per-topic ring of recent envelopes kept for
// diagnostics.
const historyLimit = 100

// Service is the central broker. It tracks connected components and
// their topic subscriptions, and fans published envelopes out to
// subscribers.
type Service struct {
	addr  string
	debug bool

	listener net.Listener

	topicsMux sync.RWMutex
	topics    map[string]*topic

	connMux     sync.RWMutex
	connections map[string]*connection
}

// topic is a pub/sub channel: all subscribers receive every envelope
// published to it.
type topic struct {
	name        string
	mux         sync.Mutex
	subscribers []*connection
	history     []*envelope.Envelope // ring of recent envelopes
}

// connection is one connected component. The writer mutex serializes
// everything written to the socket: RPC responses from the request
// loop and deliveries pushed from publishers' goroutines.
type connection struct {
	id          string
	componentID string
	conn        net.Conn
	decoder     *json.Decoder

	writeMux sync.Mutex
	encoder  *json.Encoder

	lastSeen time.Time
}

type rpcRequest struct {
	ID     string          `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params"`
}

type rpcResponse struct {
	ID     string      `json:"id"`
	Result interface{}  `json:"result,omitempty"`
	Error  *rpcError   `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// delivery frames an envelope pushed to a subscriber, carrying the
// topic it was published on.
type delivery struct {
	Topic    string             `json:"topic"`
	Envelope *envelope.Envelope `json:"envelope"`
}

// NewService creates a broker listening on addr (e.g. ":9501").
func NewService(addr string, debug bool) *Service {
	return &Service{
		addr:        addr,
		debug:       debug,
		topics:      make(map[string]*topic),
		connections: make(map[string]*connection),
	}
}

// Start runs the broker until ctx is cancelled. Each connection is
// served by its own goroutine.
func (s *Service) Start(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("bus: listen on %s: %w", s.addr, err)
	}
	s.listener = listener

	if s.debug {
		log.Printf("bus: broker listening on %s", s.addr)
	}

	go func() {
		<-ctx.Done()
		s.listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.Printf("bus: accept error: %v", err)
			continue
		}
		go s.handleConnection(conn)
	}
}

// Addr returns the broker's bound address, useful when started on ":0".
func (s *Service) Addr() string {
	if s.listener == nil {
		return s.addr
	}
	return s.listener.Addr().String()
}

func (s *Service) handleConnection(netConn net.Conn) {
	defer netConn.Close()

	connID := fmt.Sprintf("conn_%d", time.Now().UnixNano())
	conn := &connection{
		id:       connID,
		conn:     netConn,
		encoder:  json.NewEncoder(netConn),
		decoder:  json.NewDecoder(netConn),
		lastSeen: time.Now(),
	}

	s.connMux.Lock()
	s.connections[connID] = conn
	s.connMux.Unlock()

	defer func() {
		s.dropSubscriptions(conn)
		s.connMux.Lock()
		delete(s.connections, connID)
		s.connMux.Unlock()
	}()

	for {
		var req rpcRequest
		if err := conn.decoder.Decode(&req); err != nil {
			if s.debug {
				log.Printf("bus: connection %s closed: %v", connID, err)
			}
			return
		}
		conn.lastSeen = time.Now()

		resp := s.handleRequest(conn, &req)
		if err := conn.send(resp); err != nil {
			return
		}
	}
}

func (s *Service) handleRequest(conn *connection, req *rpcRequest) *rpcResponse {
	switch req.Method {
	case "connect":
		return s.handleConnect(conn, req)
	case "publish":
		return s.handlePublish(conn, req)
	case "subscribe":
		return s.handleSubscribe(conn, req)
	default:
		return &rpcResponse{
			ID:    req.ID,
			Error: &rpcError{Code: -32601, Message: fmt.Sprintf("method not found: %s", req.Method)},
		}
	}
}

func (s *Service) handleConnect(conn *connection, req *rpcRequest) *rpcResponse {
	var params struct {
		ComponentID string `json:"component_id"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ComponentID == "" {
		return &rpcResponse{ID: req.ID, Error: &rpcError{Code: -32602, Message: "component_id required"}}
	}

	conn.componentID = params.ComponentID
	if s.debug {
		log.Printf("bus: component %s connected as %s", params.ComponentID, conn.id)
	}
	return &rpcResponse{ID: req.ID, Result: "connected"}
}

func (s *Service) handlePublish(conn *connection, req *rpcRequest) *rpcResponse {
	var params struct {
		Topic    string             `json:"topic"`
		Envelope *envelope.Envelope `json:"envelope"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Topic == "" || params.Envelope == nil {
		return &rpcResponse{ID: req.ID, Error: &rpcError{Code: -32602, Message: "topic and envelope required"}}
	}

	t := s.getOrCreateTopic(params.Topic)

	t.mux.Lock()
	t.history = append(t.history, params.Envelope)
	if len(t.history) > historyLimit {
		t.history = t.history[1:]
	}
	subs := make([]*connection, len(t.subscribers))
	copy(subs, t.subscribers)
	t.mux.Unlock()

	// Fan out while holding no topic lock. Per-connection writer
	// mutexes keep deliveries ordered per publisher.
	frame := &delivery{Topic: params.Topic, Envelope: params.Envelope}
	delivered := 0
	for _, sub := range subs {
		if err := sub.send(frame); err != nil {
			if s.debug {
				log.Printf("bus: delivery to %s failed: %v", sub.id, err)
			}
			continue
		}
		delivered++
	}

	if s.debug {
		log.Printf("bus: published %s to %s (%d subscribers)", params.Envelope.ID, params.Topic, delivered)
	}
	return &rpcResponse{ID: req.ID, Result: map[string]int{"delivered": delivered}}
}

func (s *Service) handleSubscribe(conn *connection, req *rpcRequest) *rpcResponse {
	var params struct {
		Topic string `json:"topic"`
	}
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Topic == "" {
		return &rpcResponse{ID: req.ID, Error: &rpcError{Code: -32602, Message: "topic required"}}
	}

	t := s.getOrCreateTopic(params.Topic)
	t.mux.Lock()
	already := false
	for _, sub := range t.subscribers {
		if sub == conn {
			already = true
			break
		}
	}
	if !already {
		t.subscribers = append(t.subscribers, conn)
	}
	t.mux.Unlock()

	return &rpcResponse{ID: req.ID, Result: "subscribed"}
}

func (s *Service) getOrCreateTopic(name string) *topic {
	s.topicsMux.Lock()
	defer s.topicsMux.Unlock()

	t, ok := s.topics[name]
	if !ok {
		t = &topic{name: name}
		s.topics[name] = t
	}
	return t
}

// dropSubscriptions removes a closed connection from every topic.
func (s *Service) dropSubscriptions(conn *connection) {
	s.topicsMux.RLock()
	defer s.topicsMux.RUnlock()

	for _, t := range s.topics {
		t.mux.Lock()
		kept := t.subscribers[:0]
		for _, sub := range t.subscribers {
			if sub != conn {
				kept = append(kept, sub)
			}
		}
		t.subscribers = kept
		t.mux.Unlock()
	}
}

func (c *connection) send(v interface{}) error {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	return c.encoder.Encode(v)
}
