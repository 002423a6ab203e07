package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net"
	"sync"
	"time"

	"github.com/aico-project/aico/internal/envelope"
)

var (
	// ErrNotConnected reports an operation on a disconnected client.
	ErrNotConnected = errors.New("bus: not connected")

	// ErrPublishFailed reports a publish that could not be written,
	// even after a reconnect attempt.
	ErrPublishFailed = errors.New("bus: publish failed")

	// ErrRequestTimeout reports a request whose response did not
	// arrive inside the caller's deadline.
	ErrRequestTimeout = errors.New("bus: request timed out")
)

// dedupLimit bounds the set of recently seen correlation IDs used to
// drop broker redeliveries.
const dedupLimit = 1000

// rpcTimeout bounds broker control calls (connect/subscribe/publish acks).
const rpcTimeout = 30 * time.Second

// Handler processes one delivered envelope. Invocations for a single
// topic are serialized; handlers for different topics may run
// concurrently.
type Handler func(env *envelope.Envelope)

// Client connects a component to the broker. One goroutine reads from
// the socket; a writer mutex serializes writes. All public methods are
// safe for concurrent use.
type Client struct {
	address     string
	componentID string
	debug       bool

	mux     sync.Mutex // connection state
	conn    net.Conn
	decoder *json.Decoder

	writeMux sync.Mutex
	encoder  *json.Encoder

	reqMux sync.Mutex
	reqSeq int64

	respMux   sync.Mutex
	respChans map[string]chan *rpcResponse

	subMux   sync.Mutex
	handlers map[string]chan *envelope.Envelope // per-topic dispatch queues
	subs     map[string]Handler

	waitMux sync.Mutex
	waiters map[string]chan *envelope.Envelope // correlation ID -> pending request

	// dedup of recently seen correlation IDs, FIFO-bounded
	dedupMux   sync.Mutex
	dedupSet   map[string]struct{}
	dedupOrder []string
}

// NewClient creates a disconnected client for the given broker address
// and component identity.
func NewClient(address, componentID string, debug bool) *Client {
	return &Client{
		address:     address,
		componentID: componentID,
		debug:       debug,
		respChans:   make(map[string]chan *rpcResponse),
		handlers:    make(map[string]chan *envelope.Envelope),
		subs:        make(map[string]Handler),
		waiters:     make(map[string]chan *envelope.Envelope),
		dedupSet:    make(map[string]struct{}),
	}
}

// Connect dials the broker and registers the component. Idempotent.
func (c *Client) Connect() error {
	c.mux.Lock()
	if c.conn != nil {
		c.mux.Unlock()
		return nil
	}

	conn, err := net.Dial("tcp", c.address)
	if err != nil {
		c.mux.Unlock()
		return fmt.Errorf("bus: connect to broker at %s: %w", c.address, err)
	}

	c.conn = conn
	c.decoder = json.NewDecoder(conn)
	c.writeMux.Lock()
	c.encoder = json.NewEncoder(conn)
	c.writeMux.Unlock()
	c.mux.Unlock()

	go c.readLoop(conn)

	if _, err := c.call("connect", map[string]string{"component_id": c.componentID}); err != nil {
		c.Disconnect()
		return fmt.Errorf("bus: register with broker: %w", err)
	}

	if c.debug {
		log.Printf("bus: %s connected to broker at %s", c.componentID, c.address)
	}
	return nil
}

// Disconnect closes the connection and tears down subscription state;
// the dispatch goroutines exit once their queues drain. Broker-side
// subscriptions die with the connection, so a reconnected client must
// subscribe again.
func (c *Client) Disconnect() error {
	c.mux.Lock()
	if c.conn == nil {
		c.mux.Unlock()
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	c.decoder = nil
	c.mux.Unlock()

	c.writeMux.Lock()
	c.encoder = nil
	c.writeMux.Unlock()

	c.subMux.Lock()
	for topic, queue := range c.handlers {
		close(queue)
		delete(c.handlers, topic)
		delete(c.subs, topic)
	}
	c.subMux.Unlock()
	return err
}

// Publish sends an envelope to a topic, fire-and-forget. On a write
// failure it attempts one reconnect and retries once before surfacing
// ErrPublishFailed.
func (c *Client) Publish(topicName string, env *envelope.Envelope) error {
	params := map[string]interface{}{"topic": topicName, "envelope": env}

	_, err := c.call("publish", params)
	if err == nil {
		return nil
	}

	// One reconnect attempt for transport errors.
	c.Disconnect()
	if rerr := c.Connect(); rerr != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	if _, err = c.call("publish", params); err != nil {
		return fmt.Errorf("%w: %v", ErrPublishFailed, err)
	}
	return nil
}

// Subscribe registers a handler for a topic. The handler runs on a
// per-topic dispatch goroutine, so invocations for one topic never
// overlap.
func (c *Client) Subscribe(topicName string, handler Handler) error {
	c.subMux.Lock()
	if _, exists := c.subs[topicName]; exists {
		c.subs[topicName] = handler
		c.subMux.Unlock()
		return nil
	}
	queue := make(chan *envelope.Envelope, 100)
	c.handlers[topicName] = queue
	c.subs[topicName] = handler
	c.subMux.Unlock()

	go c.dispatchLoop(topicName, queue)

	if _, err := c.call("subscribe", map[string]string{"topic": topicName}); err != nil {
		return fmt.Errorf("bus: subscribe %s: %w", topicName, err)
	}
	return nil
}

// Request publishes an envelope on a request topic and waits for the
// envelope whose correlation ID matches, delivered on the mapped
// response topic. Cancelling ctx unregisters the correlation before
// returning; late responses are dropped silently.
func (c *Client) Request(ctx context.Context, requestTopic string, env *envelope.Envelope, timeout time.Duration) (*envelope.Envelope, error) {
	responseTopic, err := envelope.ResponseTopic(requestTopic)
	if err != nil {
		return nil, err
	}

	// The response-topic subscription feeds correlation waiters; the
	// no-op handler covers responses nobody is waiting for.
	if err := c.ensureResponseSubscription(responseTopic); err != nil {
		return nil, err
	}

	waiter := make(chan *envelope.Envelope, 1)
	c.waitMux.Lock()
	c.waiters[env.ID] = waiter
	c.waitMux.Unlock()

	unregister := func() {
		c.waitMux.Lock()
		delete(c.waiters, env.ID)
		c.waitMux.Unlock()
	}

	if err := c.Publish(requestTopic, env); err != nil {
		unregister()
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-waiter:
		unregister()
		return resp, nil
	case <-timer.C:
		unregister()
		return nil, fmt.Errorf("%w: %s after %s", ErrRequestTimeout, requestTopic, timeout)
	case <-ctx.Done():
		unregister()
		return nil, ctx.Err()
	}
}

func (c *Client) ensureResponseSubscription(responseTopic string) error {
	c.subMux.Lock()
	_, exists := c.subs[responseTopic]
	c.subMux.Unlock()
	if exists {
		return nil
	}
	return c.Subscribe(responseTopic, func(*envelope.Envelope) {})
}

// call performs one broker RPC with response correlation.
func (c *Client) call(method string, params interface{}) (json.RawMessage, error) {
	c.mux.Lock()
	connected := c.conn != nil
	c.mux.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	c.reqMux.Lock()
	c.reqSeq++
	reqID := fmt.Sprintf("req_%d", c.reqSeq)
	c.reqMux.Unlock()

	raw, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("bus: marshal params: %w", err)
	}

	respChan := make(chan *rpcResponse, 1)
	c.respMux.Lock()
	c.respChans[reqID] = respChan
	c.respMux.Unlock()

	defer func() {
		c.respMux.Lock()
		delete(c.respChans, reqID)
		c.respMux.Unlock()
	}()

	if err := c.send(rpcRequest{ID: reqID, Method: method, Params: raw}); err != nil {
		return nil, fmt.Errorf("bus: send request: %w", err)
	}

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, fmt.Errorf("bus: broker error %d: %s", resp.Error.Code, resp.Error.Message)
		}
		result, _ := json.Marshal(resp.Result)
		return result, nil
	case <-time.After(rpcTimeout):
		return nil, fmt.Errorf("bus: broker call %s timed out", method)
	}
}

func (c *Client) send(v interface{}) error {
	c.writeMux.Lock()
	defer c.writeMux.Unlock()
	if c.encoder == nil {
		return ErrNotConnected
	}
	return c.encoder.Encode(v)
}

// readLoop is the single socket reader. It classifies each JSON object
// as an RPC response or a topic delivery and routes it.
func (c *Client) readLoop(conn net.Conn) {
	decoder := json.NewDecoder(conn)
	for {
		var raw json.RawMessage
		if err := decoder.Decode(&raw); err != nil {
			if c.debug {
				log.Printf("bus: %s read loop exiting: %v", c.componentID, err)
			}
			return
		}

		var probe struct {
			ID       string             `json:"id"`
			Result   json.RawMessage    `json:"result"`
			Error    *rpcError          `json:"error"`
			Topic    string             `json:"topic"`
			Envelope *envelope.Envelope `json:"envelope"`
		}
		if err := json.Unmarshal(raw, &probe); err != nil {
			if c.debug {
				log.Printf("bus: %s unparseable frame: %v", c.componentID, err)
			}
			continue
		}

		switch {
		case probe.Topic != "" && probe.Envelope != nil:
			c.routeDelivery(probe.Topic, probe.Envelope)
		case probe.ID != "" && (probe.Result != nil || probe.Error != nil):
			var resp rpcResponse
			if err := json.Unmarshal(raw, &resp); err != nil {
				continue
			}
			c.respMux.Lock()
			if ch, ok := c.respChans[resp.ID]; ok {
				select {
				case ch <- &resp:
				default:
				}
			}
			c.respMux.Unlock()
		default:
			if c.debug {
				log.Printf("bus: %s unknown frame: %s", c.componentID, string(raw))
			}
		}
	}
}

// routeDelivery hands a delivered envelope to its correlation waiter
// (if one is pending) or to the topic handler queue. Redeliveries of a
// correlation ID already seen are dropped.
func (c *Client) routeDelivery(topicName string, env *envelope.Envelope) {
	if env.CorrelationID != "" {
		if c.alreadySeen(env.CorrelationID) {
			if c.debug {
				log.Printf("bus: %s dropped duplicate response for %s", c.componentID, env.CorrelationID)
			}
			return
		}

		c.waitMux.Lock()
		waiter, waiting := c.waiters[env.CorrelationID]
		if waiting {
			delete(c.waiters, env.CorrelationID)
		}
		c.waitMux.Unlock()

		if waiting {
			waiter <- env
			return
		}
	}

	// The non-blocking send stays under subMux so Disconnect cannot
	// close the queue mid-send.
	c.subMux.Lock()
	defer c.subMux.Unlock()
	queue, ok := c.handlers[topicName]
	if !ok {
		return
	}

	select {
	case queue <- env:
	default:
		if c.debug {
			log.Printf("bus: %s handler queue full for %s, dropping %s", c.componentID, topicName, env.ID)
		}
	}
}

// alreadySeen records a correlation ID, returning true if it was
// already in the bounded dedup set.
func (c *Client) alreadySeen(correlationID string) bool {
	c.dedupMux.Lock()
	defer c.dedupMux.Unlock()

	if _, dup := c.dedupSet[correlationID]; dup {
		return true
	}
	c.dedupSet[correlationID] = struct{}{}
	c.dedupOrder = append(c.dedupOrder, correlationID)
	if len(c.dedupOrder) > dedupLimit {
		oldest := c.dedupOrder[0]
		c.dedupOrder = c.dedupOrder[1:]
		delete(c.dedupSet, oldest)
	}
	return false
}

func (c *Client) dispatchLoop(topicName string, queue chan *envelope.Envelope) {
	for env := range queue {
		c.subMux.Lock()
		handler := c.subs[topicName]
		c.subMux.Unlock()
		if handler != nil {
			handler(env)
		}
	}
}
