package core

// Push subscription for pointer updates, with a polling fallback whenever
// the stream is down. Entirely optional: the provider runs pull-only when no
// WebSocket factory is configured.

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultWebSocketFactory dials with gorilla's default dialer.
func DefaultWebSocketFactory(url string) (*websocket.Conn, error) {
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	return conn, err
}

type subscribeFrame struct {
	Action string   `json:"action"`
	Names  []string `json:"names"`
}

type updateFrame struct {
	Type      string      `json:"type"`
	Name      string      `json:"name"`
	Sequence  json.Number `json:"sequence"`
	Cid       string      `json:"cid"`
	Timestamp string      `json:"timestamp"`
}

// SubscriptionClient maintains one stream subscribed to the wallet's own
// name and polls while the stream is down.
type SubscriptionClient struct {
	provider *Provider
	factory  WebSocketFactory
	url      string
	interval time.Duration
	log      *logrus.Logger
	clk      clock.Clock

	mu      sync.Mutex
	conn    *websocket.Conn
	open    bool
	stopped bool

	quit chan struct{}
	wg   sync.WaitGroup
}

func newSubscriptionClient(p *Provider, o Options) *SubscriptionClient {
	url := o.WSURL
	if url == "" && len(o.Gateways) > 0 {
		url = wsURLFor(o.Gateways[0])
	}
	return &SubscriptionClient{
		provider: p,
		factory:  o.CreateWebSocket,
		url:      url,
		interval: o.FallbackPollInterval,
		log:      o.Logger,
		clk:      o.Clock,
		quit:     make(chan struct{}),
	}
}

func (s *SubscriptionClient) start() {
	s.wg.Add(2)
	go s.streamLoop()
	go s.pollLoop()
}

func (s *SubscriptionClient) isOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

// streamLoop keeps one subscribed connection alive, reconnecting with capped
// exponential backoff.
func (s *SubscriptionClient) streamLoop() {
	defer s.wg.Done()
	backoff := time.Second
	for {
		select {
		case <-s.quit:
			return
		default:
		}

		conn, err := s.factory(s.url)
		if err != nil {
			s.log.Debugf("stream dial %s: %v", s.url, err)
			select {
			case <-s.quit:
				return
			case <-time.After(backoff):
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		name := s.provider.IpnsName()
		if err := conn.WriteJSON(subscribeFrame{Action: "subscribe", Names: []string{name}}); err != nil {
			s.log.Debugf("stream subscribe: %v", err)
			conn.Close()
			continue
		}

		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			conn.Close()
			return
		}
		s.conn = conn
		s.open = true
		s.mu.Unlock()
		s.log.Debugf("stream open, subscribed to %s", name)

		s.readAll(conn, name)

		s.mu.Lock()
		s.open = false
		s.conn = nil
		s.mu.Unlock()
		conn.Close()
	}
}

func (s *SubscriptionClient) readAll(conn *websocket.Conn, name string) {
	for {
		var frame updateFrame
		if err := conn.ReadJSON(&frame); err != nil {
			select {
			case <-s.quit:
			default:
				s.log.Debugf("stream read: %v", err)
			}
			return
		}
		if frame.Type != "update" || frame.Name != name {
			continue
		}
		s.provider.handleRemoteUpdate(frame.Name, asUint64(frame.Sequence), frame.Cid)
	}
}

// pollLoop resolves the wallet's own name whenever the stream is down and
// reports only genuinely newer sequences.
func (s *SubscriptionClient) pollLoop() {
	defer s.wg.Done()
	ticker := s.clk.Ticker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.quit:
			return
		case <-ticker.C:
		}
		if s.isOpen() {
			continue
		}
		name := s.provider.IpnsName()
		if name == "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.provider.opts.ResolveTimeout+time.Second)
		out, err := s.provider.gw.Resolve(ctx, name)
		cancel()
		if err != nil || out.Best == nil {
			continue
		}
		if out.Best.Sequence > s.provider.lastKnownSequence() {
			s.provider.handleRemoteUpdate(name, out.Best.Sequence, out.Best.Cid)
		}
	}
}

func (s *SubscriptionClient) stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	conn := s.conn
	s.mu.Unlock()

	close(s.quit)
	if conn != nil {
		conn.Close()
	}
	s.wg.Wait()
}
