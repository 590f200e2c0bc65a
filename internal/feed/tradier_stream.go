// Package feed delivers raw trade-tick messages to the candle aggregator,
// either from the Tradier market-events websocket or from a recorded file.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/eddiefleurent/candlebot/internal/broker"
	"github.com/eddiefleurent/candlebot/internal/retry"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
)

// DefaultStreamURL is Tradier's market-events websocket endpoint.
const DefaultStreamURL = "wss://ws.tradier.com/v1/markets/events"

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
	pingInterval     = 20 * time.Second
	pongWait         = 50 * time.Second
)

// SessionCreator opens a streaming session; satisfied by broker.Broker.
type SessionCreator interface {
	CreateStreamSessionCtx(ctx context.Context) (*broker.StreamSession, error)
}

// StreamConfig configures a TradierStream.
type StreamConfig struct {
	URL            string
	APIKey         string
	Symbols        []string
	Filter         []string
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

type subscribePayload struct {
	Symbols   []string `json:"symbols"`
	SessionID string   `json:"sessionid"`
	Filter    []string `json:"filter,omitempty"`
	Linebreak bool     `json:"linebreak"`
}

// TradierStream keeps a websocket subscription alive and forwards every frame.
type TradierStream struct {
	cfg      StreamConfig
	sessions SessionCreator
	dialer   *websocket.Dialer
	logger   logrus.FieldLogger

	mu   sync.Mutex
	conn *websocket.Conn
}

// NewTradierStream creates a stream. Filter defaults to trade events only.
func NewTradierStream(cfg StreamConfig, sessions SessionCreator, logger logrus.FieldLogger) *TradierStream {
	if cfg.URL == "" {
		cfg.URL = DefaultStreamURL
	}
	if len(cfg.Filter) == 0 {
		cfg.Filter = []string{"trade"}
	}
	if cfg.InitialBackoff <= 0 {
		cfg.InitialBackoff = time.Second
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = handshakeTimeout
	return &TradierStream{
		cfg:      cfg,
		sessions: sessions,
		dialer:   &dialer,
		logger:   logger.WithField("component", "feed"),
	}
}

// Run connects, subscribes and pushes frames to out until ctx is done.
// Connection failures are retried with backoff; Run only returns ctx.Err().
func (s *TradierStream) Run(ctx context.Context, out chan<- []byte) error {
	backoff := retry.NewBackoff(s.cfg.InitialBackoff, s.cfg.MaxBackoff)
	for {
		err := s.runOnce(ctx, out, backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		wait := backoff.Next()
		s.logger.WithError(err).WithField("retry_in", wait).Warn("stream disconnected")
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func (s *TradierStream) runOnce(ctx context.Context, out chan<- []byte, backoff *retry.Backoff) error {
	session, err := s.sessions.CreateStreamSessionCtx(ctx)
	if err != nil {
		return fmt.Errorf("create stream session: %w", err)
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if s.cfg.APIKey != "" {
		header.Set("Authorization", "Bearer "+s.cfg.APIKey)
	}
	conn, _, err := s.dialer.DialContext(ctx, s.cfg.URL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", s.cfg.URL, err)
	}
	s.setConn(conn)
	defer s.closeConn()

	sub := subscribePayload{
		Symbols:   s.cfg.Symbols,
		SessionID: session.Stream.SessionID,
		Filter:    s.cfg.Filter,
		Linebreak: true,
	}
	if err := s.writeJSON(sub); err != nil {
		return fmt.Errorf("subscribe: %w", err)
	}
	s.logger.WithField("symbols", s.cfg.Symbols).Info("stream subscribed")

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	// Closing the connection is the only way to unblock ReadMessage.
	stop := make(chan struct{})
	defer close(stop)
	go s.keepAlive(ctx, conn, stop)

	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return errors.New("stream closed by server")
			}
			return fmt.Errorf("read: %w", err)
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		backoff.Reset()
		select {
		case out <- msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *TradierStream) keepAlive(ctx context.Context, conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second))
			_ = conn.Close()
			return
		case <-ticker.C:
			s.mu.Lock()
			err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout))
			s.mu.Unlock()
			if err != nil {
				s.logger.WithError(err).Debug("ping failed")
			}
		}
	}
}

func (s *TradierStream) setConn(c *websocket.Conn) {
	s.mu.Lock()
	s.conn = c
	s.mu.Unlock()
}

func (s *TradierStream) closeConn() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *TradierStream) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return errors.New("websocket not connected")
	}
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}
