package kucoin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/alanyoungcy/triarb/internal/domain"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	// writeWait is the time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// pongWait is the time allowed to read the next message from the peer.
	pongWait = 60 * time.Second

	// defaultPingPeriod is used when the bullet does not name an interval.
	defaultPingPeriod = (pongWait * 9) / 10

	// reconnectDelay is the base delay before attempting to reconnect.
	reconnectDelay = 2 * time.Second

	// maxReconnectDelay caps the exponential backoff for reconnection.
	maxReconnectDelay = 60 * time.Second

	// topicBatch is the most symbols one level2 topic may carry.
	topicBatch = 100

	topicLevel2      = "/market/level2:"
	topicTradeOrders = "/spotMarket/tradeOrders"
	topicBalance     = "/account/balance"
)

// BulletSource issues WebSocket connect tokens.
type BulletSource interface {
	Bullet(ctx context.Context, private bool) (Bullet, error)
}

// WSConfig configures a WSClient.
type WSConfig struct {
	Pairs []domain.Pair
	// Private subscribes to order and balance topics on a private token.
	Private bool
	Buffer  int
}

// WSClient is a WebSocket client for the KuCoin real-time feed. It keeps one
// connection alive, restores subscriptions after reconnecting and delivers
// every decoded message on a single typed channel.
type WSClient struct {
	bullets BulletSource
	pairs   []domain.Pair
	private bool
	events  chan domain.ExchangeEvent
	dialer  websocket.Dialer
	retry   time.Duration
	logger  *slog.Logger

	writeMu sync.Mutex
}

// NewWSClient creates a client. Call Run to connect.
func NewWSClient(bullets BulletSource, cfg WSConfig, logger *slog.Logger) *WSClient {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 4096
	}
	return &WSClient{
		bullets: bullets,
		pairs:   cfg.Pairs,
		private: cfg.Private,
		events:  make(chan domain.ExchangeEvent, cfg.Buffer),
		dialer:  websocket.Dialer{HandshakeTimeout: 15 * time.Second},
		retry:   reconnectDelay,
		logger:  logger.With(slog.String("component", "kucoin_ws")),
	}
}

// Events is the stream of decoded messages. It is never closed.
func (w *WSClient) Events() <-chan domain.ExchangeEvent { return w.events }

// Run connects and reads until ctx is cancelled, reconnecting with
// exponential backoff. Every reconnection is announced with a
// domain.Reconnected event before any message from the new connection.
func (w *WSClient) Run(ctx context.Context) error {
	delay := w.retry
	connected := false
	for {
		err := w.session(ctx, connected, func() {
			connected = true
			delay = w.retry
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		w.logger.WarnContext(ctx, "websocket disconnected",
			slog.String("error", errString(err)),
			slog.Duration("retry_in", delay),
		)

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
		delay *= 2
		if delay > maxReconnectDelay {
			delay = maxReconnectDelay
		}
	}
}

// session runs one connection to completion.
func (w *WSClient) session(ctx context.Context, reconnect bool, onUp func()) error {
	bullet, err := w.bullets.Bullet(ctx, w.private)
	if err != nil {
		return err
	}
	connectID := strings.ReplaceAll(uuid.NewString(), "-", "")

	conn, _, err := w.dialer.DialContext(ctx, bullet.URL(connectID), nil)
	if err != nil {
		return fmt.Errorf("kucoin/ws: connect: %w", err)
	}
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	if err := w.awaitWelcome(conn); err != nil {
		return err
	}
	for _, cmd := range w.subscriptions(connectID) {
		if err := w.send(conn, cmd); err != nil {
			return fmt.Errorf("kucoin/ws: subscribe %s: %w", cmd.Topic, err)
		}
	}
	onUp()
	w.logger.InfoContext(ctx, "websocket connected",
		slog.Int("pairs", len(w.pairs)),
		slog.Bool("private", w.private),
	)
	if reconnect {
		if err := w.emit(ctx, domain.Reconnected{Time: time.Now().UTC()}); err != nil {
			return err
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-sctx.Done()
		// Unblocks ReadMessage.
		_ = conn.SetReadDeadline(time.Now())
	}()
	go w.pingLoop(sctx, conn, connectID, bullet.PingInterval)

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("kucoin/ws: read: %w", errors.Join(domain.ErrWSDisconnect, err))
		}
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		if err := w.handleMessage(ctx, raw); err != nil {
			return err
		}
	}
}

func (w *WSClient) awaitWelcome(conn *websocket.Conn) error {
	_, raw, err := conn.ReadMessage()
	if err != nil {
		return fmt.Errorf("kucoin/ws: welcome: %w", err)
	}
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil || env.Type != "welcome" {
		return fmt.Errorf("kucoin/ws: unexpected first frame %q: %w", string(raw), domain.ErrWSDisconnect)
	}
	return nil
}

// subscriptions lists the commands that establish the feed.
func (w *WSClient) subscriptions(connectID string) []WSCommand {
	var cmds []WSCommand
	for start := 0; start < len(w.pairs); start += topicBatch {
		end := min(start+topicBatch, len(w.pairs))
		symbols := make([]string, 0, end-start)
		for _, p := range w.pairs[start:end] {
			symbols = append(symbols, p.String())
		}
		cmds = append(cmds, WSCommand{
			ID:    fmt.Sprintf("%s-%d", connectID, len(cmds)),
			Type:  "subscribe",
			Topic: topicLevel2 + strings.Join(symbols, ","),
		})
	}
	if w.private {
		for _, topic := range []string{topicTradeOrders, topicBalance} {
			cmds = append(cmds, WSCommand{
				ID:             fmt.Sprintf("%s-%d", connectID, len(cmds)),
				Type:           "subscribe",
				Topic:          topic,
				PrivateChannel: true,
			})
		}
	}
	return cmds
}

// pingLoop sends JSON pings at the server-requested interval.
func (w *WSClient) pingLoop(ctx context.Context, conn *websocket.Conn, connectID string, period time.Duration) {
	if period <= 0 {
		period = defaultPingPeriod
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.send(conn, WSCommand{ID: connectID, Type: "ping"}); err != nil {
				return
			}
		}
	}
}

// send writes one JSON command. Writes are serialized.
func (w *WSClient) send(conn *websocket.Conn, cmd WSCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("marshal command: %w", err)
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, data)
}

// handleMessage decodes a frame and emits its events. Unparseable frames are
// logged and dropped.
func (w *WSClient) handleMessage(ctx context.Context, raw []byte) error {
	var env wsEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		w.logger.DebugContext(ctx, "dropping unparseable frame", slog.String("error", err.Error()))
		return nil
	}

	switch env.Type {
	case "message":
	case "error":
		w.logger.WarnContext(ctx, "server error frame", slog.String("frame", string(raw)))
		return nil
	default: // pong, ack
		return nil
	}

	switch {
	case strings.HasPrefix(env.Topic, topicLevel2):
		var m L2UpdateMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			w.logger.DebugContext(ctx, "bad level2 frame", slog.String("error", err.Error()))
			return nil
		}
		deltas, err := m.ToDomainDeltas()
		if err != nil {
			w.logger.DebugContext(ctx, "bad level2 frame", slog.String("error", err.Error()))
			return nil
		}
		for _, d := range deltas {
			if err := w.emit(ctx, d); err != nil {
				return err
			}
		}
	case env.Topic == topicTradeOrders:
		var m OrderChangeMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil
		}
		return w.emit(ctx, m.ToDomainOrderUpdate())
	case env.Topic == topicBalance:
		var m BalanceMessage
		if err := json.Unmarshal(env.Data, &m); err != nil {
			return nil
		}
		return w.emit(ctx, m.ToDomainBalanceUpdate())
	}
	return nil
}

// emit delivers ev, blocking while the consumer catches up. Book deltas must
// not be dropped.
func (w *WSClient) emit(ctx context.Context, ev domain.ExchangeEvent) error {
	select {
	case w.events <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
