package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"recordgofer/internal/config"
)

// Config for creating a new Client
type Config struct {
	WSURL             string
	Tables            []string
	ReconnectInterval time.Duration
	MessageTimeout    time.Duration
	PingInterval      time.Duration
	DedupSize         int
	Logger            zerolog.Logger
}

// Client owns the WebSocket connection to the store's change feed and
// invalidates cached data for every change it receives
type Client struct {
	wsURL             string
	tables            []string
	reconnectInterval time.Duration
	messageTimeout    time.Duration
	pingInterval      time.Duration
	invalidator       Invalidator
	dedup             *Deduplicator
	logger            zerolog.Logger

	conn    *websocket.Conn
	connMu  sync.RWMutex
	writeMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewClient creates a new change feed client
func NewClient(cfg Config, invalidator Invalidator) (*Client, error) {
	dedupSize := cfg.DedupSize
	if dedupSize <= 0 {
		dedupSize = config.DefaultDedupSize
	}
	dedup, err := NewDeduplicator(dedupSize)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		wsURL:             cfg.WSURL,
		tables:            cfg.Tables,
		reconnectInterval: cfg.ReconnectInterval,
		messageTimeout:    cfg.MessageTimeout,
		pingInterval:      cfg.PingInterval,
		invalidator:       invalidator,
		dedup:             dedup,
		logger:            cfg.Logger.With().Str("component", "feed").Logger(),
		ctx:               ctx,
		cancel:            cancel,
	}, nil
}

// NewClientFromConfig creates a change feed client for the configured tables
func NewClientFromConfig(cfg *config.Config, invalidator Invalidator, logger zerolog.Logger) (*Client, error) {
	return NewClient(Config{
		WSURL:             cfg.Feed.WSURL,
		Tables:            cfg.TableNames(),
		ReconnectInterval: cfg.Feed.GetReconnectIntervalDuration(),
		MessageTimeout:    cfg.Feed.GetMessageTimeoutDuration(),
		PingInterval:      cfg.Feed.GetPingIntervalDuration(),
		DedupSize:         cfg.Feed.DedupSize,
		Logger:            logger,
	}, invalidator)
}

// Connect establishes the WebSocket connection, subscribes and starts the reader
func (c *Client) Connect(ctx context.Context) error {
	c.connMu.Lock()
	if c.conn != nil {
		c.connMu.Unlock()
		return nil
	}
	c.connMu.Unlock()

	c.logger.Info().Str("url", c.wsURL).Msg("feed connecting")
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}

	c.connMu.Lock()
	c.conn = conn
	c.connMu.Unlock()

	c.logger.Info().Strs("tables", c.tables).Msg("feed connected")
	c.wg.Add(1)
	go c.readLoop()
	if c.pingInterval > 0 {
		c.wg.Add(1)
		go c.pingLoop()
	}
	return nil
}

// Connected returns true if the WebSocket connection is established
func (c *Client) Connected() bool {
	c.connMu.RLock()
	ok := c.conn != nil
	c.connMu.RUnlock()
	return ok
}

// Close closes the connection and stops the reader
func (c *Client) Close() {
	c.cancel()
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	c.wg.Wait()
	c.logger.Info().Msg("feed disconnected")
}

// dial opens a connection and sends the subscription
func (c *Client) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, c.wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect WebSocket: %w", err)
	}

	c.setPongHandler(conn)

	msg, err := json.Marshal(subscribeMessage{Type: "subscribe", Tables: c.tables})
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to marshal subscription: %w", err)
	}
	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, msg)
	c.writeMu.Unlock()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("failed to send subscription: %w", err)
	}
	return conn, nil
}

func (c *Client) readTimeout() time.Duration {
	if c.messageTimeout == 0 {
		return 60 * time.Second
	}
	return c.messageTimeout
}

func (c *Client) setPongHandler(conn *websocket.Conn) {
	readTimeout := c.readTimeout()
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
}

func (c *Client) pingLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.connMu.RLock()
			conn := c.conn
			c.connMu.RUnlock()
			if conn == nil {
				continue
			}
			c.writeMu.Lock()
			err := conn.WriteControl(websocket.PingMessage, []byte{}, time.Now().Add(10*time.Second))
			c.writeMu.Unlock()
			if err != nil {
				c.logger.Debug().Err(err).Msg("ping write failed")
			}
		}
	}
}

func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		select {
		case <-c.ctx.Done():
			return
		default:
		}

		c.connMu.RLock()
		conn := c.conn
		c.connMu.RUnlock()

		if conn == nil {
			return
		}

		conn.SetReadDeadline(time.Now().Add(c.readTimeout()))
		_, data, err := conn.ReadMessage()
		if err != nil {
			select {
			case <-c.ctx.Done():
				return
			default:
			}

			c.logger.Warn().Err(err).Msg("feed connection lost, reconnecting")
			if c.reconnect() {
				continue
			}
			return
		}

		c.handleMessage(data)
	}
}

// handleMessage applies one change event
func (c *Client) handleMessage(data []byte) {
	var e Event
	if err := json.Unmarshal(data, &e); err != nil {
		c.logger.Warn().Err(err).Int("len", len(data)).Msg("feed message parse error")
		return
	}
	if e.Table == "" {
		return
	}
	if c.dedup.IsDuplicate(e) {
		c.logger.Debug().Str("event", e.ID).Msg("duplicate event ignored")
		return
	}

	var err error
	switch e.Type {
	case EventRecordCreated, EventRecordUpdated, EventRecordDeleted:
		if e.RecordID == "" {
			return
		}
		err = c.invalidator.InvalidateRecord(c.ctx, e.Table, e.RecordID)
	case EventTableReset:
		err = c.invalidator.InvalidateTable(c.ctx, e.Table)
	default:
		c.logger.Debug().Str("type", e.Type).Msg("unknown event type ignored")
		return
	}

	if err != nil {
		c.logger.Error().
			Err(err).
			Str("table", e.Table).
			Str("record", e.RecordID).
			Str("type", e.Type).
			Msg("failed to invalidate cache")
		return
	}

	c.logger.Debug().
		Str("table", e.Table).
		Str("record", e.RecordID).
		Str("type", e.Type).
		Msg("cache invalidated")
}

func (c *Client) reconnect() bool {
	c.connMu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.connMu.Unlock()

	interval := c.reconnectInterval
	if interval <= 0 {
		interval = time.Duration(config.DefaultReconnectInterval) * time.Millisecond
	}
	for {
		select {
		case <-c.ctx.Done():
			return false
		case <-time.After(interval):
		}

		c.logger.Info().Dur("interval", interval).Msg("feed reconnection attempt")

		ctx, cancel := context.WithTimeout(c.ctx, 30*time.Second)
		conn, err := c.dial(ctx)
		cancel()
		if err != nil {
			c.logger.Warn().Err(err).Dur("nextRetry", interval).Msg("feed reconnection failed, will retry")
			continue
		}

		c.connMu.Lock()
		if c.ctx.Err() != nil {
			c.connMu.Unlock()
			conn.Close()
			return false
		}
		c.conn = conn
		c.connMu.Unlock()

		c.logger.Info().Msg("feed reconnected")
		return true
	}
}
