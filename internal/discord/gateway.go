package discord

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ashureev/chaincord/internal/domain"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/tidwall/gjson"
)

// DefaultGatewayURL is the gateway endpoint for API v10 with JSON encoding.
const DefaultGatewayURL = "wss://gateway.discord.gg/?v=10&encoding=json"

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
	opHeartbeatACK   = 11
)

// Gateway intents.
const (
	IntentGuilds         = 1 << 0
	IntentGuildMessages  = 1 << 9
	IntentDirectMessages = 1 << 12
	IntentMessageContent = 1 << 15

	DefaultIntents = IntentGuilds | IntentGuildMessages | IntentDirectMessages | IntentMessageContent
)

const (
	closeAuthenticationFailed = websocket.StatusCode(4004)
	closeDisallowedIntents    = websocket.StatusCode(4014)
	closeZombie               = websocket.StatusCode(4000)

	gatewayReadLimit = 4 << 20
)

var (
	errReconnect      = errors.New("gateway requested reconnect")
	errInvalidSession = errors.New("gateway invalidated session")
	errFatalClose     = errors.New("gateway closed with a fatal code")
)

// MessageHandler receives messages created in channels the bot can see.
type MessageHandler func(ctx context.Context, msg *domain.Message)

type gatewayPayload struct {
	Op int             `json:"op"`
	D  json.RawMessage `json:"d,omitempty"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
}

// GatewayOptions configures a Gateway.
type GatewayOptions struct {
	URL     string
	Token   string
	Status  string
	Intents int
	Logger  *slog.Logger
}

// Gateway keeps a websocket session to Discord and dispatches messages. Each
// message is handled in its own goroutine.
type Gateway struct {
	client  *Client
	opts    GatewayOptions
	handler MessageHandler
	logger  *slog.Logger

	minBackoff time.Duration
	maxBackoff time.Duration

	seq      atomic.Int64
	acked    atomic.Bool
	handlers sync.WaitGroup
}

// NewGateway creates a gateway client. The REST client resolves channels for
// inbound messages and receives the bot identity on READY.
func NewGateway(client *Client, opts GatewayOptions, handler MessageHandler) *Gateway {
	if opts.URL == "" {
		opts.URL = DefaultGatewayURL
	}
	if opts.Intents == 0 {
		opts.Intents = DefaultIntents
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Gateway{
		client:     client,
		opts:       opts,
		handler:    handler,
		logger:     opts.Logger,
		minBackoff: time.Second,
		maxBackoff: time.Minute,
	}
}

// Run keeps a session open until ctx is cancelled, reconnecting with
// exponential backoff. It returns after in-flight handlers finish.
func (g *Gateway) Run(ctx context.Context) error {
	defer g.handlers.Wait()

	backoff := g.minBackoff
	for {
		started := time.Now()
		err := g.session(ctx)
		if ctx.Err() != nil {
			return nil
		}
		if errors.Is(err, errFatalClose) {
			return err
		}
		if time.Since(started) > time.Minute {
			backoff = g.minBackoff
		}

		g.logger.Warn("Gateway session ended, reconnecting", "error", err, "backoff", backoff)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, g.maxBackoff)
	}
}

func (g *Gateway) session(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, g.opts.URL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer func() { _ = conn.CloseNow() }()
	conn.SetReadLimit(gatewayReadLimit)

	var hello gatewayPayload
	if err := wsjson.Read(ctx, conn, &hello); err != nil {
		return fmt.Errorf("read hello: %w", err)
	}
	if hello.Op != opHello {
		return fmt.Errorf("expected hello, got op %d", hello.Op)
	}
	interval := time.Duration(gjson.GetBytes(hello.D, "heartbeat_interval").Int()) * time.Millisecond
	if interval <= 0 {
		return errors.New("hello without heartbeat interval")
	}

	g.seq.Store(-1)
	g.acked.Store(true)
	if err := wsjson.Write(ctx, conn, g.identify()); err != nil {
		return fmt.Errorf("send identify: %w", err)
	}

	sessCtx, cancel := context.WithCancel(ctx)
	heartbeatDone := make(chan struct{})
	go func() {
		defer close(heartbeatDone)
		g.heartbeat(sessCtx, conn, interval)
	}()
	defer func() {
		cancel()
		<-heartbeatDone
	}()

	for {
		var p gatewayPayload
		if err := wsjson.Read(sessCtx, conn, &p); err != nil {
			switch websocket.CloseStatus(err) {
			case closeAuthenticationFailed, closeDisallowedIntents:
				return fmt.Errorf("%w: %w", errFatalClose, err)
			}
			return fmt.Errorf("read gateway: %w", err)
		}
		if p.S != nil {
			g.seq.Store(*p.S)
		}

		switch p.Op {
		case opDispatch:
			g.dispatch(ctx, p)
		case opHeartbeat:
			if err := g.sendHeartbeat(sessCtx, conn); err != nil {
				return err
			}
		case opHeartbeatACK:
			g.acked.Store(true)
		case opReconnect:
			return errReconnect
		case opInvalidSession:
			return errInvalidSession
		}
	}
}

// heartbeat sends heartbeats at the negotiated interval, starting after a
// random fraction of it. A missing ack closes the connection.
func (g *Gateway) heartbeat(ctx context.Context, conn *websocket.Conn, interval time.Duration) {
	first := time.Duration(rand.Float64() * float64(interval))
	timer := time.NewTimer(first)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
		}
		if !g.acked.Load() {
			g.logger.Warn("Gateway heartbeat not acknowledged, closing connection")
			_ = conn.Close(closeZombie, "heartbeat not acknowledged")
			return
		}
		g.acked.Store(false)
		if err := g.sendHeartbeat(ctx, conn); err != nil {
			if ctx.Err() == nil {
				g.logger.Warn("Failed to send heartbeat", "error", err)
				_ = conn.CloseNow()
			}
			return
		}
		timer.Reset(interval)
	}
}

func (g *Gateway) sendHeartbeat(ctx context.Context, conn *websocket.Conn) error {
	var seq any
	if s := g.seq.Load(); s >= 0 {
		seq = s
	}
	if err := wsjson.Write(ctx, conn, map[string]any{"op": opHeartbeat, "d": seq}); err != nil {
		return fmt.Errorf("send heartbeat: %w", err)
	}
	return nil
}

func (g *Gateway) identify() map[string]any {
	presence := map[string]any{
		"status":     "online",
		"afk":        false,
		"since":      nil,
		"activities": []any{},
	}
	if g.opts.Status != "" {
		presence["activities"] = []map[string]any{{
			"name":  "Custom Status",
			"type":  4,
			"state": g.opts.Status,
		}}
	}
	return map[string]any{
		"op": opIdentify,
		"d": map[string]any{
			"token":   g.opts.Token,
			"intents": g.opts.Intents,
			"properties": map[string]string{
				"os":      runtime.GOOS,
				"browser": "chaincord",
				"device":  "chaincord",
			},
			"presence": presence,
		},
	}
}

func (g *Gateway) dispatch(ctx context.Context, p gatewayPayload) {
	switch p.T {
	case "READY":
		user := gjson.GetBytes(p.D, "user")
		id := domain.Identity{ID: user.Get("id").String(), DisplayName: user.Get("global_name").String()}
		if id.DisplayName == "" {
			id.DisplayName = user.Get("username").String()
		}
		g.client.SetSelf(id)
		g.logger.Info("Gateway ready",
			"user_id", id.ID,
			"name", id.DisplayName,
			"guilds", len(gjson.GetBytes(p.D, "guilds").Array()),
		)
	case "CHANNEL_UPDATE", "THREAD_UPDATE", "CHANNEL_DELETE", "THREAD_DELETE":
		g.client.ForgetChannel(gjson.GetBytes(p.D, "id").String())
	case "MESSAGE_CREATE":
		var raw apiMessage
		if err := json.Unmarshal(p.D, &raw); err != nil {
			g.logger.Warn("Failed to decode message event", "error", err)
			return
		}
		g.handlers.Add(1)
		go func() {
			defer g.handlers.Done()
			msg, err := g.client.convert(ctx, &raw)
			if err != nil {
				g.logger.Warn("Failed to resolve message channel", "message_id", raw.ID, "channel_id", raw.ChannelID, "error", err)
				return
			}
			g.handler(ctx, msg)
		}()
	}
}
