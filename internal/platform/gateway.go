package platform

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/ent0n29/kadenbot/internal/reliability"
)

const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opRequestMembers = 8
	opHello          = 10
	opHeartbeatACK   = 11
)

// Gateway intents: guilds, guild members, presences, guild messages and
// message content. Members and presences feed the roster; message content
// is required to read questions at all.
const gatewayIntents = 1<<0 | 1<<1 | 1<<8 | 1<<9 | 1<<15

const (
	gatewayWriteTimeout     = 5 * time.Second
	gatewayReconnectBase    = time.Second
	gatewayReconnectCap     = 30 * time.Second
	gatewayHandshakeTimeout = 10 * time.Second
)

// GatewayConfig controls the gateway connection.
type GatewayConfig struct {
	URL   string
	Token string
}

// GatewayStatus is a read-only snapshot of the connection state.
type GatewayStatus struct {
	Connected   bool   `json:"connected"`
	BotUserID   string `json:"bot_user_id"`
	BotUsername string `json:"bot_username"`
	Guilds      int    `json:"guilds"`
}

// MessageHandler consumes normalized inbound messages. Handlers run on
// their own goroutine per message; slow completion calls must not stall
// the gateway read loop.
type MessageHandler func(msg InboundMessage)

// Gateway maintains the websocket session with the messaging platform:
// identify, heartbeats, dispatch decoding, roster upkeep and reconnection
// with capped backoff.
type Gateway struct {
	cfg     GatewayConfig
	roster  *Roster
	handler MessageHandler
	dialer  websocket.Dialer

	writeMu sync.Mutex
	conn    *websocket.Conn

	mu          sync.RWMutex
	botUserID   string
	botUsername string
	connected   bool
	seq         *int64
}

func NewGateway(cfg GatewayConfig, roster *Roster, handler MessageHandler) *Gateway {
	return &Gateway{
		cfg:     cfg,
		roster:  roster,
		handler: handler,
		dialer:  websocket.Dialer{HandshakeTimeout: gatewayHandshakeTimeout},
	}
}

// BotUserID returns the bot's own user ID, empty until the first ready
// event has been received.
func (g *Gateway) BotUserID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.botUserID
}

// Status reports the current connection snapshot.
func (g *Gateway) Status() GatewayStatus {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return GatewayStatus{
		Connected:   g.connected,
		BotUserID:   g.botUserID,
		BotUsername: g.botUsername,
		Guilds:      g.roster.GuildCount(),
	}
}

type gatewayFrame struct {
	Op int             `json:"op"`
	T  string          `json:"t,omitempty"`
	S  *int64          `json:"s,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

type helloPayload struct {
	HeartbeatInterval int `json:"heartbeat_interval"`
}

type identifyProperties struct {
	OS      string `json:"os"`
	Browser string `json:"browser"`
	Device  string `json:"device"`
}

type identifyPayload struct {
	Token      string             `json:"token"`
	Intents    int                `json:"intents"`
	Properties identifyProperties `json:"properties"`
}

type userPayload struct {
	ID         string `json:"id"`
	Username   string `json:"username"`
	GlobalName string `json:"global_name"`
	Bot        bool   `json:"bot"`
}

func (u userPayload) displayName() string {
	if u.GlobalName != "" {
		return u.GlobalName
	}
	return u.Username
}

type readyPayload struct {
	User userPayload `json:"user"`
}

type memberPayload struct {
	User userPayload `json:"user"`
	Nick string      `json:"nick"`
}

func (m memberPayload) displayName() string {
	if m.Nick != "" {
		return m.Nick
	}
	return m.User.displayName()
}

type presencePayload struct {
	User struct {
		ID string `json:"id"`
	} `json:"user"`
	GuildID string `json:"guild_id"`
	Status  string `json:"status"`
}

type guildCreatePayload struct {
	ID        string            `json:"id"`
	Members   []memberPayload   `json:"members"`
	Presences []presencePayload `json:"presences"`
}

type membersChunkPayload struct {
	GuildID   string            `json:"guild_id"`
	Members   []memberPayload   `json:"members"`
	Presences []presencePayload `json:"presences"`
}

type messageCreatePayload struct {
	ID        string        `json:"id"`
	ChannelID string        `json:"channel_id"`
	GuildID   string        `json:"guild_id"`
	Content   string        `json:"content"`
	Author    userPayload   `json:"author"`
	Mentions  []userPayload `json:"mentions"`
}

type requestMembersPayload struct {
	GuildID   string `json:"guild_id"`
	Query     string `json:"query"`
	Limit     int    `json:"limit"`
	Presences bool   `json:"presences"`
	Nonce     string `json:"nonce"`
}

// Run connects to the gateway and blocks until ctx is cancelled or a fatal
// close code is received. Transient failures reconnect with capped backoff.
func (g *Gateway) Run(ctx context.Context) error {
	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		started := time.Now()
		err := g.runSession(ctx)
		g.setConnected(false)
		if err == nil || errors.Is(err, context.Canceled) {
			return ctx.Err()
		}

		var closeErr *websocket.CloseError
		if errors.As(err, &closeErr) && reliability.IsFatalGatewayCloseCode(closeErr.Code) {
			return fmt.Errorf("gateway closed with fatal code %d: %w", closeErr.Code, err)
		}

		// A session that lived for a while resets the backoff ladder.
		if time.Since(started) > time.Minute {
			attempt = 0
		}
		delay := reliability.ExponentialBackoff(attempt, gatewayReconnectBase, gatewayReconnectCap)
		attempt++
		log.Printf("gateway: session ended (%v), reconnecting in %s", err, delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
}

func (g *Gateway) runSession(ctx context.Context) error {
	conn, _, err := g.dialer.DialContext(ctx, g.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("dial gateway: %w", err)
	}
	defer conn.Close()

	g.writeMu.Lock()
	g.conn = conn
	g.writeMu.Unlock()

	hello, err := g.readHello(conn)
	if err != nil {
		return err
	}

	identify := gatewayFrame{Op: opIdentify}
	identify.D, _ = json.Marshal(identifyPayload{
		Token:   g.cfg.Token,
		Intents: gatewayIntents,
		Properties: identifyProperties{
			OS:      runtime.GOOS,
			Browser: "kadenbot",
			Device:  "kadenbot",
		},
	})
	if err := g.writeFrame(identify); err != nil {
		return fmt.Errorf("identify: %w", err)
	}

	sessionCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go g.heartbeatLoop(sessionCtx, time.Duration(hello.HeartbeatInterval)*time.Millisecond)

	// Close the socket when the parent context ends so the blocking read
	// below returns promptly.
	go func() {
		<-sessionCtx.Done()
		conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("gateway read: %w", err)
		}

		var frame gatewayFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Printf("gateway: dropping malformed frame: %v", err)
			continue
		}
		if frame.S != nil {
			g.mu.Lock()
			g.seq = frame.S
			g.mu.Unlock()
		}

		switch frame.Op {
		case opDispatch:
			g.handleDispatch(frame.T, frame.D)
		case opHeartbeat:
			if err := g.sendHeartbeat(); err != nil {
				return fmt.Errorf("heartbeat on request: %w", err)
			}
		case opHeartbeatACK:
			// nothing to do
		}
	}
}

func (g *Gateway) readHello(conn *websocket.Conn) (helloPayload, error) {
	_, data, err := conn.ReadMessage()
	if err != nil {
		return helloPayload{}, fmt.Errorf("read hello: %w", err)
	}
	var frame gatewayFrame
	if err := json.Unmarshal(data, &frame); err != nil {
		return helloPayload{}, fmt.Errorf("decode hello: %w", err)
	}
	if frame.Op != opHello {
		return helloPayload{}, fmt.Errorf("expected hello opcode %d, got %d", opHello, frame.Op)
	}
	var hello helloPayload
	if err := json.Unmarshal(frame.D, &hello); err != nil {
		return helloPayload{}, fmt.Errorf("decode hello payload: %w", err)
	}
	if hello.HeartbeatInterval <= 0 {
		return helloPayload{}, fmt.Errorf("invalid heartbeat interval %d", hello.HeartbeatInterval)
	}
	return hello, nil
}

func (g *Gateway) heartbeatLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := g.sendHeartbeat(); err != nil {
				log.Printf("gateway: heartbeat failed: %v", err)
				return
			}
		}
	}
}

func (g *Gateway) sendHeartbeat() error {
	g.mu.RLock()
	seq := g.seq
	g.mu.RUnlock()

	frame := gatewayFrame{Op: opHeartbeat}
	if seq != nil {
		frame.D, _ = json.Marshal(*seq)
	} else {
		frame.D = json.RawMessage("null")
	}
	return g.writeFrame(frame)
}

func (g *Gateway) writeFrame(frame gatewayFrame) error {
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if g.conn == nil {
		return errors.New("gateway not connected")
	}
	g.conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
	return g.conn.WriteJSON(frame)
}

func (g *Gateway) handleDispatch(event string, data json.RawMessage) {
	switch event {
	case "READY":
		var ready readyPayload
		if err := json.Unmarshal(data, &ready); err != nil {
			log.Printf("gateway: decode ready: %v", err)
			return
		}
		g.mu.Lock()
		g.botUserID = ready.User.ID
		g.botUsername = ready.User.Username
		g.connected = true
		g.mu.Unlock()
		log.Printf("gateway: ready as %s (ID: %s)", ready.User.Username, ready.User.ID)

	case "GUILD_CREATE":
		var guild guildCreatePayload
		if err := json.Unmarshal(data, &guild); err != nil {
			log.Printf("gateway: decode guild create: %v", err)
			return
		}
		for _, m := range guild.Members {
			g.roster.UpsertMember(guild.ID, m.User.ID, m.displayName(), m.User.Bot)
		}
		for _, p := range guild.Presences {
			g.roster.SetStatus(guild.ID, p.User.ID, p.Status)
		}
		// Guild payloads only carry a member subset; request the full
		// roster with presences as the explicit per-guild sync step.
		if err := g.requestMembers(guild.ID); err != nil {
			log.Printf("gateway: request members for guild %s: %v", guild.ID, err)
		}

	case "GUILD_MEMBERS_CHUNK":
		var chunk membersChunkPayload
		if err := json.Unmarshal(data, &chunk); err != nil {
			log.Printf("gateway: decode members chunk: %v", err)
			return
		}
		for _, m := range chunk.Members {
			g.roster.UpsertMember(chunk.GuildID, m.User.ID, m.displayName(), m.User.Bot)
		}
		for _, p := range chunk.Presences {
			g.roster.SetStatus(chunk.GuildID, p.User.ID, p.Status)
		}

	case "PRESENCE_UPDATE":
		var presence presencePayload
		if err := json.Unmarshal(data, &presence); err != nil {
			log.Printf("gateway: decode presence update: %v", err)
			return
		}
		g.roster.SetStatus(presence.GuildID, presence.User.ID, presence.Status)

	case "MESSAGE_CREATE":
		var msg messageCreatePayload
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Printf("gateway: decode message create: %v", err)
			return
		}
		if g.handler == nil {
			return
		}
		inbound := InboundMessage{
			ID:          msg.ID,
			GuildID:     msg.GuildID,
			ChannelID:   msg.ChannelID,
			AuthorID:    msg.Author.ID,
			AuthorIsBot: msg.Author.Bot,
			Content:     msg.Content,
			MentionsBot: g.mentionsBot(msg.Mentions),
		}
		go g.handler(inbound)
	}
}

func (g *Gateway) mentionsBot(mentions []userPayload) bool {
	botID := g.BotUserID()
	if botID == "" {
		return false
	}
	for _, m := range mentions {
		if m.ID == botID {
			return true
		}
	}
	return false
}

func (g *Gateway) requestMembers(guildID string) error {
	frame := gatewayFrame{Op: opRequestMembers}
	frame.D, _ = json.Marshal(requestMembersPayload{
		GuildID:   guildID,
		Query:     "",
		Limit:     0,
		Presences: true,
		Nonce:     uuid.NewString(),
	})
	return g.writeFrame(frame)
}

func (g *Gateway) setConnected(connected bool) {
	g.mu.Lock()
	g.connected = connected
	g.mu.Unlock()
}
