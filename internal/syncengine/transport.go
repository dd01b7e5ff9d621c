package syncengine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"nhooyr.io/websocket"
)

const defaultReconnectDelay = 5 * time.Second

// channelMessageSchema constrains what the server may push over the channel.
// Anything that fails validation is dropped and logged, never fatal.
const channelMessageSchema = `{
	"$schema": "https://json-schema.org/draft/2020-12/schema",
	"type": "object",
	"required": ["type"],
	"properties": {
		"type": {
			"type": "string",
			"enum": ["entity_updated", "sync_required", "conflict_detected"]
		},
		"payload": {}
	}
}`

type ChannelMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// ChannelConn is one established push connection.
type ChannelConn interface {
	Read(ctx context.Context) ([]byte, error)
	Close() error
}

// ChannelDialer establishes push connections. The websocket implementation is
// the production dialer; tests substitute fakes.
type ChannelDialer interface {
	Dial(ctx context.Context, token string) (ChannelConn, error)
}

type ChannelCallbacks struct {
	OnConnected        func()
	OnDisconnected     func(err error)
	OnEntityUpdated    func(event SyncEvent)
	OnSyncRequired     func()
	OnConflictDetected func(conflict Conflict)
}

// Channel maintains one logical persistent connection to the remote
// authority. After any disconnect it waits a fixed delay and redials for as
// long as a credential exists.
type Channel struct {
	dialer         ChannelDialer
	credentials    CredentialSource
	callbacks      ChannelCallbacks
	logger         Logger
	reconnectDelay time.Duration
	schema         *jsonschema.Schema
}

func NewChannel(dialer ChannelDialer, credentials CredentialSource, callbacks ChannelCallbacks, logger Logger) (*Channel, error) {
	if dialer == nil || credentials == nil {
		return nil, ErrInvalidInput
	}
	schema, err := compileChannelSchema()
	if err != nil {
		return nil, err
	}
	return &Channel{
		dialer:         dialer,
		credentials:    credentials,
		callbacks:      callbacks,
		logger:         loggerOrNop(logger),
		reconnectDelay: defaultReconnectDelay,
		schema:         schema,
	}, nil
}

func compileChannelSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(channelMessageSchema))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("channel-message.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("channel-message.json")
}

// Run drives the connect/read/reconnect loop until ctx is cancelled. Each
// established connection fires OnConnected; every drop fires OnDisconnected
// and schedules a redial after the fixed delay.
func (c *Channel) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		token, ok := c.credentials.Token()
		if !ok {
			if waitWithContext(ctx, c.reconnectDelay) != nil {
				return
			}
			continue
		}

		conn, err := c.dialer.Dial(ctx, token)
		if err != nil {
			c.logger.Printf("channel connect failed: %v", err)
			if c.callbacks.OnDisconnected != nil {
				c.callbacks.OnDisconnected(err)
			}
			if waitWithContext(ctx, c.reconnectDelay) != nil {
				return
			}
			continue
		}

		if c.callbacks.OnConnected != nil {
			c.callbacks.OnConnected()
		}
		readErr := c.readLoop(ctx, conn)
		_ = conn.Close()
		if c.callbacks.OnDisconnected != nil {
			c.callbacks.OnDisconnected(readErr)
		}
		if waitWithContext(ctx, c.reconnectDelay) != nil {
			return
		}
	}
}

func (c *Channel) readLoop(ctx context.Context, conn ChannelConn) error {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		c.handleMessage(data)
	}
}

func (c *Channel) handleMessage(data []byte) {
	instance, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		c.logger.Printf("dropping malformed channel message: %v", err)
		return
	}
	if err := c.schema.Validate(instance); err != nil {
		c.logger.Printf("dropping invalid channel message: %v", err)
		return
	}
	var message ChannelMessage
	if err := json.Unmarshal(data, &message); err != nil {
		c.logger.Printf("dropping malformed channel message: %v", err)
		return
	}

	switch message.Type {
	case "entity_updated":
		var event SyncEvent
		if err := json.Unmarshal(message.Payload, &event); err != nil {
			c.logger.Printf("dropping entity_updated with bad payload: %v", err)
			return
		}
		if err := event.validate(); err != nil {
			c.logger.Printf("dropping entity_updated with bad payload: %v", err)
			return
		}
		if c.callbacks.OnEntityUpdated != nil {
			c.callbacks.OnEntityUpdated(event)
		}
	case "sync_required":
		if c.callbacks.OnSyncRequired != nil {
			c.callbacks.OnSyncRequired()
		}
	case "conflict_detected":
		var conflict Conflict
		if err := json.Unmarshal(message.Payload, &conflict); err != nil {
			c.logger.Printf("dropping conflict_detected with bad payload: %v", err)
			return
		}
		if c.callbacks.OnConflictDetected != nil {
			c.callbacks.OnConflictDetected(conflict)
		}
	}
}

// WebsocketDialer dials the remote authority's push endpoint, authenticating
// with the current credential.
type WebsocketDialer struct {
	endpoint string
}

// NewWebsocketDialer derives the ws endpoint from the API base URL.
func NewWebsocketDialer(baseURL string) *WebsocketDialer {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	endpoint := baseURL + "/ws"
	if strings.HasPrefix(endpoint, "https://") {
		endpoint = "wss://" + strings.TrimPrefix(endpoint, "https://")
	} else if strings.HasPrefix(endpoint, "http://") {
		endpoint = "ws://" + strings.TrimPrefix(endpoint, "http://")
	}
	return &WebsocketDialer{endpoint: endpoint}
}

func (d *WebsocketDialer) Dial(ctx context.Context, token string) (ChannelConn, error) {
	target := fmt.Sprintf("%s?token=%s", d.endpoint, url.QueryEscape(token))
	conn, _, err := websocket.Dial(ctx, target, nil)
	if err != nil {
		return nil, err
	}
	return &websocketConn{conn: conn}, nil
}

type websocketConn struct {
	conn *websocket.Conn
}

func (c *websocketConn) Read(ctx context.Context) ([]byte, error) {
	_, data, err := c.conn.Read(ctx)
	return data, err
}

func (c *websocketConn) Close() error {
	return c.conn.Close(websocket.StatusNormalClosure, "")
}
