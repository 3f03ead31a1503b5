package backends

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sethvargo/go-retry"

	"github.com/Rapheal7/My-Agent/pkg/core"
)

const (
	// duplexWriteChunk bounds outbound binary frame size.
	duplexWriteChunk = 8192

	// duplexDrainTimeout bounds how long a cancelled synthesis waits for
	// the server to acknowledge with audio_end before giving up on the
	// stream position.
	duplexDrainTimeout = 2 * time.Second
)

// duplexMessage is the JSON control envelope on a duplex connection.
// Audio travels as binary frames in both directions: client binary
// frames carry utterance PCM, server binary frames carry synthesis PCM.
type duplexMessage struct {
	Type    string     `json:"type"`
	Text    string     `json:"text,omitempty"`
	History []Exchange `json:"history,omitempty"`
	Code    string     `json:"code,omitempty"`
	Message string     `json:"message,omitempty"`
}

// DuplexClient runs all three pipeline stages over a single websocket
// connection to a duplex voice backend. Stage calls are strictly
// sequential; the client keeps one connection and one read loop for the
// life of the session.
type DuplexClient struct {
	name   string
	url    string
	apiKey string
	dialer *websocket.Dialer

	mu   sync.Mutex // guards conn setup/teardown
	conn *websocket.Conn

	writeMu sync.Mutex

	transcripts chan string
	replies     chan string
	audioChunks chan []byte
	audioEnd    chan struct{}
	errs        chan *core.Error

	done    chan struct{}
	connErr *core.Error // set before done closes
	closed  atomic.Bool
}

// DuplexOption configures a DuplexClient.
type DuplexOption func(*DuplexClient)

// WithDuplexDialer overrides the websocket dialer.
func WithDuplexDialer(d *websocket.Dialer) DuplexOption {
	return func(c *DuplexClient) { c.dialer = d }
}

// NewDuplexClient creates a client for the given ws:// or wss:// URL.
// The connection is established lazily on first use.
func NewDuplexClient(name, url, apiKey string, opts ...DuplexOption) *DuplexClient {
	c := &DuplexClient{
		name:   name,
		url:    url,
		apiKey: apiKey,
		dialer: websocket.DefaultDialer,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Name returns the backend identifier.
func (c *DuplexClient) Name() string { return c.name }

func (c *DuplexClient) header() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("Authorization", "Bearer "+c.apiKey)
	}
	return h
}

func (c *DuplexClient) ensureConn(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed.Load() {
		return core.NewTransportError(errors.New("duplex client closed"))
	}
	if c.conn != nil {
		select {
		case <-c.done:
			// read loop died; drop the dead conn and redial
			_ = c.conn.Close()
			c.conn = nil
		default:
			return nil
		}
	}

	// A dead connection mid-session is usually a blip on the far side;
	// redial with a short backoff before giving up on the stage.
	var conn *websocket.Conn
	backoff := retry.WithMaxRetries(2, retry.WithCappedDuration(10*time.Second, retry.NewExponential(500*time.Millisecond)))
	err := retry.Do(ctx, backoff, func(ctx context.Context) error {
		dialed, resp, err := c.dialer.DialContext(ctx, c.url, c.header())
		if err != nil {
			if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
				e := core.NewAuthenticationError("backend rejected credentials")
				e.Backend = c.name
				return e
			}
			return retry.RetryableError(core.NewUnavailableError(c.name, err))
		}
		conn = dialed
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return stageCtxError(c.name, ctx)
		}
		return err
	}

	c.conn = conn
	c.transcripts = make(chan string, 4)
	c.replies = make(chan string, 4)
	c.audioChunks = make(chan []byte, 64)
	c.audioEnd = make(chan struct{}, 4)
	c.errs = make(chan *core.Error, 4)
	c.done = make(chan struct{})
	go c.readLoop(conn)
	return nil
}

// readLoop dispatches inbound frames until the connection dies. Binary
// frames are synthesis audio; text frames are JSON control messages.
func (c *DuplexClient) readLoop(conn *websocket.Conn) {
	defer close(c.done)
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			if !c.closed.Load() {
				c.connErr = core.NewTransportError(fmt.Errorf("duplex read: %w", err))
			}
			return
		}

		if msgType == websocket.BinaryMessage {
			buf := make([]byte, len(data))
			copy(buf, data)
			select {
			case c.audioChunks <- buf:
			default: // receiver gone, drop
			}
			continue
		}

		var msg duplexMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		switch msg.Type {
		case "transcript":
			select {
			case c.transcripts <- msg.Text:
			default:
			}
		case "reply":
			select {
			case c.replies <- msg.Text:
			default:
			}
		case "audio_end":
			select {
			case c.audioEnd <- struct{}{}:
			default:
			}
		case "error":
			e := core.NewBackendError(c.name, fmt.Errorf("%s: %s", msg.Code, msg.Message))
			e.Code = msg.Code
			select {
			case c.errs <- e:
			default:
			}
		}
	}
}

func (c *DuplexClient) writeJSON(msg duplexMessage) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteJSON(msg); err != nil {
		return core.NewTransportError(fmt.Errorf("duplex write: %w", err))
	}
	return nil
}

func (c *DuplexClient) writeBinary(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.conn.WriteMessage(websocket.BinaryMessage, data); err != nil {
		return core.NewTransportError(fmt.Errorf("duplex write: %w", err))
	}
	return nil
}

func (c *DuplexClient) connFailure() *core.Error {
	if c.connErr != nil {
		return c.connErr
	}
	return core.NewTransportError(errors.New("duplex connection closed"))
}

// Transcribe streams the utterance PCM as binary frames, marks the end,
// and waits for the transcript.
func (c *DuplexClient) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	if err := c.ensureConn(ctx); err != nil {
		return "", err
	}
	for off := 0; off < len(pcm); off += duplexWriteChunk {
		end := off + duplexWriteChunk
		if end > len(pcm) {
			end = len(pcm)
		}
		if err := c.writeBinary(pcm[off:end]); err != nil {
			return "", err
		}
	}
	if err := c.writeJSON(duplexMessage{Type: "utterance_end"}); err != nil {
		return "", err
	}

	select {
	case text := <-c.transcripts:
		return text, nil
	case err := <-c.errs:
		return "", err
	case <-c.done:
		return "", c.connFailure()
	case <-ctx.Done():
		return "", stageCtxError(c.name, ctx)
	}
}

// Complete sends the user turn together with history and waits for the
// assistant reply text.
func (c *DuplexClient) Complete(ctx context.Context, history []Exchange, userText string) (string, error) {
	if err := c.ensureConn(ctx); err != nil {
		return "", err
	}
	if err := c.writeJSON(duplexMessage{Type: "generate", Text: userText, History: history}); err != nil {
		return "", err
	}

	select {
	case text := <-c.replies:
		return text, nil
	case err := <-c.errs:
		return "", err
	case <-c.done:
		return "", c.connFailure()
	case <-ctx.Done():
		return "", stageCtxError(c.name, ctx)
	}
}

// Synthesize requests speech for the reply and forwards binary audio
// frames until the server signals audio_end. Cancelling ctx sends a
// cancel upstream and drains the remaining frames so the connection
// stays usable for the next turn.
func (c *DuplexClient) Synthesize(ctx context.Context, text string) (<-chan []byte, error) {
	if err := c.ensureConn(ctx); err != nil {
		return nil, err
	}
	if err := c.writeJSON(duplexMessage{Type: "speak", Text: text}); err != nil {
		return nil, err
	}

	out := make(chan []byte, 32)
	go func() {
		defer close(out)
		for {
			select {
			case chunk := <-c.audioChunks:
				select {
				case out <- chunk:
				case <-ctx.Done():
					c.cancelAndDrain()
					return
				case <-c.done:
					return
				}
			case <-c.audioEnd:
				return
			case err := <-c.errs:
				_ = err // stream aborted upstream
				return
			case <-c.done:
				return
			case <-ctx.Done():
				c.cancelAndDrain()
				return
			}
		}
	}()
	return out, nil
}

// cancelAndDrain tells the server to stop the current synthesis and
// discards frames until audio_end so a superseding turn starts from a
// clean stream position.
func (c *DuplexClient) cancelAndDrain() {
	_ = c.writeJSON(duplexMessage{Type: "cancel"})
	deadline := time.NewTimer(duplexDrainTimeout)
	defer deadline.Stop()
	for {
		select {
		case <-c.audioChunks:
		case <-c.audioEnd:
			return
		case <-c.done:
			return
		case <-deadline.C:
			return
		}
	}
}

// Probe dials the endpoint and closes immediately; it never touches the
// persistent connection.
func (c *DuplexClient) Probe(ctx context.Context) error {
	if c.url == "" {
		return core.NewUnavailableError(c.name, errors.New("no endpoint configured"))
	}
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	conn, resp, err := c.dialer.DialContext(probeCtx, c.url, c.header())
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			e := core.NewAuthenticationError("backend rejected credentials")
			e.Backend = c.name
			return e
		}
		return core.NewUnavailableError(c.name, err)
	}
	_ = conn.Close()
	return nil
}

// Close tears down the connection. Safe to call more than once.
func (c *DuplexClient) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	c.writeMu.Lock()
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.conn.Close()
	c.conn = nil
	return err
}

// stageCtxError maps a cancelled stage context to the right error kind:
// deadline means the backend timed out, plain cancellation means the
// turn was superseded and the caller discards the result anyway.
func stageCtxError(name string, ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return core.NewTimeoutError(name)
	}
	return ctx.Err()
}
