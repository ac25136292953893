package relay

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	tsserrors "github.com/pushchain/tss-relay/errors"
	"github.com/pushchain/tss-relay/tss/protocol"
)

// Client talks to an HTTP room relay:
//
//	GET  rooms/<room>/subscribe         server-sent events, one envelope per event
//	POST rooms/<room>/issue_unique_idx  {"unique_idx": <index>}
//	POST rooms/<room>/broadcast         one envelope
type Client struct {
	base   *url.URL
	http   *http.Client
	logger zerolog.Logger
	retry  *tsserrors.RetryConfig

	maxEvent int
}

// DefaultMaxEventSize bounds one server-sent event, and so one envelope.
const DefaultMaxEventSize = 16 << 20

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces http.DefaultClient. Its timeout must not cut the
// subscription stream short.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// WithLogger sets the client logger.
func WithLogger(logger zerolog.Logger) ClientOption {
	return func(cl *Client) { cl.logger = logger }
}

// WithRetry sets the retry policy for publishing messages.
func WithRetry(cfg *tsserrors.RetryConfig) ClientOption {
	return func(cl *Client) { cl.retry = cfg }
}

// WithMaxEventSize bounds the size of a single relay event. A relay sending
// more fails the subscription.
func WithMaxEventSize(n int) ClientOption {
	return func(cl *Client) { cl.maxEvent = n }
}

// NewClient creates a client for the relay at address.
func NewClient(address string, opts ...ClientOption) (*Client, error) {
	base, err := url.Parse(address)
	if err != nil {
		return nil, tsserrors.NewConfigError(fmt.Sprintf("invalid relay address %q: %v", address, err))
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, tsserrors.NewConfigError(fmt.Sprintf("relay address %q must use http or https", address))
	}

	c := &Client{
		base:   base,
		http:   http.DefaultClient,
		logger: zerolog.Nop(),
		retry:  tsserrors.DefaultRetryConfig(),

		maxEvent: DefaultMaxEventSize,
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With().Str("component", "relay_client").Logger()
	return c, nil
}

func (c *Client) roomURL(room, endpoint string) string {
	return c.base.JoinPath("rooms", room, endpoint).String()
}

// Join subscribes to room and then asks the relay for a unique index, so no
// message published after our index was issued can be missed. The returned
// session owns the subscription until Close.
func (c *Client) Join(ctx context.Context, room string) (protocol.Channel, error) {
	if room == "" {
		return nil, tsserrors.NewSessionError("room name is required", nil).WithStage(tsserrors.StageJoin)
	}
	if err := ctx.Err(); err != nil {
		return nil, errors.Wrap(err, "join cancelled")
	}
	log := c.logger.With().Str("room", room).Logger()

	subCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, cancel)
	fail := func(err error) (protocol.Channel, error) {
		stop()
		cancel()
		if ctx.Err() != nil {
			return nil, errors.Wrap(ctx.Err(), "join cancelled")
		}
		return nil, tsserrors.Wrap(err, tsserrors.ErrCodeConnection, tsserrors.StageJoin, room, "failed to join room")
	}

	body, err := c.subscribe(subCtx, room)
	if err != nil {
		return fail(err)
	}

	inbox := NewInbox(nil)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer body.Close()
		inbox.Close(c.readEvents(body, inbox, log))
	}()

	index, err := c.issueIndex(subCtx, room)
	if err != nil {
		cancel()
		wg.Wait()
		return fail(err)
	}
	nonce, err := newNonce()
	if err != nil {
		cancel()
		wg.Wait()
		return fail(err)
	}
	stop()

	log.Info().Uint16("index", uint16(index)).Msg("joined room")

	pub := &httpPublisher{client: c, room: room}
	return NewSession(room, index, nonce, inbox, pub, func() {
		cancel()
		wg.Wait()
		log.Debug().Uint16("index", uint16(index)).Msg("left room")
	}), nil
}

func (c *Client) subscribe(ctx context.Context, room string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.roomURL(room, "subscribe"), nil)
	if err != nil {
		return nil, tsserrors.NewConfigError(fmt.Sprintf("failed to build subscribe request: %v", err))
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, tsserrors.NewConnectionError("subscribe request failed", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, tsserrors.NewConnectionError(fmt.Sprintf("subscribe returned status %d", resp.StatusCode), nil)
	}
	return resp.Body, nil
}

type issueIndexResponse struct {
	UniqueIdx uint16 `json:"unique_idx"`
}

func (c *Client) issueIndex(ctx context.Context, room string) (protocol.PartyIndex, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.roomURL(room, "issue_unique_idx"), nil)
	if err != nil {
		return 0, tsserrors.NewConfigError(fmt.Sprintf("failed to build index request: %v", err))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, tsserrors.NewConnectionError("index request failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, tsserrors.NewConnectionError(fmt.Sprintf("issue_unique_idx returned status %d", resp.StatusCode), nil)
	}

	var out issueIndexResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<16)).Decode(&out); err != nil {
		return 0, tsserrors.NewConnectionError("malformed index response", err)
	}
	if out.UniqueIdx == 0 {
		return 0, tsserrors.NewSessionError("relay issued index 0", nil)
	}
	return protocol.PartyIndex(out.UniqueIdx), nil
}

// readEvents parses the server-sent event stream until it ends and returns
// the reason it ended.
func (c *Client) readEvents(body io.Reader, inbox *Inbox, log zerolog.Logger) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, min(64*1024, c.maxEvent)), c.maxEvent)
	var data bytes.Buffer
	var lastID string

	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		switch {
		case line == "":
			if data.Len() == 0 {
				continue
			}
			env, err := DecodeEnvelope(data.Bytes())
			data.Reset()
			if err != nil {
				log.Warn().Err(err).Str("event_id", lastID).Msg("skipping malformed relay message")
				continue
			}
			if !inbox.Push(env) {
				return nil
			}
		case strings.HasPrefix(line, ":"):
			// comment or keep-alive
		case strings.HasPrefix(line, "data:"):
			chunk := strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " ")
			if data.Len()+len(chunk)+1 > c.maxEvent {
				return tsserrors.NewConnectionError(
					fmt.Sprintf("relay event exceeds %d bytes", c.maxEvent), bufio.ErrTooLong)
			}
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(chunk)
		case strings.HasPrefix(line, "id:"):
			lastID = strings.TrimSpace(strings.TrimPrefix(line, "id:"))
		}
	}

	if err := scanner.Err(); err != nil {
		if errors.Is(err, bufio.ErrTooLong) {
			return tsserrors.NewConnectionError(
				fmt.Sprintf("relay event exceeds %d bytes", c.maxEvent), err)
		}
		return tsserrors.NewConnectionError("subscription stream failed", err)
	}
	return tsserrors.NewConnectionError("relay closed the subscription", io.EOF)
}

type httpPublisher struct {
	client *Client
	room   string
}

func (p *httpPublisher) Publish(ctx context.Context, env Envelope) error {
	payload, err := env.Encode()
	if err != nil {
		return tsserrors.NewProtocolError("failed to encode message", err)
	}

	// a repeated broadcast is dropped as a duplicate by every receiver
	return tsserrors.RetryWithConfig(ctx, func() error {
		return p.post(ctx, payload)
	}, p.client.retry)
}

func (p *httpPublisher) post(ctx context.Context, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.client.roomURL(p.room, "broadcast"), bytes.NewReader(payload))
	if err != nil {
		return tsserrors.NewConfigError(fmt.Sprintf("failed to build broadcast request: %v", err))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.http.Do(req)
	if err != nil {
		return tsserrors.NewConnectionError("broadcast request failed", err).WithRoom(p.room)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	switch {
	case resp.StatusCode >= 500:
		return tsserrors.NewConnectionError(fmt.Sprintf("broadcast returned status %d", resp.StatusCode), nil).WithRoom(p.room)
	case resp.StatusCode >= 300:
		return tsserrors.NewSessionError(fmt.Sprintf("relay rejected broadcast with status %d", resp.StatusCode), nil).WithRoom(p.room)
	}
	return nil
}
