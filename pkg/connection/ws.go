package connection

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"

	"github.com/openclub/livesync/internal/rand"
	"github.com/openclub/livesync/pkg/constants"
	"github.com/openclub/livesync/pkg/logger"
)

// DefaultDialer is the gorilla dialer used by WebSocketClient. It enables
// compression and negotiates the cbor subprotocol.
var DefaultDialer = &gorilla.Dialer{
	Proxy:             gorilla.DefaultDialer.Proxy,
	HandshakeTimeout:  gorilla.DefaultDialer.HandshakeTimeout,
	EnableCompression: true,
	Subprotocols:      []string{"cbor"},
}

type feed struct {
	handle *Handle
	events chan ChangeEvent
	errs   chan error
}

// WebSocketClient implements Client over a single CBOR-framed websocket.
// Requests are correlated with responses by id; messages without an id are
// change-feed notifications routed to their feed by subscription id.
//
// The client is reusable: after the transport drops, a later Connect
// establishes a fresh socket. Subscriptions do not survive a drop; the
// owner re-subscribes after reconnecting.
type WebSocketClient struct {
	baseURL     string
	marshaler   marshaler
	unmarshaler unmarshaler
	logger      logger.Logger

	// Timeout bounds a single RPC round trip after the request was
	// written. Zero disables it; callers then control deadlines through
	// ctx alone.
	Timeout time.Duration

	conn     *gorilla.Conn
	connLock sync.Mutex

	respLock  sync.Mutex
	responses map[string]chan RPCResponse[cbor.RawMessage]

	feedLock sync.Mutex
	feeds    map[uuid.UUID]*feed

	genLock   sync.Mutex
	closeCh   chan struct{}
	closeOnce *sync.Once
	closeErr  error
}

type marshaler interface {
	Marshal(v any) ([]byte, error)
}

type unmarshaler interface {
	Unmarshal(data []byte, dst any) error
}

var _ Client = (*WebSocketClient)(nil)

func NewWebSocketClient(p NewClientParams) *WebSocketClient {
	return &WebSocketClient{
		baseURL:     p.BaseURL,
		marshaler:   p.Marshaler,
		unmarshaler: p.Unmarshaler,
		logger:      p.Logger,
		Timeout:     constants.DefaultRPCTimeout,
		responses:   make(map[string]chan RPCResponse[cbor.RawMessage]),
		feeds:       make(map[uuid.UUID]*feed),
	}
}

func (ws *WebSocketClient) preConnectionChecks() error {
	if ws.baseURL == "" {
		return constants.ErrNoBaseURL
	}
	if ws.marshaler == nil {
		return constants.ErrNoMarshaler
	}
	if ws.unmarshaler == nil {
		return constants.ErrNoUnmarshaler
	}
	return nil
}

// Connect dials the backend and starts the read loop. Calling Connect while
// a previous socket is still alive is a no-op.
func (ws *WebSocketClient) Connect(ctx context.Context) error {
	if err := ws.preConnectionChecks(); err != nil {
		return err
	}

	ws.connLock.Lock()
	defer ws.connLock.Unlock()

	if ws.conn != nil && !ws.closed() {
		return nil
	}

	conn, res, err := DefaultDialer.DialContext(ctx, fmt.Sprintf("%s/rpc", ws.baseURL), nil)
	if err != nil {
		return fmt.Errorf("%w: dial %s: %w", constants.ErrConnection, ws.baseURL, err)
	}
	defer res.Body.Close()

	ws.conn = conn

	ws.genLock.Lock()
	closeCh := make(chan struct{})
	ws.closeCh = closeCh
	ws.closeOnce = new(sync.Once)
	ws.closeErr = nil
	ws.genLock.Unlock()

	go ws.readLoop(conn, closeCh)
	return nil
}

// Close sends a close frame, then closes the socket. The close frame write
// is bounded by ctx; the socket is closed even if the write fails, so local
// resources are never leaked by an unresponsive server.
func (ws *WebSocketClient) Close(ctx context.Context) error {
	ws.connLock.Lock()
	defer ws.connLock.Unlock()

	if ws.conn == nil {
		return nil
	}

	ws.shutdown(constants.ErrClosed)

	writeErr := make(chan error, 1)
	go func() {
		writeErr <- ws.conn.WriteMessage(gorilla.CloseMessage,
			gorilla.FormatCloseMessage(constants.CloseMessageCode, ""))
	}()

	select {
	case err := <-writeErr:
		if err != nil {
			ws.logger.Error("failed to write close message", "error", err)
		}
	case <-ctx.Done():
	}

	return ws.conn.Close()
}

// Ping performs one liveness round trip.
func (ws *WebSocketClient) Ping(ctx context.Context) error {
	return ws.Send(ctx, nil, "ping")
}

// Subscribe opens a change feed and returns its handle. The feed's channels
// are owned by the client and closed on Unsubscribe or transport shutdown.
func (ws *WebSocketClient) Subscribe(ctx context.Context, req SubscriptionRequest) (*Handle, error) {
	var rawID string
	if err := ws.Send(ctx, &rawID, "live", req.Table, string(req.Action), req.Filter); err != nil {
		return nil, fmt.Errorf("%w: live %s: %w", constants.ErrSubscription, req.Table, err)
	}

	id, err := uuid.Parse(rawID)
	if err != nil {
		return nil, fmt.Errorf("%w: malformed live id %q", constants.ErrSubscription, rawID)
	}

	f := &feed{
		events: make(chan ChangeEvent, 64),
		errs:   make(chan error, 1),
	}
	f.handle = &Handle{ID: id, Request: req, Events: f.events, Errs: f.errs}

	ws.feedLock.Lock()
	ws.feeds[id] = f
	ws.feedLock.Unlock()

	return f.handle, nil
}

// Unsubscribe kills the change feed and closes its channels.
func (ws *WebSocketClient) Unsubscribe(ctx context.Context, h *Handle) error {
	ws.feedLock.Lock()
	f, ok := ws.feeds[h.ID]
	delete(ws.feeds, h.ID)
	ws.feedLock.Unlock()

	if !ok {
		return nil
	}
	close(f.events)
	close(f.errs)

	if ws.closed() {
		// The feed died with the socket; there is nothing to kill.
		return nil
	}
	return ws.Send(ctx, nil, "kill", h.ID.String())
}

// Fetch runs a named read query.
func (ws *WebSocketClient) Fetch(ctx context.Context, query string, params map[string]any, dest any) error {
	return ws.Send(ctx, dest, "query", query, params)
}

// Invoke calls a server-side procedure.
func (ws *WebSocketClient) Invoke(ctx context.Context, proc string, params map[string]any, dest any) error {
	return ws.Send(ctx, dest, "invoke", proc, params)
}

// Send performs one RPC round trip and unmarshals the result into dest.
// A nil dest discards the result.
func (ws *WebSocketClient) Send(ctx context.Context, dest any, method string, params ...any) error {
	if ws.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, ws.Timeout)
		defer cancel()
	}

	ws.genLock.Lock()
	closeCh := ws.closeCh
	ws.genLock.Unlock()
	if closeCh == nil {
		return constants.ErrNotConnected
	}

	select {
	case <-closeCh:
		return ws.closeError()
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	id := rand.NewRequestID(constants.RequestIDLength)
	responseChan, err := ws.createResponseChannel(id)
	if err != nil {
		return err
	}
	defer ws.removeResponseChannel(id)

	if err := ws.write(&RPCRequest{ID: id, Method: method, Params: params}); err != nil {
		return fmt.Errorf("%w: %w", constants.ErrConnection, err)
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-closeCh:
		return ws.closeError()
	case res := <-responseChan:
		if res.Error != nil {
			return res.Error
		}
		if dest == nil || res.Result == nil {
			return nil
		}
		if err := ws.unmarshaler.Unmarshal([]byte(*res.Result), dest); err != nil {
			return fmt.Errorf("error unmarshaling response: %w", err)
		}
		return nil
	}
}

func (ws *WebSocketClient) createResponseChannel(id string) (chan RPCResponse[cbor.RawMessage], error) {
	ws.respLock.Lock()
	defer ws.respLock.Unlock()

	if _, ok := ws.responses[id]; ok {
		return nil, fmt.Errorf("%w: %v", constants.ErrIDInUse, id)
	}

	ch := make(chan RPCResponse[cbor.RawMessage], 1)
	ws.responses[id] = ch
	return ch, nil
}

func (ws *WebSocketClient) removeResponseChannel(id string) {
	ws.respLock.Lock()
	defer ws.respLock.Unlock()
	delete(ws.responses, id)
}

func (ws *WebSocketClient) write(v any) error {
	data, err := ws.marshaler.Marshal(v)
	if err != nil {
		return err
	}

	ws.connLock.Lock()
	defer ws.connLock.Unlock()
	if ws.conn == nil {
		return constants.ErrNotConnected
	}
	return ws.conn.WriteMessage(gorilla.BinaryMessage, data)
}

func (ws *WebSocketClient) closed() bool {
	ws.genLock.Lock()
	defer ws.genLock.Unlock()
	if ws.closeCh == nil {
		return true
	}
	select {
	case <-ws.closeCh:
		return true
	default:
		return false
	}
}

func (ws *WebSocketClient) closeError() error {
	ws.genLock.Lock()
	defer ws.genLock.Unlock()
	if ws.closeErr != nil {
		return fmt.Errorf("%w: %w", constants.ErrConnection, ws.closeErr)
	}
	return constants.ErrConnection
}

// shutdown marks the current socket generation dead and tears down every
// feed so that consumers observe the drop instead of blocking forever.
func (ws *WebSocketClient) shutdown(cause error) {
	ws.genLock.Lock()
	once := ws.closeOnce
	ws.genLock.Unlock()
	if once == nil {
		return
	}

	once.Do(func() {
		ws.genLock.Lock()
		ws.closeErr = cause
		close(ws.closeCh)
		ws.genLock.Unlock()

		ws.feedLock.Lock()
		for id, f := range ws.feeds {
			select {
			case f.errs <- fmt.Errorf("%w: transport closed: %w", constants.ErrSubscription, cause):
			default:
			}
			close(f.events)
			close(f.errs)
			delete(ws.feeds, id)
		}
		ws.feedLock.Unlock()
	})
}

func (ws *WebSocketClient) readLoop(conn *gorilla.Conn, closeCh chan struct{}) {
	for {
		select {
		case <-closeCh:
			return
		default:
		}

		_, data, err := conn.ReadMessage()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || gorilla.IsUnexpectedCloseError(err) {
				ws.shutdown(err)
				return
			}
			ws.logger.Error("websocket read failed", "error", err)
			continue
		}
		// Messages are dispatched inline so notifications for one feed
		// keep transport delivery order.
		ws.handleMessage(data)
	}
}

func (ws *WebSocketClient) handleMessage(data []byte) {
	var res RPCResponse[cbor.RawMessage]
	if err := ws.unmarshaler.Unmarshal(data, &res); err != nil {
		ws.logger.Error("unparseable message", "error", err)
		return
	}

	if res.ID != "" {
		ws.respLock.Lock()
		ch, ok := ws.responses[res.ID]
		ws.respLock.Unlock()
		if !ok {
			ws.logger.Error("response for unknown request id", "id", res.ID)
			return
		}
		ch <- res
		return
	}

	ws.handleNotification(res)
}

func (ws *WebSocketClient) handleNotification(res RPCResponse[cbor.RawMessage]) {
	if res.Result == nil {
		ws.logger.Error("notification without result")
		return
	}

	var wire wireEvent
	if err := ws.unmarshaler.Unmarshal([]byte(*res.Result), &wire); err != nil {
		ws.logger.Error("error unmarshaling notification", "error", err)
		return
	}

	id, err := uuid.Parse(wire.ID)
	if err != nil {
		ws.logger.Error("notification without a feed id", "id", wire.ID)
		return
	}

	// The lock is held through the send so an Unsubscribe cannot close the
	// feed's channels between lookup and delivery.
	ws.feedLock.Lock()
	defer ws.feedLock.Unlock()

	f, ok := ws.feeds[id]
	if !ok {
		ws.logger.Error("notification for unknown feed", "id", wire.ID)
		return
	}

	ev, err := wire.narrow()
	if err != nil {
		select {
		case f.errs <- fmt.Errorf("%w: %w", constants.ErrSubscription, err):
		default:
		}
		return
	}

	f.events <- ev
}
