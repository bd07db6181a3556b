package stream

import (
	"context"
	"encoding/json"
	"fmt"
	nethttp "net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/cozyapp/cozylink/internal/config"
	"github.com/cozyapp/cozylink/internal/constants"
	"github.com/cozyapp/cozylink/internal/http"
	"github.com/cozyapp/cozylink/internal/logging"
	"github.com/cozyapp/cozylink/internal/models"
)

// Listener owns the websocket connection for one session.
//
// Run is the only goroutine that touches the connection and the sequence
// state, so the listener needs no locking. Consumers read from Events.
type Listener struct {
	cfg      *config.Config
	clientID string
	events   chan Event
	logger   *logging.Logger

	// seqs assigns per-job sequence numbers in arrival order. current is
	// the prompt the server is executing right now; binary preview frames
	// and unattributed progress events belong to it.
	seqs     map[string]uint64
	current  string
	connects int
}

// NewListener creates a listener for the configured server. clientID must
// match the id used for submissions, otherwise the server routes execution
// events elsewhere.
func NewListener(cfg *config.Config, clientID string) *Listener {
	return &Listener{
		cfg:      cfg,
		clientID: clientID,
		events:   make(chan Event, constants.StreamEventBuffer),
		logger:   logging.NewLogger("stream", nil),
		seqs:     make(map[string]uint64),
	}
}

// Events returns the listener's event channel. It closes when Run returns.
func (l *Listener) Events() <-chan Event {
	return l.events
}

// Run dials the server and consumes events until the context is cancelled,
// reconnecting with exponential backoff whenever the connection drops.
// After every reconnect a KindResync event tells consumers to fetch
// canonical state, because messages sent while the socket was down are not
// replayed by the server.
func (l *Listener) Run(ctx context.Context) error {
	defer close(l.events)

	attempt := 0
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		conn, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			attempt++
			errType := http.ClassifyError(err)
			l.logger.Warnf("stream: connect attempt %d failed (%s): %v",
				attempt, http.ErrorTypeName(errType), err)
			l.emit(ctx, Event{Kind: KindDisconnected, Attempt: attempt})

			if errType == http.ErrorTypeCredential {
				// A rejected token does not heal with repetition.
				return fmt.Errorf("stream: server rejected credentials: %w", err)
			}

			backoff := http.CalculateBackoff(attempt-1,
				constants.StreamReconnectInitialDelay, constants.StreamReconnectMaxDelay)
			if errType == http.ErrorTypeFatal {
				// The endpoint answered but refused the handshake; retry
				// slowly in case a proxy or server restart clears it.
				backoff = constants.StreamReconnectMaxDelay
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			continue
		}

		attempt = 0
		l.connects++
		l.logger.Infof("stream: connected to %s", l.cfg.BaseURL())
		l.emit(ctx, Event{Kind: KindConnected})
		if l.connects > 1 {
			l.emit(ctx, Event{Kind: KindResync})
		}

		err = l.consume(ctx, conn)
		l.current = "" // executing attribution does not survive a connection
		if ctx.Err() != nil {
			return ctx.Err()
		}
		l.logger.Warnf("stream: connection lost: %v", err)
		l.emit(ctx, Event{Kind: KindDisconnected})
	}
}

func (l *Listener) dial(ctx context.Context) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            nethttp.ProxyFromEnvironment,
		HandshakeTimeout: constants.HTTPDialTimeout,
	}

	header := nethttp.Header{}
	if l.cfg.AuthToken != "" {
		header.Set("Authorization", "Bearer "+l.cfg.AuthToken)
	}

	wsURL := l.cfg.WebsocketURL(l.clientID)
	conn, resp, err := dialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("websocket dial failed: status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("websocket dial failed: %w", err)
	}

	return conn, nil
}

// consume reads the connection until it dies. A side goroutine sends pings
// and closes the connection on context cancellation, which unblocks
// ReadMessage.
func (l *Listener) consume(ctx context.Context, conn *websocket.Conn) error {
	defer conn.Close()

	conn.SetReadLimit(constants.StreamReadLimit)
	conn.SetReadDeadline(time.Now().Add(constants.StreamPongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(constants.StreamPongWait))
		return nil
	})

	done := make(chan struct{})
	defer close(done)

	go func() {
		ticker := time.NewTicker(constants.StreamPingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				deadline := time.Now().Add(constants.StreamWriteWait)
				if err := conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
					conn.Close()
					return
				}
			case <-ctx.Done():
				deadline := time.Now().Add(constants.StreamWriteWait)
				conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
				conn.Close()
				return
			case <-done:
				return
			}
		}
	}()

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(constants.StreamPongWait))

		switch msgType {
		case websocket.TextMessage:
			l.handleText(ctx, data)
		case websocket.BinaryMessage:
			l.handleBinary(ctx, data)
		}
	}
}

func (l *Listener) handleText(ctx context.Context, data []byte) {
	var msg models.WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		l.logger.Warnf("stream: undecodable message: %v", err)
		return
	}

	switch msg.Type {
	case models.WSStatus:
		var payload models.StatusData
		if !l.decode(msg.Type, msg.Data, &payload) {
			return
		}
		l.emit(ctx, Event{Kind: KindQueueCount, QueueRemaining: payload.Status.ExecInfo.QueueRemaining})

	case models.WSExecutionStart:
		var payload models.ExecutionStartData
		if !l.decode(msg.Type, msg.Data, &payload) {
			return
		}
		l.current = payload.PromptID
		l.emit(ctx, Event{Kind: KindStarted, Handle: payload.PromptID})

	case models.WSExecuting:
		var payload models.ExecutingData
		if !l.decode(msg.Type, msg.Data, &payload) {
			return
		}
		if payload.Node == nil {
			// A null node with a prompt id means that prompt finished.
			handle := payload.PromptID
			if handle == "" {
				handle = l.current
			}
			if handle != "" {
				l.emit(ctx, Event{Kind: KindFinished, Handle: handle})
			}
			l.current = ""
			return
		}
		if payload.PromptID != "" {
			l.current = payload.PromptID
		}
		l.emit(ctx, Event{Kind: KindExecuting, Handle: l.attribute(payload.PromptID), Node: *payload.Node})

	case models.WSProgress:
		var payload models.ProgressData
		if !l.decode(msg.Type, msg.Data, &payload) {
			return
		}
		event := Event{Kind: KindProgress, Handle: l.attribute(payload.PromptID), Value: payload.Value, Max: payload.Max}
		if payload.Node != nil {
			event.Node = *payload.Node
		}
		l.emit(ctx, event)

	case models.WSExecuted:
		var payload models.ExecutedData
		if !l.decode(msg.Type, msg.Data, &payload) {
			return
		}
		l.emit(ctx, Event{
			Kind:   KindExecuted,
			Handle: l.attribute(payload.PromptID),
			Node:   payload.Node,
			Images: payload.Output.Images,
		})

	case models.WSExecutionError:
		var payload models.ExecutionErrorData
		if !l.decode(msg.Type, msg.Data, &payload) {
			return
		}
		handle := l.attribute(payload.PromptID)
		l.emit(ctx, Event{
			Kind:         KindFailed,
			Handle:       handle,
			ErrorMessage: payload.ExceptionMessage,
			ErrorNode:    payload.NodeID,
		})
		if handle == l.current {
			l.current = ""
		}

	case models.WSExecutionInterrupted:
		var payload models.ExecutionInterruptedData
		if !l.decode(msg.Type, msg.Data, &payload) {
			return
		}
		handle := l.attribute(payload.PromptID)
		l.emit(ctx, Event{Kind: KindInterrupted, Handle: handle})
		if handle == l.current {
			l.current = ""
		}

	case models.WSExecutionCached:
		var payload models.ExecutionCachedData
		if !l.decode(msg.Type, msg.Data, &payload) {
			return
		}
		l.emit(ctx, Event{Kind: KindCached, Handle: payload.PromptID, CachedNodes: payload.Nodes})

	default:
		// Servers emit more event types than this client consumes.
		l.logger.Debugf("stream: ignoring %s event", msg.Type)
	}
}

// handleBinary treats binary frames as preview images for the currently
// executing prompt. The first bytes are framing metadata, not image data.
func (l *Listener) handleBinary(ctx context.Context, data []byte) {
	if len(data) <= constants.PreviewHeaderSize {
		return
	}
	if l.current == "" {
		// No job to attribute the preview to; dropping it loses nothing
		// the reconciler cares about.
		return
	}
	l.emit(ctx, Event{Kind: KindPreview, Handle: l.current, Preview: data[constants.PreviewHeaderSize:]})
}

func (l *Listener) decode(eventType string, data json.RawMessage, into any) bool {
	if err := json.Unmarshal(data, into); err != nil {
		l.logger.Warnf("stream: undecodable %s payload: %v", eventType, err)
		return false
	}
	return true
}

// attribute resolves the job a message belongs to: its own prompt id when
// the server included one, otherwise the currently executing prompt.
func (l *Listener) attribute(promptID string) string {
	if promptID != "" {
		return promptID
	}
	return l.current
}

// emit assigns the per-job sequence number and delivers the event. Delivery
// blocks when the consumer is behind; the buffer absorbs normal bursts.
func (l *Listener) emit(ctx context.Context, event Event) {
	if event.Handle != "" {
		l.seqs[event.Handle]++
		event.Seq = l.seqs[event.Handle]
	}

	select {
	case l.events <- event:
	case <-ctx.Done():
	}
}
