package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/droverlabs/drover/pkg/fault"
)

// wsFrame is the wire envelope for both directions. Client frames carry a
// request or a cancel; server frames carry stream events.
type wsFrame struct {
	Kind       string           `json:"kind"`
	TurnID     string           `json:"turn_id,omitempty"`
	ToolCallID string           `json:"tool_call_id,omitempty"`
	Request    *TurnRequest     `json:"request,omitempty"`
	Text       string           `json:"text,omitempty"`
	ToolCall   *ToolCallPayload `json:"tool_call,omitempty"`
	Result     *TurnResult      `json:"result,omitempty"`
	Message    string           `json:"message,omitempty"`
}

const (
	frameTurnRequest = "turn_request"
	frameCancel      = "cancel"

	// frameApprovalConflict reports that the backend already holds a
	// resolved approval state for the named tool call; the client must
	// rebuild the request from its latest decisions before resending.
	frameApprovalConflict = "approval_conflict"
)

// WSTransport speaks a JSON frame protocol over a websocket per turn.
// Unlike the HTTP backends it supports a real server-side cancel frame.
type WSTransport struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger zerolog.Logger

	mu     sync.Mutex
	active map[string]*wsStream
}

// NewWSTransport creates a transport dialing the given websocket URL. An
// optional bearer token is sent on the dial request.
func NewWSTransport(url, token string, logger zerolog.Logger) *WSTransport {
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	return &WSTransport{
		url:    url,
		header: header,
		dialer: websocket.DefaultDialer,
		logger: logger,
		active: make(map[string]*wsStream),
	}
}

// Open dials a fresh connection, sends the turn request, and returns a
// stream over the server's event frames.
func (t *WSTransport) Open(ctx context.Context, req TurnRequest) (Stream, error) {
	conn, _, err := t.dialer.DialContext(ctx, t.url, t.header)
	if err != nil {
		return nil, &fault.TransientError{Op: "dial agent backend", Err: err}
	}

	s := &wsStream{conn: conn, turnID: req.TurnID, transport: t}
	if err := s.writeFrame(wsFrame{Kind: frameTurnRequest, TurnID: req.TurnID, Request: &req}); err != nil {
		conn.Close()
		return nil, &fault.TransientError{Op: "send turn request", Err: err}
	}

	t.mu.Lock()
	t.active[req.TurnID] = s
	t.mu.Unlock()
	return s, nil
}

// Cancel sends a cancel frame on the turn's connection if it is still
// open. A missing turn is not an error; the stream may already be done.
func (t *WSTransport) Cancel(ctx context.Context, turnID string) error {
	t.mu.Lock()
	s, ok := t.active[turnID]
	t.mu.Unlock()
	if !ok {
		t.logger.Debug().Str("turn_id", turnID).Msg("No open stream to cancel")
		return nil
	}

	if err := s.writeFrame(wsFrame{Kind: frameCancel, TurnID: turnID}); err != nil {
		return fmt.Errorf("failed to send cancel frame: %w", err)
	}
	t.logger.Debug().Str("turn_id", turnID).Msg("Cancel frame sent")
	return nil
}

func (t *WSTransport) forget(turnID string) {
	t.mu.Lock()
	delete(t.active, turnID)
	t.mu.Unlock()
}

type wsStream struct {
	conn      *websocket.Conn
	turnID    string
	transport *WSTransport

	writeMu   sync.Mutex
	closeOnce sync.Once
	terminal  bool
}

// writeFrame serializes concurrent writers; gorilla connections allow at
// most one writer at a time.
func (s *wsStream) writeFrame(frame wsFrame) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.WriteJSON(frame)
}

func (s *wsStream) Next() (Event, error) {
	if s.terminal {
		return Event{}, io.EOF
	}

	var frame wsFrame
	if err := s.conn.ReadJSON(&frame); err != nil {
		s.terminal = true
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return Event{}, io.EOF
		}
		return Event{}, &fault.TransientError{Op: "read stream frame", Err: err}
	}

	switch EventKind(frame.Kind) {
	case EventPartialOutput:
		return Event{Kind: EventPartialOutput, Text: frame.Text}, nil
	case EventToolCall:
		if frame.ToolCall == nil {
			s.terminal = true
			return Event{}, &fault.ProtocolError{Detail: "tool_call frame without payload"}
		}
		return Event{Kind: EventToolCall, ToolCall: frame.ToolCall}, nil
	case EventResult:
		s.terminal = true
		if frame.Result == nil {
			return Event{}, &fault.ProtocolError{Detail: "result frame without payload"}
		}
		return Event{Kind: EventResult, Result: frame.Result}, nil
	case EventError:
		s.terminal = true
		return Event{Kind: EventError, Message: frame.Message}, nil
	case EventKind(frameApprovalConflict):
		s.terminal = true
		detail := frame.Message
		if detail == "" {
			detail = "backend holds a resolved approval state"
		}
		return Event{}, &fault.ApprovalConflictError{
			ToolCallID: frame.ToolCallID,
			Err:        errors.New(detail),
		}
	default:
		s.terminal = true
		return Event{}, &fault.ProtocolError{Detail: fmt.Sprintf("unknown frame kind %q", frame.Kind)}
	}
}

func (s *wsStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.transport.forget(s.turnID)
		err = s.conn.Close()
	})
	return err
}
