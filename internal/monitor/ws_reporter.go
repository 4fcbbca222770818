package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/response"
	ws "github.com/stemsi/exstem-proctor/internal/websocket"
)

// replyTimeout bounds the wait for a server reply to a single request.
const replyTimeout = 10 * time.Second

// ServerError is a structured error returned by the stream endpoint.
type ServerError struct {
	Payload ws.ErrorPayload
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("%s: %s", e.Payload.Code, e.Payload.Message)
}

// Unwrap maps codes meaning the attempt is over onto ErrSessionOver.
func (e *ServerError) Unwrap() error {
	switch response.ErrCode(e.Payload.Code) {
	case response.ErrSessionTerminated, response.ErrSessionCompleted,
		response.ErrAlreadySubmitted, response.ErrNotFound:
		return ErrSessionOver
	}
	return nil
}

// reply is a server message with the payload left undecoded.
type reply struct {
	Event     ws.Event         `json:"event"`
	RequestID string           `json:"request_id,omitempty"`
	Data      json.RawMessage  `json:"data,omitempty"`
	Error     *ws.ErrorPayload `json:"error,omitempty"`
}

// WSReporter reports over the session stream, redialing after a broken
// connection on the next call.
type WSReporter struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	log    zerolog.Logger

	mu      sync.Mutex
	conn    *ws.Conn
	pending map[string]chan reply
	ended   chan struct{}
	endOnce sync.Once
}

// NewWSReporter targets streamURL (ws://host/ws/v1/quiz-sessions/<token>/stream)
// authenticating with a student access token.
func NewWSReporter(streamURL, accessToken string, log zerolog.Logger) *WSReporter {
	h := http.Header{}
	h.Set("Authorization", "Bearer "+accessToken)
	return &WSReporter{
		url:     streamURL,
		header:  h,
		dialer:  &websocket.Dialer{HandshakeTimeout: 10 * time.Second},
		log:     log.With().Str("component", "ws_reporter").Logger(),
		pending: make(map[string]chan reply),
		ended:   make(chan struct{}),
	}
}

// Ended is closed once the server pushes a terminated or completed event.
func (r *WSReporter) Ended() <-chan struct{} {
	return r.ended
}

// ReportViolation implements Reporter.
func (r *WSReporter) ReportViolation(ctx context.Context, category model.ViolationCategory) (*model.ViolationOutcome, error) {
	rep, err := r.call(ctx, ws.Request{Action: ws.ActionViolation, Category: string(category)})
	if err != nil {
		return nil, err
	}
	var out model.ViolationOutcome
	if err := json.Unmarshal(rep.Data, &out); err != nil {
		return nil, fmt.Errorf("decode violation outcome: %w", err)
	}
	return &out, nil
}

// Abandon implements Reporter.
func (r *WSReporter) Abandon(ctx context.Context) error {
	_, err := r.call(ctx, ws.Request{Action: ws.ActionAbandon})
	return err
}

// Close drops the connection. Calls in flight fail.
func (r *WSReporter) Close() error {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn != nil {
		r.drop(conn)
	}
	return nil
}

func (r *WSReporter) call(ctx context.Context, req ws.Request) (*reply, error) {
	select {
	case <-r.ended:
		return nil, ErrSessionOver
	default:
	}

	req.RequestID = uuid.NewString()
	wait := make(chan reply, 1)

	r.mu.Lock()
	conn, err := r.connectLocked(ctx)
	if err != nil {
		r.mu.Unlock()
		return nil, err
	}
	r.pending[req.RequestID] = wait
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		delete(r.pending, req.RequestID)
		r.mu.Unlock()
	}()

	if err := conn.WriteTyped(req); err != nil {
		r.drop(conn)
		return nil, fmt.Errorf("send %s: %w", req.Action, err)
	}

	timer := time.NewTimer(replyTimeout)
	defer timer.Stop()

	select {
	case rep, ok := <-wait:
		if !ok {
			return nil, errors.New("connection lost")
		}
		if rep.Error != nil {
			return nil, &ServerError{Payload: *rep.Error}
		}
		return &rep, nil
	case <-r.ended:
		return nil, ErrSessionOver
	case <-timer.C:
		return nil, errors.New("timed out waiting for reply")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (r *WSReporter) connectLocked(ctx context.Context) (*ws.Conn, error) {
	if r.conn != nil {
		return r.conn, nil
	}
	raw, resp, err := r.dialer.DialContext(ctx, r.url, r.header)
	if err != nil {
		if resp != nil && resp.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("dial stream: %w", ErrSessionOver)
		}
		return nil, fmt.Errorf("dial stream: %w", err)
	}
	r.conn = ws.Wrap(raw)
	go r.readLoop(r.conn)
	return r.conn, nil
}

func (r *WSReporter) readLoop(conn *ws.Conn) {
	defer r.drop(conn)
	for {
		var rep reply
		if err := conn.ReadJSON(&rep); err != nil {
			r.log.Debug().Err(err).Msg("Stream read ended")
			return
		}
		switch {
		case rep.RequestID != "":
			r.mu.Lock()
			if wait, ok := r.pending[rep.RequestID]; ok {
				delete(r.pending, rep.RequestID)
				wait <- rep
			}
			r.mu.Unlock()
		case rep.Event == ws.EventTerminated || rep.Event == ws.EventCompleted:
			r.log.Info().Str("event", string(rep.Event)).Msg("Session ended by server")
			r.endOnce.Do(func() { close(r.ended) })
		}
	}
}

// drop forgets conn and fails every waiting call so it can be retried.
func (r *WSReporter) drop(conn *ws.Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.conn != conn {
		return
	}
	r.conn = nil
	for id, wait := range r.pending {
		close(wait)
		delete(r.pending, id)
	}
	_ = conn.Close(websocket.CloseNormalClosure, "")
}
