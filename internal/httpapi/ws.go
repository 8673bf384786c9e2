package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"reliefhub.org/internal/collab"
	"reliefhub.org/internal/obs"
	"reliefhub.org/internal/stream"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsMaxMessage = 1 << 20
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		return origin == "" || isLocalOrigin(origin)
	},
}

type wsClientFrame struct {
	Type        string          `json:"type"`
	RequestID   string          `json:"request_id,omitempty"`
	BaseVersion int64           `json:"base_version"`
	Changes     []changeRequest `json:"changes"`
}

type wsServerFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Version   int64           `json:"version,omitempty"`
	Applied   []collab.Change `json:"applied,omitempty"`
	Stale     bool            `json:"stale,omitempty"`
	Error     string          `json:"error,omitempty"`
	Event     *stream.Event   `json:"event,omitempty"`
}

// serveWS runs a live editing session: change batches in, acks and
// document events out. One writer goroutine owns the connection's write side.
func (a *API) serveWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := actingUser(w, r)
	if !ok {
		return
	}
	docID := r.PathValue("id")
	doc, err := a.docs.GetDocument(r.Context(), docID)
	if err != nil {
		handleCollabError(w, r, err)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		obs.Logger().Warn().Err(err).Str("document_id", docID).Msg("ws_upgrade_failed")
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	var events <-chan stream.Event
	if a.stream != nil {
		events = a.stream.Subscribe(ctx, docID)
	}
	out := make(chan wsServerFrame, 16)
	out <- wsServerFrame{Type: "hello", Version: doc.Version}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer conn.Close()
		return wsWriteLoop(gctx, conn, out, events)
	})
	g.Go(func() error {
		conn.SetReadLimit(wsMaxMessage)
		_ = conn.SetReadDeadline(time.Now().Add(wsPongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(wsPongWait))
		})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return err
			}
			var frame wsClientFrame
			reply := wsServerFrame{Type: "error", Error: "malformed frame"}
			if err := json.Unmarshal(data, &frame); err == nil {
				reply = a.handleWSFrame(gctx, docID, userID, frame)
			}
			select {
			case out <- reply:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
	})

	err = g.Wait()
	if err != nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) && !errors.Is(err, context.Canceled) {
		obs.Logger().Debug().Err(err).Str("document_id", docID).Str("user_id", userID).Msg("ws_session_closed")
	}
}

func (a *API) handleWSFrame(ctx context.Context, docID, userID string, frame wsClientFrame) wsServerFrame {
	switch frame.Type {
	case "changes":
		res, err := a.applyBatch(ctx, docID, userID, applyChangesRequest{
			BaseVersion: frame.BaseVersion,
			Changes:     frame.Changes,
		})
		if err != nil {
			return wsServerFrame{Type: "error", RequestID: frame.RequestID, Error: wsErrorMessage(err)}
		}
		return wsServerFrame{
			Type:      "ack",
			RequestID: frame.RequestID,
			Version:   res.Version,
			Applied:   res.Applied,
			Stale:     res.Stale,
		}
	case "ping":
		return wsServerFrame{Type: "pong", RequestID: frame.RequestID}
	default:
		return wsServerFrame{Type: "error", RequestID: frame.RequestID, Error: "unknown frame type"}
	}
}

func wsErrorMessage(err error) string {
	var verrs validator.ValidationErrors
	switch {
	case errors.As(err, &verrs):
		return validationMessage(err)
	case errors.Is(err, collab.ErrNotFound), errors.Is(err, collab.ErrConflict),
		errors.Is(err, collab.ErrForbidden), errors.Is(err, collab.ErrInvalidInput):
		return err.Error()
	default:
		return "internal error"
	}
}

func wsWriteLoop(ctx context.Context, conn *websocket.Conn, out <-chan wsServerFrame, events <-chan stream.Event) error {
	ping := time.NewTicker(wsPingPeriod)
	defer ping.Stop()

	write := func(v any) error {
		_ = conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		return conn.WriteJSON(v)
	}
	for {
		select {
		case <-ctx.Done():
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(wsWriteWait))
			return nil
		case frame := <-out:
			if err := write(frame); err != nil {
				return err
			}
		case evt, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := write(wsServerFrame{Type: "event", Version: evt.Version, Event: &evt}); err != nil {
				return err
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return err
			}
		}
	}
}
