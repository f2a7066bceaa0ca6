package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"nhooyr.io/websocket"

	"zeppay/redemption"
)

const (
	timeLayout     = time.RFC3339Nano
	wsWriteTimeout = 10 * time.Second
	wsPingInterval = 20 * time.Second
	streamBuffer   = 16
)

// streamSession upgrades to a websocket and writes a session snapshot on every transition
// until the client leaves or the session is closed.
func (s *Server) streamSession(w http.ResponseWriter, r *http.Request) {
	session, err := s.merchant.Session(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: []string{"*"}})
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "stream closed")

	// Reads are only drained for control frames; the client never sends data.
	ctx := conn.CloseRead(r.Context())
	if err := s.streamSnapshots(ctx, conn, session); err != nil {
		if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
			s.logger.Debug("session stream ended", slog.String("session", session.ID()), slog.Any("error", err))
			_ = conn.Close(websocket.StatusInternalError, "stream error")
		}
	}
}

func (s *Server) streamSnapshots(ctx context.Context, conn *websocket.Conn, session *redemption.Session) error {
	updates, cancel := session.Subscribe(streamBuffer)
	defer cancel()

	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			pingCtx, cancelPing := context.WithTimeout(ctx, wsWriteTimeout)
			err := conn.Ping(pingCtx)
			cancelPing()
			if err != nil {
				return err
			}
		case snap, ok := <-updates:
			if !ok {
				return conn.Close(websocket.StatusNormalClosure, "session closed")
			}
			if err := writeSnapshot(ctx, conn, snap); err != nil {
				return err
			}
		}
	}
}

func writeSnapshot(ctx context.Context, conn *websocket.Conn, snap redemption.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}
