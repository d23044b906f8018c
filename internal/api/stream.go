package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/irt-reconciliation-engine/internal/domain"
)

const (
	streamBuffer     = 16
	streamWriteWait  = 10 * time.Second
	streamPongWait   = 60 * time.Second
	streamPingPeriod = (streamPongWait * 9) / 10
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// StreamMessage is one frame on the snapshot stream.
type StreamMessage struct {
	SessionID string                     `json:"session_id"`
	State     domain.ReconciliationState `json:"state"`
	SentAt    time.Time                  `json:"sent_at"`
}

// handleStream pushes a snapshot to the client after every action applied to the session.
// The current state is sent first. Slow clients miss intermediate snapshots, never the
// latest one for long.
func (s *Server) handleStream(c *gin.Context) {
	sess, ok := s.session(c)
	if !ok {
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.WithError(err).WithField("session_id", sess.ID()).Warn("WebSocket upgrade failed")
		return
	}
	defer conn.Close()

	updates, unsubscribe := sess.Subscribe(streamBuffer)
	defer unsubscribe()

	logger := s.logger.WithFields(logrus.Fields{
		"session_id":     sess.ID(),
		"correlation_id": c.GetString("correlation_id"),
	})
	logger.Info("Snapshot stream opened")

	// The read loop only exists to notice the client going away and to handle pongs.
	closed := make(chan struct{})
	conn.SetReadDeadline(time.Now().Add(streamPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(streamPongWait))
	})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	send := func(state domain.ReconciliationState) error {
		conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
		return conn.WriteJSON(StreamMessage{SessionID: sess.ID(), State: state, SentAt: time.Now().UTC()})
	}

	if err := send(sess.Snapshot()); err != nil {
		return
	}

	ticker := time.NewTicker(streamPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case state, ok := <-updates:
			if !ok {
				return
			}
			if err := send(state); err != nil {
				logger.WithError(err).Debug("Snapshot stream write failed")
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-closed:
			logger.Info("Snapshot stream closed by client")
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
