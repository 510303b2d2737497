package webhook

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/Aidin1998/crossqueue/pkg/errors"
)

const (
	writeWait  = 10 * time.Second
	pingPeriod = 30 * time.Second
)

// streamNotices upgrades to a websocket and writes every notice as JSON.
// Optional query filters: front_end and island.
func (s *Server) streamNotices(c *gin.Context) {
	if s.deps.Broker == nil {
		s.writeError(c, errors.Unavailable.Explain("notice stream is disabled"))
		return
	}
	island := 0
	if v := c.Query("island"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			s.writeError(c, errors.Invalid.Explain("island must be a number"))
			return
		}
		island = n
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	sub := s.deps.Broker.Subscribe(c.Query("front_end"))
	defer sub.Close()

	// The reader only detects the peer going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case <-gone:
			return
		case <-c.Request.Context().Done():
			return
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		case n, ok := <-sub.C():
			if !ok {
				_ = conn.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(writeWait))
				return
			}
			if island != 0 && n.Island != island {
				continue
			}
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(n); err != nil {
				s.logger.Debug("notice stream closed", zap.Error(err))
				return
			}
		}
	}
}
