package httpserver

import (
	"log/slog"

	gws "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/pouchlab/pouchpulse/internal/adapter/websocket"
)

func (s *Server) registerWebsocketRoute() {
	upgrader := gws.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     websocket.NewCheckOrigin(s.config.AppURL, s.config.AppEnv != "production"),
	}

	s.echo.GET("/ws/display", func(c echo.Context) error {
		conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
		if err != nil {
			slog.Warn("Failed to upgrade websocket", "error", err)
			return nil
		}

		if err := s.hub.Register(conn); err != nil {
			slog.Warn("Failed to register websocket client", "error", err)
			// Connection already closed by hub, just return
			return nil
		}

		// Read pump (blocks until disconnect)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}

		s.hub.Unregister(conn)
		return nil
	})
}
