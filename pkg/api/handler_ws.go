package api

import (
	"github.com/coder/websocket"
	echo "github.com/labstack/echo/v5"

	"github.com/synckairos/synckairos/pkg/gateway"
)

// wsHandler upgrades GET /ws?sessionId=... and hands the socket to the
// gateway. Parameter validation happens after the upgrade so the client
// receives a close frame with a reason instead of a bare HTTP error.
func (s *Server) wsHandler(c *echo.Context) error {
	conn, err := websocket.Accept(c.Response(), c.Request(), &websocket.AcceptOptions{
		// Origin validation is deferred to the deployment's ingress.
		InsecureSkipVerify: true,
	})
	if err != nil {
		return err
	}

	sessionID := c.QueryParam("sessionId")
	if sessionID == "" {
		conn.Close(websocket.StatusPolicyViolation, "Missing sessionId parameter")
		return nil
	}
	if !gateway.ValidSessionID(sessionID) {
		conn.Close(websocket.StatusPolicyViolation, "Invalid sessionId format")
		return nil
	}

	// Blocks until the socket closes.
	s.gateway.HandleConnection(c.Request().Context(), conn, sessionID)
	return nil
}
