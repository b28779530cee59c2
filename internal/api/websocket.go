package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsToken reads the token from the Authorization header, or from the token query
// parameter since browsers cannot set headers on an upgrade.
func wsToken(c *gin.Context) (string, string) {
	token, code := bearerToken(c)
	if code == "MISSING_TOKEN" {
		if t := c.Query("token"); t != "" {
			return t, ""
		}
	}
	return token, code
}

// websocket upgrades the request into a client session. A token is optional:
// anonymous sessions receive market data but no order or trade updates.
func (s *Server) websocket(c *gin.Context) {
	var userID string
	if token, code := wsToken(c); code == "" {
		id, err := parseToken(token, s.JWTSecret)
		if err != nil {
			respondError(c, http.StatusUnauthorized, "INVALID_TOKEN", "invalid or expired token")
			return
		}
		userID = id
	} else if code != "MISSING_TOKEN" {
		respondError(c, http.StatusUnauthorized, code, "invalid Authorization header")
		return
	}

	clientID := c.Query("client_id")
	if clientID == "" {
		clientID = uuid.NewString()
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.log.Warn("ws upgrade failed", zap.Error(err))
		return
	}
	s.log.Info("client connected", zap.String("client_id", clientID), zap.String("user_id", userID))
	s.WS.Serve(c.Request.Context(), conn, clientID, userID)
	s.log.Info("client disconnected", zap.String("client_id", clientID))
}
