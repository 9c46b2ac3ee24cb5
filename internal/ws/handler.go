package ws

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/zaqqye/proctoring_backend/internal/apperr"
	"github.com/zaqqye/proctoring_backend/internal/observability"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		// Allow all origins; rely on token auth.
		return true
	},
}

func bearer(c *gin.Context) string {
	if token := c.Query("token"); token != "" {
		return token
	}
	auth := c.GetHeader("Authorization")
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}

// Handler authenticates once with either a user or a mobile token, then
// serves the connection. Failed authentication, including an inactive or
// missing account, never upgrades.
func Handler(relay *Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		if relay == nil {
			c.AbortWithStatusJSON(http.StatusServiceUnavailable, gin.H{"error": "realtime not available"})
			return
		}
		ident, err := relay.authenticate(c.Request.Context(), bearer(c))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized", "code": apperr.CodeUnauthenticated})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		client := newClient(relay.hub, conn, uuid.NewString(), ident)
		relay.hub.Register(client)
		observability.RelayConnectionOpened()

		go client.writePump()
		client.readPump(relay.handle)
		relay.leave(client)
	}
}
