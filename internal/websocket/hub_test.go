package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flashcards-backend/internal/logger"
	"flashcards-backend/internal/models"
)

const testSecret = "test-secret"

func signToken(t *testing.T, userID uuid.UUID, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"user_id": userID.String(),
		"exp":     time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func dial(t *testing.T, srv *httptest.Server, token string) (*gws.Conn, *http.Response, error) {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	return gws.DefaultDialer.Dial(url, nil)
}

func TestHub_PublishReachesUserSocket(t *testing.T) {
	hub := NewHub(nil, testSecret, logger.Nop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	userID := uuid.New()
	conn, _, err := dial(t, srv, signToken(t, userID, testSecret))
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.ConnectionCount(userID) == 1 }, time.Second, 10*time.Millisecond)

	sessionID := uuid.New()
	hub.Publish(context.Background(), userID, models.WSMessage{
		Type:    "completed",
		Payload: models.CompletedEvent{SessionID: sessionID, CardIDs: []uuid.UUID{uuid.New()}},
	})
	// Other users' updates are not delivered here.
	hub.Publish(context.Background(), uuid.New(), models.WSMessage{Type: "error"})

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg struct {
		Type    string `json:"type"`
		Payload struct {
			SessionID uuid.UUID `json:"session_id"`
		} `json:"payload"`
	}
	require.NoError(t, json.Unmarshal(data, &msg))
	assert.Equal(t, "completed", msg.Type)
	assert.Equal(t, sessionID, msg.Payload.SessionID)
}

func TestHub_RejectsBadToken(t *testing.T) {
	hub := NewHub(nil, testSecret, logger.Nop())
	srv := httptest.NewServer(http.HandlerFunc(hub.HandleWebSocket))
	defer srv.Close()

	_, resp, err := dial(t, srv, signToken(t, uuid.New(), "other-secret"))
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = dial(t, srv, "")
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}
