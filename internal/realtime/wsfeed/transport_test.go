package wsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/ordertrack/internal/realtime"
	"github.com/angelmondragon/ordertrack/pkg/config"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
)

type stubSession struct {
	token        string
	unauthorized bool
}

func (s *stubSession) Token() (string, error) { return s.token, nil }

func (s *stubSession) MarkUnauthorized(string) { s.unauthorized = true }

var upgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

func feedServer(t *testing.T, handle func(*websocket.Conn)) (string, chan string) {
	t.Helper()
	auth := make(chan string, 1)
	r := chi.NewRouter()
	r.Get("/ws/orders", func(w http.ResponseWriter, req *http.Request) {
		if req.Header.Get("Authorization") == "Bearer expired" {
			http.Error(w, "expired", http.StatusUnauthorized)
			return
		}
		auth <- req.Header.Get("Authorization")
		conn, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		handle(conn)
	})
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws/orders", auth
}

func TestDialJoinReceiveLeave(t *testing.T) {
	received := make(chan realtime.Outbound, 2)
	url, auth := feedServer(t, func(conn *websocket.Conn) {
		var join realtime.Outbound
		if err := conn.ReadJSON(&join); err != nil {
			return
		}
		received <- join
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"presence","data":{}}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"statusUpdate","data":{"orderId":"A1","status":"shipped","trackingNumber":"TRK9"}}`))

		var leave realtime.Outbound
		if err := conn.ReadJSON(&leave); err != nil {
			return
		}
		received <- leave
	})

	transport, err := New(config.RealtimeConfig{URL: url, HandshakeTimeout: time.Second}, &stubSession{token: "tok"}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", <-auth)

	require.NoError(t, conn.Send(ctx, realtime.Outbound{Event: realtime.EventJoin, OrderID: "A1"}))
	assert.Equal(t, realtime.Outbound{Event: "join", OrderID: "A1"}, <-received)

	update, err := conn.Receive(ctx)
	require.NoError(t, err)
	assert.Equal(t, "A1", update.OrderID)
	assert.Equal(t, "shipped", update.Status)

	require.NoError(t, conn.Send(ctx, realtime.Outbound{Event: realtime.EventLeave, OrderID: "A1"}))
	assert.Equal(t, realtime.Outbound{Event: "leave", OrderID: "A1"}, <-received)
	require.NoError(t, conn.Close())

	_, err = conn.Receive(ctx)
	assert.Error(t, err)
}

func TestServerCloseSurfacesAsReceiveError(t *testing.T) {
	url, _ := feedServer(t, func(conn *websocket.Conn) {
		_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye"))
	})
	transport, err := New(config.RealtimeConfig{URL: url}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	conn, err := transport.Dial(ctx)
	require.NoError(t, err)
	defer conn.Close()

	_, err = conn.Receive(ctx)
	require.Error(t, err)
	assert.NotErrorIs(t, err, context.DeadlineExceeded)
}

func TestHandshakeUnauthorizedMarksSession(t *testing.T) {
	url, _ := feedServer(t, func(*websocket.Conn) {})
	sess := &stubSession{token: "expired"}
	transport, err := New(config.RealtimeConfig{URL: url}, sess, nil)
	require.NoError(t, err)

	_, err = transport.Dial(context.Background())
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized), "got %v", err)
	assert.True(t, sess.unauthorized)
}

func TestNewRequiresURL(t *testing.T) {
	_, err := New(config.RealtimeConfig{}, nil, nil)
	assert.Error(t, err)
}
