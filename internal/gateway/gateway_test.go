package gateway

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lumenguard/licensed/internal/eventbus"
	"github.com/lumenguard/licensed/internal/validator"
)

func dialTestGateway(t *testing.T, g *Gateway) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(g.HandleWebSocket))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

// readUntil reads messages until one of the wanted type arrives or the
// deadline passes. Event pumps run concurrently with direct replies, so
// unrelated messages may interleave.
func readUntil(t *testing.T, ws *websocket.Conn, msgType string) Message {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ws.SetReadDeadline(time.Now().Add(time.Second))
		var msg Message
		if err := ws.ReadJSON(&msg); err != nil {
			t.Fatalf("reading for %q: %v", msgType, err)
		}
		if msg.Type == msgType {
			return msg
		}
	}
	t.Fatalf("no %q message before deadline", msgType)
	return Message{}
}

func identify(t *testing.T, ws *websocket.Conn, clientID string) {
	t.Helper()
	require.NoError(t, ws.WriteJSON(map[string]string{
		"type": "identify", "client_id": clientID, "version": "1.0.0",
	}))
	readUntil(t, ws, "identified")
}

func TestWelcomeAndIdentify(t *testing.T) {
	bus := eventbus.New(zerolog.Nop(), nil)
	g := New(bus, nil, nil, nil, zerolog.Nop())

	ws := dialTestGateway(t, g)

	welcome := readUntil(t, ws, "welcome")
	assert.False(t, welcome.Timestamp.IsZero())

	identify(t, ws, "c1")
	assert.Equal(t, 1, g.ConnectionCount())
}

func TestPingPong(t *testing.T) {
	bus := eventbus.New(zerolog.Nop(), nil)
	g := New(bus, nil, nil, nil, zerolog.Nop())

	ws := dialTestGateway(t, g)
	readUntil(t, ws, "welcome")
	identify(t, ws, "c1")

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	readUntil(t, ws, "pong")
}

func TestLicenseUpdateDelivery(t *testing.T) {
	bus := eventbus.New(zerolog.Nop(), nil)
	g := New(bus, nil, nil, nil, zerolog.Nop())

	ws := dialTestGateway(t, g)
	readUntil(t, ws, "welcome")
	identify(t, ws, "c1")

	bus.Publish(context.Background(), eventbus.Event{
		Topics:  []string{eventbus.LicenseTopic("c1")},
		Type:    "license_update",
		Payload: map[string]interface{}{"action": "revoked"},
	})

	msg := readUntil(t, ws, "license_update")
	assert.Equal(t, "revoked", msg.Payload["action"])
}

func TestPlanRoomSubscription(t *testing.T) {
	bus := eventbus.New(zerolog.Nop(), nil)
	g := New(bus, nil,
		func(ctx context.Context, clientID string) string { return "premium" },
		nil, zerolog.Nop())

	ws := dialTestGateway(t, g)
	readUntil(t, ws, "welcome")
	identify(t, ws, "c1")

	bus.Publish(context.Background(), eventbus.Event{
		Topics:  []string{eventbus.PlanTopic("premium")},
		Type:    "system_notification",
		Payload: map[string]interface{}{"message": "maintenance window"},
	})

	msg := readUntil(t, ws, "system_notification")
	assert.Equal(t, "maintenance window", msg.Payload["message"])
}

func TestAdminRoomSubscription(t *testing.T) {
	bus := eventbus.New(zerolog.Nop(), nil)
	g := New(bus, nil, nil,
		func(clientID string) bool { return clientID == "__admin__" },
		zerolog.Nop())

	ws := dialTestGateway(t, g)
	readUntil(t, ws, "welcome")
	identify(t, ws, "__admin__")

	bus.Publish(context.Background(), eventbus.Event{
		Topics:  []string{eventbus.AdminTopic},
		Type:    "monthly_report",
		Payload: map[string]interface{}{"counts": map[string]interface{}{}},
	})

	readUntil(t, ws, "monthly_report")
}

func TestCheckLicenseMessage(t *testing.T) {
	bus := eventbus.New(zerolog.Nop(), nil)
	g := New(bus,
		func(ctx context.Context, clientID, token string) (validator.Result, error) {
			return validator.Result{Outcome: validator.OutcomeValid}, nil
		},
		nil, nil, zerolog.Nop())

	ws := dialTestGateway(t, g)
	readUntil(t, ws, "welcome")
	identify(t, ws, "c1")

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "check_license", "token": "tok"}))

	msg := readUntil(t, ws, "license_update")
	assert.Equal(t, "check_result", msg.Payload["action"])
	assert.Equal(t, "VALID", msg.Payload["outcome"])
}

func TestUnknownMessageTypesAreIgnored(t *testing.T) {
	bus := eventbus.New(zerolog.Nop(), nil)
	g := New(bus, nil, nil, nil, zerolog.Nop())

	ws := dialTestGateway(t, g)
	readUntil(t, ws, "welcome")
	identify(t, ws, "c1")

	require.NoError(t, ws.WriteJSON(map[string]string{"type": "teleport"}))

	// Connection stays up: a ping still gets its pong.
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))
	readUntil(t, ws, "pong")
}

func TestIdentifyRequiredBeforePing(t *testing.T) {
	bus := eventbus.New(zerolog.Nop(), nil)
	g := New(bus, nil, nil, nil, zerolog.Nop())

	ws := dialTestGateway(t, g)
	readUntil(t, ws, "welcome")

	// Ping before identify closes the connection.
	require.NoError(t, ws.WriteJSON(map[string]string{"type": "ping"}))

	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	var msg Message
	err := ws.ReadJSON(&msg)
	assert.Error(t, err, "connection should be closed")
}

func TestShutdownClosesConnections(t *testing.T) {
	bus := eventbus.New(zerolog.Nop(), nil)
	g := New(bus, nil, nil, nil, zerolog.Nop())

	ws := dialTestGateway(t, g)
	readUntil(t, ws, "welcome")
	identify(t, ws, "c1")
	require.Equal(t, 1, g.ConnectionCount())

	g.Shutdown()

	assert.Eventually(t, func() bool { return g.ConnectionCount() == 0 },
		2*time.Second, 10*time.Millisecond)
}
