package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"manifold-hub/internal/events"
	"manifold-hub/internal/reconcile"
)

type fakeState struct{}

func (fakeState) DeviceStatus(_ context.Context, id string) (events.DeviceStatus, error) {
	switch id {
	case "ghost":
		return events.DeviceStatus{}, reconcile.ErrDeviceNotFound
	case "sensor":
		return events.DeviceStatus{}, fmt.Errorf("%w: %q matched 2", reconcile.ErrAmbiguousDevice, id)
	case "broken":
		return events.DeviceStatus{}, errors.New(`exact lookup "broken": pq: relation "devices" does not exist`)
	}
	return events.DeviceStatus{DeviceID: id, Status: "online"}, nil
}

func (fakeState) ManifoldStatus(_ context.Context, id string) (events.ManifoldStatus, error) {
	return events.ManifoldStatus{
		ManifoldID: id,
		Valves:     []events.ValveState{{ValveNumber: 1, Status: "ON", Mode: "auto"}, {ValveNumber: 2, Status: "OFF"}},
	}, nil
}

type frame struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

func dial(t *testing.T, srv *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, cmd Command) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(cmd))
}

func read(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var f frame
	require.NoError(t, conn.ReadJSON(&f))
	return f
}

func expectSilence(t *testing.T, conn *websocket.Conn) {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(150*time.Millisecond)))
	var f frame
	err := conn.ReadJSON(&f)
	require.Error(t, err, "unexpected frame %+v", f)
}

func newServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(fakeState{})
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, srv
}

// joinAndSync joins a manifold room and waits for a status reply, which proves the join was
// processed since commands are handled in order.
func joinAndSync(t *testing.T, conn *websocket.Conn, manifoldID string) {
	t.Helper()
	send(t, conn, Command{Type: JoinManifold, ManifoldID: manifoldID})
	send(t, conn, Command{Type: RequestManifoldStatus, ManifoldID: manifoldID})
	require.Equal(t, events.ManifoldStatusType, read(t, conn).Type)
}

func TestEmit_ManifoldEventsReachOnlyRoomMembers(t *testing.T) {
	hub, srv := newServer(t)
	member := dial(t, srv)
	outsider := dial(t, srv)
	joinAndSync(t, member, "M1")
	require.Eventually(t, func() bool { return hub.Sessions() == 2 }, time.Second, 10*time.Millisecond)

	hub.Emit(events.RoomManifold("M1"), events.CommandAcknowledgedType, events.CommandAcknowledged{CommandID: "cmd-9", ManifoldID: "M1"})

	f := read(t, member)
	require.Equal(t, events.CommandAcknowledgedType, f.Type)
	var ack events.CommandAcknowledged
	require.NoError(t, json.Unmarshal(f.Data, &ack))
	require.Equal(t, "cmd-9", ack.CommandID)
	require.Equal(t, "M1", ack.ManifoldID)

	expectSilence(t, outsider)
}

func TestEmit_GlobalReachesEverySession(t *testing.T) {
	hub, srv := newServer(t)
	a := dial(t, srv)
	b := dial(t, srv)
	require.Eventually(t, func() bool { return hub.Sessions() == 2 }, time.Second, 10*time.Millisecond)

	hub.Emit(events.Global, events.DeviceStatusType, events.DeviceStatus{DeviceID: "abc123", Status: "online"})

	for _, conn := range []*websocket.Conn{a, b} {
		f := read(t, conn)
		require.Equal(t, events.DeviceStatusType, f.Type)
		require.JSONEq(t, `{"deviceId":"abc123","status":"online"}`, string(f.Data))
	}
}

func TestLeaveManifold_StopsDelivery(t *testing.T) {
	hub, srv := newServer(t)
	conn := dial(t, srv)
	joinAndSync(t, conn, "M1")

	send(t, conn, Command{Type: LeaveManifold, ManifoldID: "M1"})
	send(t, conn, Command{Type: RequestDeviceStatus, DeviceID: "abc123"})
	require.Equal(t, events.DeviceStatusType, read(t, conn).Type)

	hub.Emit(events.RoomManifold("M1"), events.ManifoldOnlineType, events.ManifoldOnline{ManifoldID: "M1", IsOnline: true})
	expectSilence(t, conn)
}

func TestRequestManifoldStatus_RepliesToRequesterOnly(t *testing.T) {
	_, srv := newServer(t)
	requester := dial(t, srv)
	other := dial(t, srv)

	send(t, requester, Command{Type: RequestManifoldStatus, ManifoldID: "M1"})
	f := read(t, requester)
	require.Equal(t, events.ManifoldStatusType, f.Type)
	var st events.ManifoldStatus
	require.NoError(t, json.Unmarshal(f.Data, &st))
	require.Len(t, st.Valves, 2)
	require.Equal(t, 1, st.Valves[0].ValveNumber)
	require.Equal(t, "auto", st.Valves[0].Mode)

	expectSilence(t, other)
}

func TestCommands_ErrorsAreRepliedNotFatal(t *testing.T) {
	_, srv := newServer(t)
	conn := dial(t, srv)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("{nope")))
	require.Equal(t, events.ErrorType, read(t, conn).Type)

	send(t, conn, Command{Type: "dance"})
	require.Equal(t, events.ErrorType, read(t, conn).Type)

	send(t, conn, Command{Type: JoinManifold})
	require.Equal(t, events.ErrorType, read(t, conn).Type)

	send(t, conn, Command{Type: RequestDeviceStatus, DeviceID: "ghost"})
	f := read(t, conn)
	require.Equal(t, events.ErrorType, f.Type)
	require.Contains(t, string(f.Data), "device not found")

	send(t, conn, Command{Type: RequestDeviceStatus, DeviceID: "abc123"})
	require.Equal(t, events.DeviceStatusType, read(t, conn).Type)
}

func TestRequestStatus_HidesInternalErrors(t *testing.T) {
	_, srv := newServer(t)
	conn := dial(t, srv)

	cases := []struct {
		id   string
		want string
	}{
		{"sensor", "device id is ambiguous"},
		{"broken", "status lookup failed"},
	}
	for _, tc := range cases {
		send(t, conn, Command{Type: RequestDeviceStatus, DeviceID: tc.id})
		f := read(t, conn)
		require.Equal(t, events.ErrorType, f.Type)
		var e events.Error
		require.NoError(t, json.Unmarshal(f.Data, &e))
		require.Equal(t, tc.want, e.Message)
		require.NotContains(t, string(f.Data), "pq:")
	}
}
