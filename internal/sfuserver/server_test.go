package sfuserver

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/avask/conclave/internal/bus"
	"github.com/avask/conclave/internal/command"
	"github.com/avask/conclave/internal/config"
	"github.com/avask/conclave/internal/domain"
	"github.com/avask/conclave/internal/media"
	"github.com/avask/conclave/internal/state"
)

type stubRouter struct{}

func (stubRouter) CreateTransport(domain.ParticipantID) (media.Transport, error) {
	return stubTransport{}, nil
}
func (stubRouter) Close() error { return nil }

type stubTransport struct{}

func (stubTransport) Close() error { return nil }
func (stubTransport) Answer(_ context.Context, offerSDP string) (string, error) {
	return "answer:" + offerSDP, nil
}
func (stubTransport) AddRemoteCandidate([]byte) error { return nil }

type stubEngine struct {
	routers int
	fail    bool
}

func (e *stubEngine) CreateRouter(context.Context, domain.RoomID) (media.Router, error) {
	if e.fail {
		return nil, errors.New("no media capacity")
	}
	e.routers++
	return stubRouter{}, nil
}

var testTopics = config.Topics{
	Commands: "sfu_commands",
	Updates:  "signaling_updates",
	Feedback: "sfu_feedback",
	Group:    "sfu-group",
}

type fixture struct {
	srv    *Server
	store  *state.Store
	engine *stubEngine
	events *[]command.Event
	seq    *command.Sequencer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	b := bus.NewMemBus()
	store := state.NewStore()
	engine := &stubEngine{}
	srv := New(b, store, media.NewManager(engine), testTopics)

	events := &[]command.Event{}
	_, err := b.Subscribe(testTopics.Updates, "test-observer", func(_ context.Context, msg bus.Message) error {
		evt, err := command.DecodeEvent(msg.Data)
		if err != nil {
			return err
		}
		*events = append(*events, evt)
		return nil
	})
	require.NoError(t, err)

	return &fixture{srv: srv, store: store, engine: engine, events: events, seq: &command.Sequencer{}}
}

func (f *fixture) deliver(t *testing.T, cmd command.Command) error {
	t.Helper()
	data, err := cmd.Encode()
	require.NoError(t, err)
	return f.srv.HandleCommand(context.Background(), bus.Message{
		Topic: testTopics.Commands,
		Key:   string(cmd.RoomID),
		Data:  data,
	})
}

func (f *fixture) join(t *testing.T, room domain.RoomID, pid domain.ParticipantID, socket domain.ConnectionID) error {
	cmd := command.New(command.TypeJoinRoom, room, f.seq)
	cmd.Participant = &domain.Participant{ID: pid, DisplayName: string(pid), SocketID: socket, State: domain.StateConnected}
	cmd.SocketID = socket
	return f.deliver(t, cmd)
}

func (f *fixture) eventNames() []command.EventName {
	out := make([]command.EventName, 0, len(*f.events))
	for _, e := range *f.events {
		out = append(out, e.Event)
	}
	return out
}

func TestHandleJoin_DuplicateDeliveriesAreHarmless(t *testing.T) {
	f := newFixture(t)

	// Two deliveries of the same join: one participant, one routing
	// context, but each delivery re-sends the room snapshot.
	require.NoError(t, f.join(t, "r1", "p1", "s1"))
	require.NoError(t, f.join(t, "r1", "p1", "s1"))

	require.Len(t, f.store.Participants("r1"), 1)
	require.Equal(t, 1, f.engine.routers)
	require.Equal(t, []command.EventName{
		command.EventRoomJoined,
		command.EventUserJoined,
		command.EventUpdateRoomUsers,
		command.EventRoomJoined,
	}, f.eventNames())
}

func TestHandleJoin_SecondRoomEvictsFirst(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.join(t, "r1", "p1", "s1"))
	require.NoError(t, f.join(t, "r1", "p2", "s2"))

	// p1 moves to r2: r1 must no longer list p1 and p1's r1 transport
	// must be released. One identity, one room.
	require.NoError(t, f.join(t, "r2", "p1", "s3"))

	_, stillThere := f.store.Participant("r1", "p1")
	require.False(t, stillThere)
	require.Len(t, f.store.Participants("r1"), 1)
	require.Len(t, f.store.Participants("r2"), 1)
	require.Equal(t, 1, f.srv.media.TransportCount("r1"))
	require.Equal(t, 1, f.srv.media.TransportCount("r2"))

	// r1 hears about the departure.
	names := f.eventNames()
	require.Contains(t, names, command.EventUserDisconnected)

	// Moving the last member away destroys the old room entirely.
	require.NoError(t, f.join(t, "r2", "p2", "s4"))
	require.False(t, f.store.RoomExists("r1"))
	require.False(t, f.srv.media.HasRouter("r1"))
}

func TestSessionStart_GateAndLateJoiner(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.join(t, "r1", "p1", "s1"))
	require.NoError(t, f.join(t, "r1", "p2", "s2"))

	ready := func(pid domain.ParticipantID) {
		cmd := command.New(command.TypeEnvironmentReady, "r1", f.seq)
		cmd.Participant = &domain.Participant{ID: pid}
		require.NoError(t, f.deliver(t, cmd))
	}
	start := func() {
		require.NoError(t, f.deliver(t, command.New(command.TypeStartSession, "r1", f.seq)))
	}

	// startSession before everyone is ready leaves the room untouched.
	ready("p1")
	start()
	p1, _ := f.store.Participant("r1", "p1")
	require.Equal(t, domain.StateEnvironmentReady, p1.State)

	ready("p2")
	start()
	for _, p := range f.store.Participants("r1") {
		require.Equal(t, domain.StateActive, p.State)
	}

	// A late joiner lands in the active session at Connected.
	require.NoError(t, f.join(t, "r1", "p3", "s3"))
	p3, _ := f.store.Participant("r1", "p3")
	require.Equal(t, domain.StateConnected, p3.State)
	p1, _ = f.store.Participant("r1", "p1")
	require.Equal(t, domain.StateActive, p1.State)
}

func TestHandleJoin_MediaFailureEmitsRoomError(t *testing.T) {
	f := newFixture(t)
	f.engine.fail = true

	err := f.join(t, "r1", "p1", "s1")
	require.Error(t, err)

	// The failed join leaves no membership behind and the client gets a
	// room-error instead of room-joined.
	require.False(t, f.store.RoomExists("r1"))
	require.Equal(t, []command.EventName{command.EventRoomError}, f.eventNames())

	// Recovery: the engine comes back and the same join succeeds.
	f.engine.fail = false
	require.NoError(t, f.join(t, "r1", "p1", "s1"))
	require.True(t, f.store.RoomExists("r1"))
}

func TestHandleLeave_ByParticipantAndBySocket(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.join(t, "r1", "p1", "s1"))
	require.NoError(t, f.join(t, "r1", "p2", "s2"))

	leave := command.New(command.TypeLeave, "r1", f.seq)
	leave.Participant = &domain.Participant{ID: "p1"}
	require.NoError(t, f.deliver(t, leave))
	require.Len(t, f.store.Participants("r1"), 1)

	// Disconnect cleanup only knows the socket.
	bySocket := command.New(command.TypeLeave, "r1", f.seq)
	bySocket.SocketID = "s2"
	require.NoError(t, f.deliver(t, bySocket))
	require.False(t, f.store.RoomExists("r1"))

	// Redelivered leave is a no-op with no extra events.
	before := len(*f.events)
	require.NoError(t, f.deliver(t, bySocket))
	require.Len(t, *f.events, before)
}

func TestHandleCommand_RejectsUnknownType(t *testing.T) {
	f := newFixture(t)
	err := f.srv.HandleCommand(context.Background(), bus.Message{
		Topic: testTopics.Commands,
		Key:   "r1",
		Data:  []byte(`{"type":"teleport","roomId":"r1"}`),
	})
	require.ErrorIs(t, err, command.ErrUnknownType)
}

func TestHandleOffer_AnswerFlowsBackToSocket(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.join(t, "r1", "p1", "s1"))

	offer := command.New(command.TypeOffer, "r1", f.seq)
	offer.Participant = &domain.Participant{ID: "p1", SocketID: "s1"}
	offer.SocketID = "s1"
	offer.SDP = "v=0 fake-offer"
	require.NoError(t, f.deliver(t, offer))

	last := (*f.events)[len(*f.events)-1]
	require.Equal(t, command.EventSFUAnswer, last.Event)

	var p command.AnswerPayload
	require.NoError(t, json.Unmarshal(last.Payload, &p))
	require.Equal(t, domain.ConnectionID("s1"), p.SocketID)
	require.Equal(t, "answer:v=0 fake-offer", p.SDP)
}

func TestHandleOffer_WithoutTransportEmitsRoomError(t *testing.T) {
	f := newFixture(t)

	// No join happened, so there is no transport to negotiate with.
	offer := command.New(command.TypeOffer, "r1", f.seq)
	offer.Participant = &domain.Participant{ID: "p1", SocketID: "s1"}
	offer.SocketID = "s1"
	offer.SDP = "v=0 fake-offer"
	require.Error(t, f.deliver(t, offer))
	require.Equal(t, []command.EventName{command.EventRoomError}, f.eventNames())
}

func TestHandleLeave_ClearsPendingAck(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.join(t, "r1", "p1", "s1"))
	require.Equal(t, 1, f.srv.PendingAcks())

	// The socket disconnects without ever acking room-joined; its
	// pending entry must go with it.
	leave := command.New(command.TypeLeave, "r1", f.seq)
	leave.SocketID = "s1"
	require.NoError(t, f.deliver(t, leave))
	require.Equal(t, 0, f.srv.PendingAcks())
}

func TestFeedback_ClearsPendingAck(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.join(t, "r1", "p1", "s1"))
	require.Equal(t, 1, f.srv.PendingAcks())

	fb := command.Feedback{Event: command.EventRoomJoined, RoomID: "r1", SocketID: "s1"}
	data, err := fb.Encode()
	require.NoError(t, err)
	require.NoError(t, f.srv.route(context.Background(), bus.Message{
		Topic: testTopics.Feedback,
		Key:   "r1",
		Data:  data,
	}))
	require.Equal(t, 0, f.srv.PendingAcks())
}
