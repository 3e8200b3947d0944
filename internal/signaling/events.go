package signaling

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/avask/conclave/internal/bus"
	"github.com/avask/conclave/internal/command"
	"github.com/avask/conclave/internal/domain"
)

// Start subscribes to the media tier's update stream. Every signaling
// instance uses its own consumer group so updates fan out to all of
// them; each instance forwards only to the sockets it holds.
func (ctl *Controller) Start() error {
	group := "signaling-" + uuid.NewString()
	sub, err := ctl.Bus.Subscribe(ctl.Topics.Updates, group, ctl.applyEvent)
	if err != nil {
		return fmt.Errorf("subscribe updates: %w", err)
	}
	ctl.sub = sub
	log.Info().Str("module", "signaling").Str("group", group).Msg("update consumer running")
	return nil
}

func (ctl *Controller) CloseEvents() {
	if ctl.sub != nil {
		_ = ctl.sub.Unsubscribe()
	}
}

// applyEvent reconciles the local store from the event and forwards the
// raw envelope to the affected sockets. Duplicated or out-of-date
// events are harmless: snapshots overwrite, broadcasts are best-effort.
func (ctl *Controller) applyEvent(ctx context.Context, msg bus.Message) error {
	evt, err := command.DecodeEvent(msg.Data)
	if err != nil {
		return err
	}

	switch evt.Event {
	case command.EventRoomJoined:
		var p command.JoinedPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("room-joined payload: %w", err)
		}
		ctl.Store.ReplaceRoom(evt.Room, p.Users)
		if ctl.Relay.Send(p.SocketID, msg.Data) {
			ctl.ackDelivery(ctx, evt, p.SocketID)
		}

	case command.EventUpdateRoomUsers:
		var p command.UsersPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("update-room-users payload: %w", err)
		}
		ctl.Store.ReplaceRoom(evt.Room, p.Users)
		ctl.Relay.Broadcast(evt.Room, msg.Data)

	case command.EventUserJoined, command.EventUserDisconnected, command.EventEnvironmentReady:
		ctl.Relay.Broadcast(evt.Room, msg.Data)

	case command.EventSFUAnswer:
		var p command.AnswerPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("sfu-answer payload: %w", err)
		}
		ctl.Relay.Send(p.SocketID, msg.Data)

	case command.EventRoomError:
		var p command.ErrorPayload
		if err := json.Unmarshal(evt.Payload, &p); err != nil {
			return fmt.Errorf("room-error payload: %w", err)
		}
		if p.SocketID != "" {
			ctl.Relay.Send(p.SocketID, msg.Data)
		} else {
			ctl.Relay.Broadcast(evt.Room, msg.Data)
		}
	}
	return nil
}

// ackDelivery tells the media tier the socket-targeted event reached
// its socket. Best-effort, like every feedback publish.
func (ctl *Controller) ackDelivery(ctx context.Context, evt command.Event, socketID domain.ConnectionID) {
	fb := command.Feedback{Event: evt.Event, RoomID: evt.Room, SocketID: socketID}
	data, err := fb.Encode()
	if err != nil {
		log.Error().Err(err).Str("module", "signaling").Msg("encode feedback")
		return
	}
	if err := ctl.Bus.Publish(ctx, ctl.Topics.Feedback, string(evt.Room), data); err != nil {
		log.Error().Err(err).Str("module", "signaling").Str("room", string(evt.Room)).Msg("publish feedback")
	}
}
