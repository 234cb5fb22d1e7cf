package chat

import (
	"context"
	"errors"

	"github.com/ceyewan/genesis/clog"
)

// Handle decodes one inbound envelope and runs the matching operation. Every
// failure is reported to the sender as an `error` event (or `room-locked`);
// the returned error is for the transport's logging and teardown decisions.
func (r *Router) Handle(ctx context.Context, sessionID string, env Envelope) error {
	err := r.dispatch(ctx, sessionID, env)
	switch {
	case err == nil, errors.Is(err, ErrNoSession):
		return nil
	case errors.Is(err, ErrRoomLocked):
		// room-locked was already sent by Join
		return err
	}

	r.publish([]string{sessionID}, EventError, ErrorPayload{Message: clientMessage(err)})
	if errors.Is(err, ErrStoreFailure) {
		r.logger.Error("event failed",
			clog.String("event", env.Event),
			clog.String("session_id", sessionID),
			clog.Error(err))
	} else {
		r.logger.Warn("event rejected",
			clog.String("event", env.Event),
			clog.String("session_id", sessionID),
			clog.Error(err))
	}
	return err
}

func (r *Router) dispatch(ctx context.Context, sessionID string, env Envelope) error {
	switch env.Event {
	case EventJoinRoom:
		var req JoinRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		_, err := r.Join(ctx, sessionID, req)
		return err
	case EventSendMessage:
		var req SendRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		_, err := r.Send(ctx, sessionID, req)
		return err
	case EventEditMessage:
		var req EditRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		return r.Edit(ctx, sessionID, req)
	case EventTypingStart:
		return r.Typing(ctx, sessionID, true)
	case EventTypingStop:
		return r.Typing(ctx, sessionID, false)
	case EventLeaveRoom:
		return r.Leave(ctx, sessionID)
	case EventToggleLock:
		_, err := r.ToggleLock(ctx, sessionID)
		return err
	case EventReceipt, EventMarkRead, EventMarkDelivered:
		var req ReceiptRequest
		if err := env.Decode(&req); err != nil {
			return err
		}
		switch env.Event {
		case EventMarkRead:
			req.Kind = StatusRead
		case EventMarkDelivered:
			req.Kind = StatusDelivered
		}
		return r.Receipt(ctx, sessionID, req)
	}
	return invalid("Unknown event " + env.Event)
}
