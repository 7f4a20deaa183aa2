package internal

import (
	"context"
	"errors"
	"fmt"

	"github.com/tidwall/gjson"
)

// ErrMalformedEvent marks an inbound frame that could not be dispatched.
var ErrMalformedEvent = errors.New("malformed event")

// HandleInbound dispatches one client frame. A malformed or unknown event is
// answered with an error event to conn and the connection stays usable.
func (router *EventRouter) HandleInbound(ctx context.Context, conn Conn, raw []byte) error {
	event := ""
	err := router.dispatch(ctx, conn, raw, &event)
	if err == nil {
		return nil
	}
	router.metrics.IncMalformed()
	router.logger.Warn("inbound event rejected", "event", event, "connID", conn.ID(), "userID", conn.UserID(), "err", err)
	router.SendTo(conn, EventError, errorPayload{Message: err.Error(), Event: event})
	return err
}

func (router *EventRouter) dispatch(ctx context.Context, conn Conn, raw []byte, event *string) error {
	if !gjson.ValidBytes(raw) {
		return fmt.Errorf("%w: invalid json", ErrMalformedEvent)
	}
	frame := gjson.ParseBytes(raw)
	*event = frame.Get("event").String()
	payload := frame.Get("payload")
	now := timestamp(router.now())

	switch *event {
	case EventMessageDelete:
		fields, err := required(payload, "messageId", "receiverId")
		if err != nil {
			return err
		}
		router.Deliver(OutboundEvent{
			Name: EventMessageDeleted,
			Payload: messageDeletedPayload{
				MessageID:   fields[0],
				ForEveryone: payload.Get("forEveryone").Bool(),
				DeletedBy:   conn.UserID(),
			},
			Target: ToUser(fields[1]),
		})
		router.SendTo(conn, EventMessageDeleteConfirmed, messageConfirmedPayload{MessageID: fields[0]})

	case EventMessageEdit:
		fields, err := required(payload, "messageId", "receiverId", "newContent")
		if err != nil {
			return err
		}
		router.Deliver(OutboundEvent{
			Name: EventMessageEdited,
			Payload: messageEditedPayload{
				MessageID:  fields[0],
				NewContent: fields[2],
				EditedBy:   conn.UserID(),
				EditedAt:   now,
			},
			Target: ToUser(fields[1]),
		})
		router.SendTo(conn, EventMessageEditConfirmed, messageConfirmedPayload{MessageID: fields[0]})

	case EventTypingStart, EventTypingStop:
		fields, err := required(payload, "receiverId")
		if err != nil {
			return err
		}
		if settings, err := settingsOf(ctx, router.settings, conn.UserID()); err == nil && !settings.TypingIndicatorsEnabled {
			return nil
		}
		router.Deliver(OutboundEvent{
			Name:    *event,
			Payload: typingPayload{UserID: conn.UserID(), Username: conn.Username()},
			Target:  ToUser(fields[0]),
		})

	case EventMessageRead:
		fields, err := required(payload, "messageId", "senderId")
		if err != nil {
			return err
		}
		if settings, err := settingsOf(ctx, router.settings, conn.UserID()); err == nil && !settings.ReadReceiptsEnabled {
			return nil
		}
		router.Deliver(OutboundEvent{
			Name:    EventMessageRead,
			Payload: messageReadPayload{MessageID: fields[0], ReadBy: conn.UserID(), ReadAt: now},
			Target:  ToUser(fields[1]),
		})

	case EventImageViewed:
		fields, err := required(payload, "imageId", "senderId")
		if err != nil {
			return err
		}
		router.Deliver(OutboundEvent{
			Name:    EventImageViewed,
			Payload: imageViewedPayload{ImageID: fields[0], ViewedBy: conn.UserID(), ViewedAt: now},
			Target:  ToUser(fields[1]),
		})

	case "":
		return fmt.Errorf("%w: missing event name", ErrMalformedEvent)
	default:
		return fmt.Errorf("%w: unknown event %q", ErrMalformedEvent, *event)
	}
	return nil
}

// required pulls non-empty string fields out of a payload in order.
func required(payload gjson.Result, names ...string) ([]string, error) {
	if !payload.IsObject() {
		return nil, fmt.Errorf("%w: payload must be an object", ErrMalformedEvent)
	}
	values := make([]string, len(names))
	for i, name := range names {
		field := payload.Get(name)
		if field.Type != gjson.String || field.Str == "" {
			return nil, fmt.Errorf("%w: missing %s", ErrMalformedEvent, name)
		}
		values[i] = field.Str
	}
	return values, nil
}
