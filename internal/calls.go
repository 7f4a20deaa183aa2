package internal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"parley/internal/storage"
)

type CallType string

const (
	CallVoice CallType = "voice"
	CallVideo CallType = "video"
)

func ParseCallType(value string) (CallType, error) {
	switch CallType(value) {
	case CallVoice, CallVideo:
		return CallType(value), nil
	}
	return "", fmt.Errorf("%w: call type %q", ErrInvalidCall, value)
}

type CallStatus string

const (
	CallInitiated CallStatus = "initiated"
	CallAnswered  CallStatus = "answered"
	CallDeclined  CallStatus = "declined"
	CallMissed    CallStatus = "missed"
	CallEnded     CallStatus = "ended"
)

var callTransitions = map[CallStatus][]CallStatus{
	CallInitiated: {CallAnswered, CallDeclined, CallMissed},
	CallAnswered:  {CallEnded},
	CallDeclined:  {CallEnded},
	CallMissed:    {CallEnded},
}

// CanTransition reports whether a call may move from one status to another.
func CanTransition(from, to CallStatus) bool {
	for _, next := range callTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

var (
	ErrIllegalTransition = errors.New("illegal call transition")
	ErrNotParticipant    = errors.New("not a participant of this call")
	ErrInvalidCall       = errors.New("invalid call")
)

type CallRecord struct {
	ID           string     `json:"id"`
	CallerID     string     `json:"callerId"`
	CallerName   string     `json:"callerName,omitempty"`
	ReceiverID   string     `json:"receiverId"`
	ReceiverName string     `json:"receiverName,omitempty"`
	CallType     CallType   `json:"callType"`
	Status       CallStatus `json:"status"`
	Duration     int        `json:"duration"`
	StartedAt    time.Time  `json:"startedAt"`
	AnsweredAt   *time.Time `json:"answeredAt,omitempty"`
	EndedAt      *time.Time `json:"endedAt,omitempty"`
}

func callFromStorage(call storage.Call) CallRecord {
	return CallRecord{
		ID:           call.ID,
		CallerID:     call.CallerID,
		CallerName:   call.CallerName,
		ReceiverID:   call.ReceiverID,
		ReceiverName: call.ReceiverName,
		CallType:     CallType(call.CallType),
		Status:       CallStatus(call.Status),
		Duration:     call.Duration,
		StartedAt:    call.StartedAt,
		AnsweredAt:   call.AnsweredAt,
		EndedAt:      call.EndedAt,
	}
}

func (record CallRecord) storage() storage.Call {
	return storage.Call{
		ID:           record.ID,
		CallerID:     record.CallerID,
		CallerName:   record.CallerName,
		ReceiverID:   record.ReceiverID,
		ReceiverName: record.ReceiverName,
		CallType:     string(record.CallType),
		Status:       string(record.Status),
		Duration:     record.Duration,
		StartedAt:    record.StartedAt,
		AnsweredAt:   record.AnsweredAt,
		EndedAt:      record.EndedAt,
	}
}

// Counterpart returns the other participant, or ErrNotParticipant.
func (record CallRecord) Counterpart(userID string) (string, error) {
	switch userID {
	case record.CallerID:
		return record.ReceiverID, nil
	case record.ReceiverID:
		return record.CallerID, nil
	}
	return "", ErrNotParticipant
}

// CallStore persists call records. Implemented by *storage.Store.
type CallStore interface {
	CreateCall(ctx context.Context, call storage.Call) (*storage.Call, error)
	UpdateCall(ctx context.Context, call storage.Call, from string) error
}

// CallSignalRelay validates call lifecycle steps, persists the resulting
// record and forwards the signaling event to the other participant. Nothing
// is delivered when validation or persistence fails, or when the stored
// record no longer has the status the step was validated against.
type CallSignalRelay struct {
	router *EventRouter
	store  CallStore
	logger *slog.Logger
	now    func() time.Time
}

func NewCallSignalRelay(router *EventRouter, store CallStore, logger *slog.Logger) *CallSignalRelay {
	if logger == nil {
		logger = slog.Default()
	}
	return &CallSignalRelay{
		router: router,
		store:  store,
		logger: logger.With("component", "calls"),
		now:    time.Now,
	}
}

// Initiate opens a call from caller to the receiver and rings every
// connection of the receiver.
func (relay *CallSignalRelay) Initiate(ctx context.Context, caller Identity, receiver Identity, callType CallType) (CallRecord, error) {
	if receiver.UserID == "" || receiver.UserID == caller.UserID {
		return CallRecord{}, fmt.Errorf("%w: receiver %q", ErrInvalidCall, receiver.UserID)
	}
	if _, err := ParseCallType(string(callType)); err != nil {
		return CallRecord{}, err
	}
	record := CallRecord{
		CallerID:     caller.UserID,
		CallerName:   caller.Username,
		ReceiverID:   receiver.UserID,
		ReceiverName: receiver.Username,
		CallType:     callType,
		Status:       CallInitiated,
		StartedAt:    relay.now().UTC(),
	}
	if relay.store != nil {
		stored, err := relay.store.CreateCall(ctx, record.storage())
		if err != nil {
			return CallRecord{}, fmt.Errorf("create call: %w", err)
		}
		record = callFromStorage(*stored)
	} else {
		record.ID = uuid.NewString()
	}

	relay.router.Deliver(OutboundEvent{
		Name: EventCallIncoming,
		Payload: callIncomingPayload{
			CallID:   record.ID,
			Caller:   callerDetail{ID: caller.UserID, Username: caller.Username},
			CallType: callType,
		},
		Target: ToUser(record.ReceiverID),
	})
	relay.logger.Info("call initiated", "callID", record.ID, "callerID", record.CallerID, "receiverID", record.ReceiverID, "type", callType)
	return record, nil
}

// Answer is allowed for the receiver only and notifies the caller.
func (relay *CallSignalRelay) Answer(ctx context.Context, record CallRecord, actorID string) (CallRecord, error) {
	if actorID != record.ReceiverID {
		return record, ErrNotParticipant
	}
	if !CanTransition(record.Status, CallAnswered) {
		return record, transitionError(record.Status, CallAnswered)
	}
	next := record
	now := relay.now().UTC()
	next.Status = CallAnswered
	next.AnsweredAt = &now
	return relay.commit(ctx, record.Status, next, EventCallAnswered, record.CallerID, callPayload{CallID: record.ID})
}

// Decline is allowed for the receiver only and notifies the caller.
func (relay *CallSignalRelay) Decline(ctx context.Context, record CallRecord, actorID string) (CallRecord, error) {
	if actorID != record.ReceiverID {
		return record, ErrNotParticipant
	}
	if !CanTransition(record.Status, CallDeclined) {
		return record, transitionError(record.Status, CallDeclined)
	}
	next := record
	now := relay.now().UTC()
	next.Status = CallDeclined
	next.EndedAt = &now
	return relay.commit(ctx, record.Status, next, EventCallDeclined, record.CallerID, callPayload{CallID: record.ID})
}

// End closes the call for either participant and notifies the other one.
// An unanswered call passes through missed first. The duration is kept only
// for answered calls; when none is supplied it is measured from answeredAt.
func (relay *CallSignalRelay) End(ctx context.Context, record CallRecord, actorID string, duration *int) (CallRecord, error) {
	counterpart, err := record.Counterpart(actorID)
	if err != nil {
		return record, err
	}
	next := record
	if next.Status == CallInitiated {
		next.Status = CallMissed
	}
	if !CanTransition(next.Status, CallEnded) {
		return record, transitionError(record.Status, CallEnded)
	}

	now := relay.now().UTC()
	next.Duration = 0
	if record.Status == CallAnswered {
		switch {
		case duration != nil && *duration >= 0:
			next.Duration = *duration
		case record.AnsweredAt != nil:
			next.Duration = int(now.Sub(*record.AnsweredAt).Seconds())
		}
	}
	next.Status = CallEnded
	if next.EndedAt == nil {
		next.EndedAt = &now
	}
	return relay.commit(ctx, record.Status, next, EventCallEnded, counterpart, callPayload{CallID: record.ID, Duration: next.Duration})
}

func (relay *CallSignalRelay) commit(ctx context.Context, from CallStatus, next CallRecord, event, recipient string, payload callPayload) (CallRecord, error) {
	if relay.store != nil {
		err := relay.store.UpdateCall(ctx, next.storage(), string(from))
		if errors.Is(err, storage.ErrCallStatusChanged) {
			return next, fmt.Errorf("%w: %v", transitionError(from, next.Status), err)
		}
		if err != nil {
			return next, fmt.Errorf("update call %s: %w", next.ID, err)
		}
	}
	writes := relay.router.Deliver(OutboundEvent{Name: event, Payload: payload, Target: ToUser(recipient)})
	relay.logger.Info("call transition", "callID", next.ID, "status", next.Status, "recipient", recipient, "writes", writes)
	return next, nil
}

func transitionError(from, to CallStatus) error {
	return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
}
