package service

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"

	"github.com/artregistry/provenance/common/logger"
	"github.com/artregistry/provenance/common/queue"
)

// MessageKind identifies the template a downstream mailer renders.
type MessageKind string

const (
	MsgTransferRequested   MessageKind = "transfer_requested"
	MsgTransferCompleted   MessageKind = "transfer_completed"
	MsgTransferWithdrawn   MessageKind = "transfer_withdrawn"
	MsgConsignRequested    MessageKind = "consign_requested"
	MsgConsignConfirmed    MessageKind = "consign_confirmed"
	MsgConsignDenied       MessageKind = "consign_denied"
	MsgConsignWithdrawn    MessageKind = "consign_withdrawn"
	MsgUnconsignRequested  MessageKind = "unconsign_requested"
	MsgUnconsignConfirmed  MessageKind = "unconsign_confirmed"
	MsgUnconsignDenied     MessageKind = "unconsign_denied"
	MsgLoanRequested       MessageKind = "loan_requested"
	MsgLoanConfirmed       MessageKind = "loan_confirmed"
	MsgLoanDenied          MessageKind = "loan_denied"
	MsgLoanWithdrawn       MessageKind = "loan_withdrawn"
	MsgShareCreated        MessageKind = "share_created"
	MsgShareRemoved        MessageKind = "share_removed"
	MsgRegistrationInvite  MessageKind = "registration_invite"
	MsgPendingActionsReady MessageKind = "pending_actions_ready"
)

// Notification is the payload published to the mail topic.
type Notification struct {
	Kind          MessageKind `json:"kind"`
	SenderID      uuid.UUID   `json:"sender_id"`
	ReceiverEmail string      `json:"receiver_email"`
	PieceID       uuid.UUID   `json:"piece_id"`
	EditionID     *uuid.UUID  `json:"edition_id,omitempty"`
	ActionID      *uuid.UUID  `json:"action_id,omitempty"`
	Message       string      `json:"message,omitempty"`
}

// Notifier publishes notifications to the in-process queue. Delivery is
// best effort: a full or closed queue is logged and dropped, never
// surfaced to the caller.
type Notifier struct {
	queue   queue.Queue
	topic   string
	enabled bool
	log     *logger.Logger
}

func NewNotifier(q queue.Queue, topic string, enabled bool, log *logger.Logger) *Notifier {
	return &Notifier{queue: q, topic: topic, enabled: enabled, log: log}
}

func (n *Notifier) Send(ctx context.Context, note Notification) {
	if !n.enabled {
		return
	}
	payload, err := json.Marshal(note)
	if err != nil {
		n.log.Warn("failed to encode notification", "kind", note.Kind, "error", err)
		return
	}
	if err := n.queue.Publish(ctx, n.topic, note.ReceiverEmail, payload); err != nil {
		n.log.Warn("dropping notification",
			"kind", note.Kind,
			"receiver", note.ReceiverEmail,
			"error", err)
	}
}
