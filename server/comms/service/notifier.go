package service

import (
	"context"
	"encoding/json"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	commonlog "pharma_comms/server/common/log"
	"pharma_comms/server/comms/domain"
)

const notifierExchange = "comms.events"

// Notifier hands events for offline recipients to the delivery pipeline
// (push/SMS workers downstream of the exchange). Strictly fire-and-forget:
// publish failures are logged, never propagated.
type Notifier struct {
	channel *amqp.Channel
}

func NewNotifier(conn *amqp.Connection) (*Notifier, error) {
	ch, err := conn.Channel()
	if err != nil {
		return nil, err
	}
	if err := ch.ExchangeDeclare(notifierExchange, "topic", true, false, false, false, nil); err != nil {
		return nil, err
	}
	return &Notifier{channel: ch}, nil
}

func (n *Notifier) publish(ctx context.Context, key string, payload any) {
	if n == nil || n.channel == nil {
		return
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return
	}
	err = n.channel.PublishWithContext(ctx, notifierExchange, key, false, false, amqp.Publishing{
		ContentType: "application/json",
		Body:        body,
		Timestamp:   time.Now(),
	})
	if err != nil {
		commonlog.Warnf("event=notifier action=publish status=failed key=%s error=%v", key, err)
		return
	}
	commonlog.Debugf("event=notifier action=publish status=ok key=%s", key)
}

func (n *Notifier) MessageCreated(ctx context.Context, msg domain.Message, offlineUserIDs []string) {
	if len(offlineUserIDs) == 0 {
		return
	}
	n.publish(ctx, "message.created", map[string]any{
		"message_id": msg.ID,
		"room_id":    msg.RoomID,
		"sender_id":  msg.SenderID,
		"type":       msg.Type,
		"recipients": offlineUserIDs,
		"created_at": msg.CreatedAt,
	})
}

func (n *Notifier) CallMissed(ctx context.Context, session domain.CallSession) {
	n.publish(ctx, "call.missed", map[string]any{
		"call_id":   session.ID,
		"initiator": session.InitiatorID,
		"target":    session.TargetID,
		"call_type": session.Type,
		"reason":    session.EndReason,
	})
}

func (n *Notifier) Close() {
	if n == nil || n.channel == nil {
		return
	}
	_ = n.channel.Close()
}
