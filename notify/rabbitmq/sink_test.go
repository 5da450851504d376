package rabbitmq_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tokenledger/notify"
	"github.com/xraph/tokenledger/notify/rabbitmq"
)

type published struct {
	exchange, key string
	msg           amqp.Publishing
}

type fakePublisher struct {
	sent []published
	err  error
}

func (p *fakePublisher) PublishWithContext(_ context.Context, exchange, key string, _, _ bool, msg amqp.Publishing) error {
	if p.err != nil {
		return p.err
	}
	p.sent = append(p.sent, published{exchange: exchange, key: key, msg: msg})
	return nil
}

func TestSinkPublishesPersistentJSON(t *testing.T) {
	p := &fakePublisher{}
	s := rabbitmq.NewWithPublisher(p, "billing.notifications")
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

	err := s.Notify(context.Background(), &notify.Notification{
		Kind:        notify.KindTopUpPurchased,
		CustomerRef: "cus_1",
		Amount:      900,
		Currency:    "usd",
		OccurredAt:  at,
	})
	require.NoError(t, err)
	require.Len(t, p.sent, 1)

	got := p.sent[0]
	assert.Empty(t, got.exchange)
	assert.Equal(t, "billing.notifications", got.key)
	assert.Equal(t, "application/json", got.msg.ContentType)
	assert.Equal(t, amqp.Persistent, got.msg.DeliveryMode)
	assert.Equal(t, "topup.purchased", got.msg.Type)
	assert.True(t, got.msg.Timestamp.Equal(at))

	var decoded notify.Notification
	require.NoError(t, json.Unmarshal(got.msg.Body, &decoded))
	assert.Equal(t, int64(900), decoded.Amount)

	assert.NoError(t, s.Close())
}

func TestSinkWrapsPublishError(t *testing.T) {
	boom := errors.New("channel closed")
	s := rabbitmq.NewWithPublisher(&fakePublisher{err: boom}, "q")
	assert.ErrorIs(t, s.Notify(context.Background(), &notify.Notification{}), boom)
}
