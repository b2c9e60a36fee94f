package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"checkout-service/internal/orders"

	"github.com/twmb/franz-go/pkg/kgo"
)

type producer interface {
	ProduceSync(ctx context.Context, rs ...*kgo.Record) kgo.ProduceResults
	Close()
}

type Conf struct {
	client producer
	now    func() time.Time
}

// NewConf connects a franz-go producer to brokers.
func NewConf(brokers []string) (*Conf, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no kafka brokers configured")
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(brokers...),
		kgo.AllowAutoTopicCreation(),
		kgo.RequiredAcks(kgo.AllISRAcks()),
		kgo.ProduceRequestTimeout(10*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("creating kafka client: %w", err)
	}
	return &Conf{client: client, now: time.Now}, nil
}

func (k *Conf) Close() {
	k.client.Close()
}

// ProduceMessage writes one record and waits for the broker acknowledgement.
func (k *Conf) ProduceMessage(ctx context.Context, topic string, key []byte, value []byte) error {
	record := &kgo.Record{Topic: topic, Key: key, Value: value}
	if err := k.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("producing to %s: %w", topic, err)
	}
	return nil
}

func (k *Conf) OrderPlaced(ctx context.Context, order orders.Order) error {
	jsonData, err := json.Marshal(OrderPlacedEvent{
		OrderId:     order.ID,
		UserId:      order.UserID,
		TotalAmount: order.TotalAmount.StringFixed(2),
		CreatedAt:   k.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal order placed event: %w", err)
	}
	return k.ProduceMessage(ctx, TopicOrderPlaced, []byte(order.ID), jsonData)
}

// OrderPaid produces one event per order line, keyed by order id.
func (k *Conf) OrderPaid(ctx context.Context, order orders.Order) error {
	var errs []error
	for _, line := range order.Lines {
		jsonData, err := json.Marshal(OrderPaidEvent{
			OrderId:         order.ID,
			ProductId:       line.ProductID,
			Quantity:        line.Quantity,
			PaymentIntentId: order.PaymentIntentID,
			CreatedAt:       k.now().UTC(),
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("marshal order paid event: %w", err))
			continue
		}
		if err := k.ProduceMessage(ctx, TopicOrderPaid, []byte(order.ID), jsonData); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (k *Conf) OrderCancelled(ctx context.Context, order orders.Order) error {
	jsonData, err := json.Marshal(OrderCancelledEvent{
		OrderId:         order.ID,
		UserId:          order.UserID,
		PaymentIntentId: order.PaymentIntentID,
		CreatedAt:       k.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal order cancelled event: %w", err)
	}
	return k.ProduceMessage(ctx, TopicOrderCancelled, []byte(order.ID), jsonData)
}
