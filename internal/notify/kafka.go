package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/segmentio/kafka-go"
)

const (
	kindBuyerCompletion = "buyer_completion"
	kindOwnerNewSale    = "owner_new_sale"
)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaNotifier публикует уведомления в топик, из которого их забирает почтовый сервис.
type KafkaNotifier struct {
	writer messageWriter
}

// NewKafkaNotifier создаёт издателя уведомлений для указанных брокеров и топика.
func NewKafkaNotifier(brokers []string, topic string) *KafkaNotifier {
	return &KafkaNotifier{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.Hash{},
			RequiredAcks: kafka.RequireAll,
		},
	}
}

type envelope struct {
	Kind       string     `json:"kind"`
	Recipient  string     `json:"recipient"`
	Completion Completion `json:"completion"`
}

// SendBuyerCompletion публикует письмо покупателю со ссылкой на скачивание.
func (n *KafkaNotifier) SendBuyerCompletion(ctx context.Context, c Completion) error {
	return n.publish(ctx, kindBuyerCompletion, c.BuyerEmail, c)
}

// SendOwnerNewSale публикует письмо владельцу магазина о новой продаже. Токены покупателя в сообщение не попадают.
func (n *KafkaNotifier) SendOwnerNewSale(ctx context.Context, c Completion) error {
	return n.publish(ctx, kindOwnerNewSale, c.OwnerEmail, c.ForOwner())
}

func (n *KafkaNotifier) publish(ctx context.Context, kind, recipient string, c Completion) error {
	payload, err := json.Marshal(envelope{Kind: kind, Recipient: recipient, Completion: c})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", kind, err)
	}

	// ключ по заказу сохраняет порядок писем одного заказа в партиции
	err = n.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(c.OrderID),
		Value: payload,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(kind)},
		},
	})
	if err != nil {
		return fmt.Errorf("publish %s: %w", kind, err)
	}

	return nil
}

// Close закрывает соединения с брокерами.
func (n *KafkaNotifier) Close() error {
	return n.writer.Close()
}
