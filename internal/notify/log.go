package notify

import (
	"context"

	"go.uber.org/zap"
)

// LogNotifier пишет уведомления в журнал. Используется, когда брокер не настроен.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier создаёт LogNotifier.
func NewLogNotifier(logger *zap.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) SendBuyerCompletion(ctx context.Context, c Completion) error {
	n.logger.Info("buyer completion notification",
		zap.String("order_id", c.OrderID),
		zap.String("to", c.BuyerEmail),
		zap.Int64("total_cents", c.TotalCents),
		zap.Int("items", len(c.Items)),
	)
	return nil
}

func (n *LogNotifier) SendOwnerNewSale(ctx context.Context, c Completion) error {
	n.logger.Info("owner new sale notification",
		zap.String("order_id", c.OrderID),
		zap.String("to", c.OwnerEmail),
		zap.Int64("total_cents", c.TotalCents),
	)
	return nil
}
