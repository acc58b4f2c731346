package execution

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/polyhft/internal/domain"
)

// paperGateway acknowledges and fully fills every order at the requested
// price. It backs dry-run mode so the live state machine is exercised
// unchanged.
type paperGateway struct {
	now func() time.Time
}

func (g paperGateway) Submit(_ context.Context, req domain.OrderRequest, events EventFunc) error {
	id := "paper-" + uuid.NewString()
	at := g.now()
	events(domain.GatewayEvent{Kind: domain.GatewayAck, OrderID: id, At: at})
	events(domain.GatewayEvent{
		Kind:         domain.GatewayFill,
		OrderID:      id,
		FilledSize:   req.Size,
		FilledShares: req.Shares(),
		AvgPrice:     req.Price,
		Final:        true,
		At:           at,
	})
	return nil
}

func (paperGateway) Cancel(context.Context, string) error { return nil }
