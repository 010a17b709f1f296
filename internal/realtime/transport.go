package realtime

import (
	"context"
	"encoding/json"

	"github.com/angelmondragon/ordertrack/internal/orders"
)

// Wire event names.
const (
	EventJoin         = "join"
	EventLeave        = "leave"
	EventStatusUpdate = "statusUpdate"
)

// Outbound is a subscription control frame.
type Outbound struct {
	Event   string `json:"event"`
	OrderID string `json:"orderId"`
}

// Inbound is a frame received from the feed. Data is decoded only for statusUpdate.
type Inbound struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DecodeStatusUpdate parses a raw inbound frame. ok is false for other event types.
func DecodeStatusUpdate(raw []byte) (update orders.StatusUpdate, ok bool, err error) {
	var frame Inbound
	if err := json.Unmarshal(raw, &frame); err != nil {
		return orders.StatusUpdate{}, false, err
	}
	if frame.Event != EventStatusUpdate {
		return orders.StatusUpdate{}, false, nil
	}
	if err := json.Unmarshal(frame.Data, &update); err != nil {
		return orders.StatusUpdate{}, false, err
	}
	return update, true, nil
}

// Transport opens connections to the push feed.
type Transport interface {
	Dial(ctx context.Context) (Conn, error)
}

// Conn is one live feed connection.
type Conn interface {
	Send(ctx context.Context, msg Outbound) error
	// Receive blocks until the next status update, ctx is done, or the connection drops.
	Receive(ctx context.Context) (orders.StatusUpdate, error)
	Close() error
}
