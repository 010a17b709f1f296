package actions

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/url"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/angelmondragon/ordertrack/internal/orders"
)

// RenderReceipt formats a plain-text receipt.
func RenderReceipt(order orders.Order) ([]byte, error) {
	var buf bytes.Buffer
	fmt.Fprintf(&buf, "Order %s\n", order.ID)
	if order.Timestamps.CreatedAt != nil {
		fmt.Fprintf(&buf, "Placed %s\n", order.Timestamps.CreatedAt.UTC().Format(time.RFC1123))
	}
	fmt.Fprintf(&buf, "Status %s / payment %s\n\n", order.Status, order.PaymentStatus)

	tw := tabwriter.NewWriter(&buf, 0, 4, 2, ' ', tabwriter.AlignRight)
	fmt.Fprintln(tw, "Item\tQty\tUnit\tSubtotal\t")
	if order.Custom != nil {
		fmt.Fprintf(tw, "Custom print %s\t1\t%s\t%s\t\n", order.Custom.DesignRef, order.Custom.Price.StringFixed(2), order.Custom.Price.StringFixed(2))
	} else {
		for _, item := range order.Items {
			name := item.Name
			if name == "" {
				name = item.ProductRef
			}
			if item.VariantRef != "" {
				name += " (" + item.VariantRef + ")"
			}
			fmt.Fprintf(tw, "%s\t%d\t%s\t%s\t\n", name, item.Quantity, item.UnitPrice.StringFixed(2), item.Subtotal().StringFixed(2))
		}
	}
	if err := tw.Flush(); err != nil {
		return nil, err
	}

	total := order.Total().StringFixed(2)
	if order.Currency != "" {
		total = order.Currency + " " + total
	}
	fmt.Fprintf(&buf, "\nTotal %s\n", total)

	if order.TrackingNumber != "" {
		fmt.Fprintf(&buf, "Tracking %s\n", order.TrackingNumber)
	}
	if order.Custom != nil && order.Custom.Payment != nil {
		fmt.Fprintf(&buf, "Payment ref %s\n", order.Custom.Payment.PaymentID)
	}
	if order.Cancellation != nil {
		fmt.Fprintf(&buf, "Cancelled: %s\n", order.Cancellation.Reason)
	}
	return buf.Bytes(), nil
}

// WriterPrinter prints receipts to an io.Writer.
type WriterPrinter struct {
	W io.Writer
}

func (p WriterPrinter) Print(_ context.Context, _ string, receipt []byte) error {
	_, err := p.W.Write(receipt)
	return err
}

// LinkLauncher writes a support chat link carrying the order context.
type LinkLauncher struct {
	BaseURL string
	Out     io.Writer
}

func (l LinkLauncher) Launch(_ context.Context, sc SupportContext) error {
	base, err := url.Parse(strings.TrimSpace(l.BaseURL))
	if err != nil {
		return err
	}
	q := base.Query()
	q.Set("order_id", sc.OrderID)
	q.Set("status", sc.Status)
	q.Set("payment", sc.PaymentStatus)
	if sc.TrackingNumber != "" {
		q.Set("tracking", sc.TrackingNumber)
	}
	base.RawQuery = q.Encode()
	_, err = fmt.Fprintf(l.Out, "support chat: %s\n", base.String())
	return err
}
