package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/angelmondragon/ordertrack/internal/coordinator"
	"github.com/angelmondragon/ordertrack/internal/orders"
	"github.com/angelmondragon/ordertrack/internal/payment"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
)

const (
	cmdWatch   = "watch"
	cmdStatus  = "status"
	cmdPay     = "pay"
	cmdCancel  = "cancel"
	cmdReceipt = "receipt"
	cmdChat    = "chat"
)

const usage = `usage: ordertrack [flags] <order-id> [watch|status|pay|cancel <reason> <comment>|receipt|chat]`

type invocation struct {
	orderID string
	command string
	reason  string
	comment string
	prefill payment.Prefill
	// verifyRetries bounds how often a rejected verification is re-submitted.
	verifyRetries int
}

func parseArgs(args []string, stderr io.Writer) (invocation, error) {
	fs := flag.NewFlagSet("ordertrack", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var inv invocation
	fs.StringVar(&inv.prefill.Name, "name", "", "buyer name passed to checkout")
	fs.StringVar(&inv.prefill.Email, "email", "", "buyer email passed to checkout")
	fs.StringVar(&inv.prefill.Contact, "contact", "", "buyer phone passed to checkout")
	fs.IntVar(&inv.verifyRetries, "verify-retries", 2, "times a rejected payment verification is re-submitted")
	fs.Usage = func() {
		fmt.Fprintln(stderr, usage)
		fs.PrintDefaults()
	}
	if err := fs.Parse(args); err != nil {
		return invocation{}, err
	}
	if inv.verifyRetries < 0 {
		return invocation{}, errors.New("verify-retries must not be negative")
	}

	rest := fs.Args()
	if len(rest) == 0 || strings.TrimSpace(rest[0]) == "" {
		return invocation{}, errors.New(usage)
	}
	inv.orderID = strings.TrimSpace(rest[0])
	inv.command = cmdWatch
	if len(rest) > 1 {
		inv.command = strings.ToLower(rest[1])
	}

	switch inv.command {
	case cmdWatch, cmdStatus, cmdPay, cmdReceipt, cmdChat:
		if len(rest) > 2 {
			return invocation{}, fmt.Errorf("%s takes no arguments", inv.command)
		}
	case cmdCancel:
		if len(rest) < 3 {
			return invocation{}, errors.New("cancel needs a reason and a comment")
		}
		inv.reason = rest[2]
		inv.comment = strings.Join(rest[3:], " ")
	default:
		return invocation{}, fmt.Errorf("unknown command %q", inv.command)
	}
	return inv, nil
}

func run(ctx context.Context, coord *coordinator.Coordinator, inv invocation, out io.Writer) error {
	switch inv.command {
	case cmdStatus:
		view, _, err := coord.View(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, renderView(view))
		return nil
	case cmdPay:
		bridge := coord.Payment()
		if bridge == nil {
			return errors.New("payments are not configured")
		}
		return pay(ctx, bridge, payment.PayRequest{Prefill: inv.prefill}, inv.verifyRetries, out)
	case cmdCancel:
		wf := coord.Cancellation()
		if err := wf.Begin(ctx); err != nil {
			return err
		}
		if err := wf.Confirm(); err != nil {
			return err
		}
		if err := wf.Submit(ctx, inv.reason, inv.comment); err != nil {
			return err
		}
		view, _, err := coord.View(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, renderView(view))
		return nil
	case cmdReceipt:
		return coord.PrintReceipt(ctx)
	case cmdChat:
		return coord.ChatWithSupport(ctx)
	default:
		return watch(ctx, coord, out)
	}
}

type payer interface {
	Pay(ctx context.Context, req payment.PayRequest) error
	RetryVerification(ctx context.Context) error
	State() payment.State
}

// pay runs the checkout flow. A rejected verification is re-submitted with the
// same proof; no new intent or checkout is opened.
func pay(ctx context.Context, b payer, req payment.PayRequest, retries int, out io.Writer) error {
	err := b.Pay(ctx, req)
	for i := 1; i <= retries && b.State() == payment.StateVerifyFailed && pkgerrors.IsCode(err, pkgerrors.CodeVerification); i++ {
		fmt.Fprintf(out, "payment verification failed, retrying (%d/%d)\n", i, retries)
		err = b.RetryVerification(ctx)
	}
	fmt.Fprintf(out, "payment %s\n", b.State())
	return err
}

func watch(ctx context.Context, coord *coordinator.Coordinator, out io.Writer) error {
	views, stop, err := coord.Watch(ctx)
	if err != nil {
		return err
	}
	defer stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-coord.Done():
			return nil
		case view, ok := <-views:
			if !ok {
				return nil
			}
			fmt.Fprintln(out, renderView(view))
		}
	}
}

func renderView(v orders.View) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s v%d %s payment=%s", v.Order.ID, v.Version, v.Order.Status, v.Order.PaymentStatus)
	if v.TimelineStep >= 0 {
		fmt.Fprintf(&b, " step=%d/4", v.TimelineStep)
	}
	if v.Order.TrackingNumber != "" {
		fmt.Fprintf(&b, " tracking=%s", v.Order.TrackingNumber)
	}
	fmt.Fprintf(&b, " total=%s", v.Total.StringFixed(2))
	if v.CancellationPending {
		b.WriteString(" (cancellation pending)")
	}
	if v.Cancellable {
		b.WriteString(" [cancellable]")
	}
	return b.String()
}

// describeError turns a coded error into the line shown to the buyer.
func describeError(err error) string {
	typed := pkgerrors.As(err)
	if typed == nil {
		return "error: " + err.Error()
	}
	msg := typed.PublicMessage()
	if meta := pkgerrors.MetadataFor(typed.Code()); meta.DetailsAllowed && typed.Details() != nil {
		msg = fmt.Sprintf("%s (%v)", msg, typed.Details())
	}
	if typed.Retryable() {
		msg += "; run the same command again to retry"
	}
	return string(typed.Code()) + ": " + msg
}
