package razorpay

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
)

// StdioPresenter writes the checkout options as JSON and reads back the
// handler payload as one JSON line. It lets a terminal session hand checkout to
// an external browser and paste the result.
type StdioPresenter struct {
	In  io.Reader
	Out io.Writer
}

type stdioResult struct {
	SuccessResponse
	Error     *json.RawMessage `json:"error,omitempty"`
	Dismissed bool             `json:"dismissed,omitempty"`
}

// Present prints opts, then waits for a line holding either the success payload,
// a payment.failed payload, or {"dismissed":true}.
func (s StdioPresenter) Present(ctx context.Context, opts CheckoutOptions, handlers Handlers) error {
	encoded, err := json.MarshalIndent(opts, "", "  ")
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.Out, "checkout options:\n%s\npaste the checkout result as one JSON line:\n", encoded); err != nil {
		return err
	}

	go func() {
		line, err := bufio.NewReader(s.In).ReadString('\n')
		if ctx.Err() != nil {
			return
		}
		line = strings.TrimSpace(line)
		if err != nil && line == "" {
			handlers.OnDismiss()
			return
		}
		var result stdioResult
		if err := json.Unmarshal([]byte(line), &result); err != nil {
			handlers.OnDismiss()
			return
		}
		switch {
		case result.Dismissed:
			handlers.OnDismiss()
		case result.Error != nil:
			var failure FailureResponse
			if err := json.Unmarshal([]byte(line), &failure); err != nil {
				handlers.OnDismiss()
				return
			}
			handlers.OnFailure(failure)
		default:
			handlers.OnSuccess(result.SuccessResponse)
		}
	}()
	return nil
}
