package orderapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/ordertrack/internal/orders"
	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
)

const (
	defaultTimeout              = 10 * time.Second
	errorBodyReadLimit    int64 = 1024
	headerIdempotencyKey        = "Idempotency-Key"
	headerAuthorization         = "Authorization"
	unauthorizedReasonAPI       = "api rejected session"
)

var errBaseURLRequired = errors.New("order api base url is required")

// Session supplies the bearer token and receives the unauthorized signal.
type Session interface {
	Token() (string, error)
	MarkUnauthorized(reason string)
}

// Client talks to the order backend.
type Client struct {
	httpClient *http.Client
	baseURL    string
	session    Session
	newKey     func() string
}

// Option configures optional client behavior.
type Option func(*Client)

// WithHTTPClient overrides the default HTTP client.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// WithTimeout sets the request timeout on the default HTTP client.
func WithTimeout(timeout time.Duration) Option {
	return func(c *Client) {
		if timeout > 0 {
			c.httpClient = &http.Client{Timeout: timeout}
		}
	}
}

// WithIdempotencyKeys overrides how Idempotency-Key values are generated.
func WithIdempotencyKeys(fn func() string) Option {
	return func(c *Client) {
		if fn != nil {
			c.newKey = fn
		}
	}
}

// NewClient builds the order API client. session may be nil for anonymous access.
func NewClient(baseURL string, session Session, opts ...Option) (*Client, error) {
	trimmed := strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if trimmed == "" {
		return nil, errBaseURLRequired
	}

	client := &Client{
		baseURL:    trimmed,
		session:    session,
		httpClient: &http.Client{Timeout: defaultTimeout},
		newKey:     func() string { return uuid.NewString() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(client)
		}
	}
	return client, nil
}

// FetchOrder loads the full order record.
func (c *Client) FetchOrder(ctx context.Context, orderID string) (orders.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return orders.Order{}, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	var order orders.Order
	path := "orders/" + url.PathEscape(orderID)
	if err := c.do(ctx, http.MethodGet, path, nil, &order, pkgerrors.CodeFetch); err != nil {
		return orders.Order{}, err
	}
	if err := orders.Validate(order); err != nil {
		return orders.Order{}, pkgerrors.Wrap(pkgerrors.CodeFetch, err, "order payload invalid")
	}
	return order, nil
}

type cancelRequest struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// CancelOrder submits a cancellation with the compiled reason and returns the server's order.
func (c *Client) CancelOrder(ctx context.Context, orderID, reason string) (orders.Order, error) {
	if strings.TrimSpace(orderID) == "" {
		return orders.Order{}, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	var order orders.Order
	path := fmt.Sprintf("orders/%s/cancel", url.PathEscape(orderID))
	body := cancelRequest{OrderID: orderID, Reason: reason}
	if err := c.do(ctx, http.MethodPost, path, body, &order, pkgerrors.CodeCancellation); err != nil {
		return orders.Order{}, err
	}
	if err := orders.Validate(order); err != nil {
		return orders.Order{}, pkgerrors.Wrap(pkgerrors.CodeCancellation, err, "cancel response invalid")
	}
	return order, nil
}

type intentRequest struct {
	OrderID string `json:"orderId"`
}

// CreatePaymentIntent asks the server for a fresh gateway order.
func (c *Client) CreatePaymentIntent(ctx context.Context, orderID string) (orders.PaymentIntent, error) {
	if strings.TrimSpace(orderID) == "" {
		return orders.PaymentIntent{}, pkgerrors.New(pkgerrors.CodeValidation, "order id is required")
	}
	var intent orders.PaymentIntent
	if err := c.do(ctx, http.MethodPost, "payments/intents", intentRequest{OrderID: orderID}, &intent, pkgerrors.CodeIntentCreation); err != nil {
		return orders.PaymentIntent{}, err
	}
	if strings.TrimSpace(intent.GatewayOrderID) == "" {
		return orders.PaymentIntent{}, pkgerrors.New(pkgerrors.CodeIntentCreation, "intent response missing gateway order id")
	}
	return intent, nil
}

// VerifyRequest carries the gateway proof for server-side signature verification.
type VerifyRequest struct {
	GatewayOrderID string `json:"gatewayOrderId"`
	PaymentID      string `json:"paymentId"`
	Signature      string `json:"signature"`
	OrderID        string `json:"orderId"`
}

// VerifyPayment submits the gateway proof and returns the order as the server now sees it.
func (c *Client) VerifyPayment(ctx context.Context, req VerifyRequest) (orders.Order, error) {
	if req.GatewayOrderID == "" || req.PaymentID == "" || req.Signature == "" || req.OrderID == "" {
		return orders.Order{}, pkgerrors.New(pkgerrors.CodeValidation, "verification requires gateway order, payment, signature and order id")
	}
	var order orders.Order
	if err := c.do(ctx, http.MethodPost, "payments/verify", req, &order, pkgerrors.CodeVerification); err != nil {
		return orders.Order{}, err
	}
	if err := orders.Validate(order); err != nil {
		return orders.Order{}, pkgerrors.Wrap(pkgerrors.CodeVerification, err, "verify response invalid")
	}
	return order, nil
}

func (c *Client) do(ctx context.Context, method, path string, body any, out any, failure pkgerrors.Code) error {
	if c == nil {
		return pkgerrors.New(pkgerrors.CodeDependency, "order api client not configured")
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeInternal, err, "marshal request")
		}
		reader = bytes.NewReader(payload)
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, c.buildURL(path), reader)
	if err != nil {
		return pkgerrors.Wrap(failure, err, "build request")
	}
	httpReq.Header.Set("Accept", "application/json")
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	if method != http.MethodGet {
		httpReq.Header.Set(headerIdempotencyKey, c.newKey())
	}
	if c.session != nil {
		token, err := c.session.Token()
		if err != nil {
			return err
		}
		if token != "" {
			httpReq.Header.Set(headerAuthorization, "Bearer "+token)
		}
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return pkgerrors.Wrap(failure, err, fmt.Sprintf("%s %s", method, path))
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, errorBodyReadLimit))
		return c.statusError(resp.StatusCode, strings.TrimSpace(string(msg)), failure)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return pkgerrors.Wrap(failure, err, "decode response")
	}
	return nil
}

func (c *Client) statusError(status int, body string, failure pkgerrors.Code) error {
	cause := fmt.Errorf("status %d: %s", status, body)
	switch {
	case status == http.StatusUnauthorized:
		if c.session != nil {
			c.session.MarkUnauthorized(unauthorizedReasonAPI)
		}
		return pkgerrors.Wrap(pkgerrors.CodeUnauthorized, cause, "session rejected")
	case status == http.StatusNotFound && failure == pkgerrors.CodeFetch:
		return pkgerrors.Wrap(pkgerrors.CodeNotFound, cause, "order not found")
	default:
		return pkgerrors.Wrap(failure, cause, "request failed").WithDetails(map[string]any{"status": status})
	}
}

func (c *Client) buildURL(path string) string {
	return fmt.Sprintf("%s/%s", c.baseURL, strings.TrimLeft(path, "/"))
}
