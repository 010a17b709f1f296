package orderapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	pkgerrors "github.com/angelmondragon/ordertrack/pkg/errors"
	"github.com/angelmondragon/ordertrack/pkg/session"
)

const orderJSON = `{
	"id":"A1","status":"processing","paymentStatus":"pending","currency":"INR",
	"items":[{"productRef":"tee","quantity":1,"unitPrice":"499"}],
	"shippingAddress":{"name":"Asha","line1":"12 Hill Rd","city":"Pune","postalCode":"411001","country":"IN"},
	"timestamps":{"createdAt":"2026-03-01T10:00:00Z"}
}`

const cancelledJSON = `{
	"id":"A1","status":"cancelled","paymentStatus":"pending",
	"items":[{"productRef":"tee","quantity":1,"unitPrice":"499"}],
	"shippingAddress":{"name":"Asha","line1":"12 Hill Rd","city":"Pune","postalCode":"411001","country":"IN"},
	"timestamps":{},
	"cancellation":{"reason":"changed_mind: no longer needed","requestedAt":"2026-03-02T10:00:00Z"}
}`

type stubSession struct {
	token        string
	unauthorized atomic.Bool
}

func (s *stubSession) Token() (string, error) { return s.token, nil }

func (s *stubSession) MarkUnauthorized(string) { s.unauthorized.Store(true) }

func newTestClient(t *testing.T, router http.Handler, sess Session) *Client {
	t.Helper()
	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)
	client, err := NewClient(srv.URL+"/", sess, WithHTTPClient(srv.Client()), WithIdempotencyKeys(func() string { return "key-1" }))
	require.NoError(t, err)
	return client
}

func TestFetchOrderSendsBearerToken(t *testing.T) {
	r := chi.NewRouter()
	var auth string
	r.Get("/orders/{id}", func(w http.ResponseWriter, req *http.Request) {
		auth = req.Header.Get("Authorization")
		assert.Equal(t, "A1", chi.URLParam(req, "id"))
		assert.Empty(t, req.Header.Get("Idempotency-Key"))
		_, _ = w.Write([]byte(orderJSON))
	})

	client := newTestClient(t, r, &stubSession{token: "tok"})
	order, err := client.FetchOrder(context.Background(), "A1")
	require.NoError(t, err)
	assert.Equal(t, "Bearer tok", auth)
	assert.Equal(t, "A1", order.ID)
	assert.Equal(t, "processing", order.Status.String())
	assert.True(t, order.Items[0].UnitPrice.Equal(order.Total()))
}

func TestFetchOrderMapsStatusCodes(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/orders/missing", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	})
	r.Get("/orders/broken", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})
	r.Get("/orders/invalid", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id":"invalid","status":"teleported","paymentStatus":"pending","items":[]}`))
	})

	client := newTestClient(t, r, nil)

	_, err := client.FetchOrder(context.Background(), "missing")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound), "got %v", err)

	_, err = client.FetchOrder(context.Background(), "broken")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeFetch), "got %v", err)

	_, err = client.FetchOrder(context.Background(), "invalid")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeFetch), "got %v", err)
}

func TestUnauthorizedMarksSession(t *testing.T) {
	r := chi.NewRouter()
	r.Get("/orders/{id}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	sess := session.New()
	require.NoError(t, sess.Init(""))
	client := newTestClient(t, r, sess)

	_, err := client.FetchOrder(context.Background(), "A1")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized), "got %v", err)
	assert.True(t, sess.Unauthorized())

	select {
	case <-sess.Done():
	default:
		t.Fatalf("expected session done channel to be closed")
	}

	_, err = client.FetchOrder(context.Background(), "A1")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeUnauthorized), "token lookup should fail fast")
}

func TestCancelOrderPostsCompiledReason(t *testing.T) {
	r := chi.NewRouter()
	var body cancelRequest
	var key string
	r.Post("/orders/{id}/cancel", func(w http.ResponseWriter, req *http.Request) {
		key = req.Header.Get("Idempotency-Key")
		require.NoError(t, json.NewDecoder(req.Body).Decode(&body))
		_, _ = w.Write([]byte(cancelledJSON))
	})

	client := newTestClient(t, r, nil)
	order, err := client.CancelOrder(context.Background(), "A1", "changed_mind: no longer needed")
	require.NoError(t, err)
	assert.Equal(t, "key-1", key)
	assert.Equal(t, cancelRequest{OrderID: "A1", Reason: "changed_mind: no longer needed"}, body)
	assert.Equal(t, "cancelled", order.Status.String())
	require.NotNil(t, order.Cancellation)
}

func TestCancelOrderFailureIsCoded(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/orders/{id}/cancel", func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "already shipped", http.StatusConflict)
	})
	client := newTestClient(t, r, nil)
	_, err := client.CancelOrder(context.Background(), "A1", "changed_mind: no longer needed")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeCancellation), "got %v", err)
}

func TestCreatePaymentIntent(t *testing.T) {
	r := chi.NewRouter()
	r.Post("/payments/intents", func(w http.ResponseWriter, req *http.Request) {
		var in intentRequest
		require.NoError(t, json.NewDecoder(req.Body).Decode(&in))
		if in.OrderID == "paid" {
			http.Error(w, "already paid", http.StatusConflict)
			return
		}
		_, _ = w.Write([]byte(`{"gatewayOrderId":"order_G1","amount":"899","currency":"INR","keyId":"rzp_test"}`))
	})

	client := newTestClient(t, r, nil)
	intent, err := client.CreatePaymentIntent(context.Background(), "C9")
	require.NoError(t, err)
	assert.Equal(t, "order_G1", intent.GatewayOrderID)
	assert.Equal(t, "899", intent.Amount.String())

	_, err = client.CreatePaymentIntent(context.Background(), "paid")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeIntentCreation), "got %v", err)
}

func TestVerifyPayment(t *testing.T) {
	r := chi.NewRouter()
	var got VerifyRequest
	r.Post("/payments/verify", func(w http.ResponseWriter, req *http.Request) {
		require.NoError(t, json.NewDecoder(req.Body).Decode(&got))
		if got.Signature == "bad" {
			http.Error(w, "signature mismatch", http.StatusBadRequest)
			return
		}
		_, _ = w.Write([]byte(orderJSON))
	})

	client := newTestClient(t, r, nil)
	req := VerifyRequest{GatewayOrderID: "order_G1", PaymentID: "pay_1", Signature: "sig", OrderID: "A1"}
	_, err := client.VerifyPayment(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	req.Signature = "bad"
	_, err = client.VerifyPayment(context.Background(), req)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeVerification), "got %v", err)

	_, err = client.VerifyPayment(context.Background(), VerifyRequest{OrderID: "A1"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "got %v", err)
}

func TestNewClientRequiresBaseURL(t *testing.T) {
	if _, err := NewClient("  ", nil); err == nil {
		t.Fatalf("expected error for empty base url")
	}
}
