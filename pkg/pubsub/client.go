package pubsub

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"cloud.google.com/go/pubsub/v2/apiv1/pubsubpb"
	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/durationpb"

	"github.com/angelmondragon/ordertrack/pkg/config"
	"github.com/angelmondragon/ordertrack/pkg/logger"
)

// AttrOrderID is the message attribute order-status publishers must set; view
// subscriptions filter on it.
const AttrOrderID = "order_id"

const (
	defaultSubscriptionPrefix = "ordertrack-view"
	minSubscriptionTTL        = 24 * time.Hour
	ackDeadlineSeconds        = 20
	maxSubscriptionIDLength   = 255
)

type Client struct {
	client    *pubsub.Client
	projectID string
	cfg       config.PubSubConfig
	logg      *logger.Logger
}

var (
	errProjectIDRequired = errors.New("gcp project id is required")
	errNoTopic           = errors.New("order status topic name is required")
	errNotInitialized    = errors.New("pubsub client not initialized")
)

// NewClient creates a Pub/Sub v2 client and ensures the order status topic exists.
func NewClient(ctx context.Context, cfg config.PubSubConfig, logg *logger.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.ProjectID) == "" {
		return nil, errProjectIDRequired
	}
	if strings.TrimSpace(cfg.StatusTopic) == "" {
		return nil, errNoTopic
	}
	if logg == nil {
		logg = logger.Nop()
	}

	psClient, err := pubsub.NewClient(ctx, cfg.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("creating pubsub client: %w", err)
	}

	c := &Client{
		client:    psClient,
		projectID: cfg.ProjectID,
		cfg:       cfg,
		logg:      logg,
	}

	if err := c.ensureTopicExists(ctx); err != nil {
		_ = psClient.Close()
		return nil, err
	}

	logg.Info(logg.WithComponent(ctx, "pubsub"), "pubsub client initialized")
	return c, nil
}

func (c *Client) ensureTopicExists(ctx context.Context) error {
	fullName := topicResourceName(c.projectID, c.cfg.StatusTopic)
	if fullName == "" {
		return fmt.Errorf("topic %q not configured", c.cfg.StatusTopic)
	}

	_, err := c.client.TopicAdminClient.GetTopic(ctx, &pubsubpb.GetTopicRequest{Topic: fullName})
	if err != nil {
		if status.Code(err) == codes.NotFound {
			return fmt.Errorf("topic %q does not exist", c.cfg.StatusTopic)
		}
		return fmt.Errorf("checking topic %q: %w", c.cfg.StatusTopic, err)
	}
	return nil
}

// OrderSubscription creates a subscription on the status topic that only
// receives messages whose order_id attribute equals orderID, so tracker
// processes never consume each other's updates. The returned release deletes it;
// the expiration policy reaps subscriptions a crashed process leaves behind.
func (c *Client) OrderSubscription(ctx context.Context, orderID string) (*pubsub.Subscriber, func(context.Context) error, error) {
	if c == nil || c.client == nil {
		return nil, nil, errNotInitialized
	}
	orderID = strings.TrimSpace(orderID)
	if orderID == "" {
		return nil, nil, errors.New("order id is required")
	}

	ttl := c.cfg.SubscriptionTTL
	if ttl < minSubscriptionTTL {
		ttl = minSubscriptionTTL
	}
	id := subscriptionID(c.cfg.SubscriptionPrefix, orderID, uuid.NewString()[:8])
	fullName := subscriptionResourceName(c.projectID, id)

	_, err := c.client.SubscriptionAdminClient.CreateSubscription(ctx, &pubsubpb.Subscription{
		Name:               fullName,
		Topic:              topicResourceName(c.projectID, c.cfg.StatusTopic),
		Filter:             orderFilter(orderID),
		AckDeadlineSeconds: ackDeadlineSeconds,
		ExpirationPolicy:   &pubsubpb.ExpirationPolicy{Ttl: durationpb.New(ttl)},
	})
	if err != nil {
		return nil, nil, fmt.Errorf("creating subscription for order %s: %w", orderID, err)
	}

	logCtx := c.logg.WithFields(ctx, map[string]any{"subscription": id, "order_id": orderID})
	c.logg.Debug(logCtx, "order subscription created")

	release := func(ctx context.Context) error {
		err := c.client.SubscriptionAdminClient.DeleteSubscription(ctx, &pubsubpb.DeleteSubscriptionRequest{Subscription: fullName})
		if err != nil && status.Code(err) != codes.NotFound {
			return fmt.Errorf("deleting subscription %s: %w", id, err)
		}
		c.logg.Debug(logCtx, "order subscription deleted")
		return nil
	}
	return c.client.Subscriber(fullName), release, nil
}

// Ping verifies Pub/Sub connectivity by checking the status topic still exists.
func (c *Client) Ping(ctx context.Context) error {
	if c == nil || c.client == nil {
		return errNotInitialized
	}
	return c.ensureTopicExists(ctx)
}

// Close releases the Pub/Sub client resources.
func (c *Client) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func orderFilter(orderID string) string {
	return fmt.Sprintf("attributes.%s = %s", AttrOrderID, strconv.Quote(orderID))
}

// subscriptionID builds a valid resource id: letters first, only [A-Za-z0-9-_.], at
// most 255 characters.
func subscriptionID(prefix, orderID, suffix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = defaultSubscriptionPrefix
	}
	sanitize := func(s string) string {
		return strings.Map(func(r rune) rune {
			switch {
			case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
				return r
			default:
				return '-'
			}
		}, s)
	}
	id := sanitize(prefix)
	if first := id[0]; !(first >= 'a' && first <= 'z' || first >= 'A' && first <= 'Z') {
		id = "v" + id
	}
	tail := "-" + sanitize(suffix)
	body := "-" + sanitize(orderID)
	if room := maxSubscriptionIDLength - len(id) - len(tail); len(body) > room {
		body = body[:max(room, 0)]
	}
	return id + body + tail
}

func topicResourceName(projectID, name string) string {
	return resourceName(projectID, "topics", name)
}

func subscriptionResourceName(projectID, name string) string {
	return resourceName(projectID, "subscriptions", name)
}

func resourceName(projectID, kind, name string) string {
	n := strings.TrimSpace(name)
	if n == "" {
		return ""
	}
	if strings.HasPrefix(n, "projects/") && strings.Contains(n, "/"+kind+"/") {
		return n
	}
	p := strings.TrimSpace(projectID)
	if p == "" {
		return ""
	}
	return fmt.Sprintf("projects/%s/%s/%s", p, kind, n)
}
