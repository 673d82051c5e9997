package relay

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"ciphergroup/internal/domain"
	"ciphergroup/internal/observability/logging"
	"ciphergroup/internal/observability/metrics"
)

// HTTP is the delivery service client. Every request is signed with the
// acting user's credential.
type HTTP struct {
	base          string
	http          *http.Client
	keys          domain.KeyResolver
	requestPubKey string
	didKey        string
	attempts      int
	retryInterval time.Duration
	now           func() time.Time
	metrics       *metrics.Metrics
	log           *slog.Logger
}

type Option func(*HTTP)

// WithHTTPClient replaces the default client, which times out after 10s.
func WithHTTPClient(hc *http.Client) Option { return func(c *HTTP) { c.http = hc } }

// WithRequestKeys sets the static request pubkey and did:key headers.
func WithRequestKeys(pubKey, didKey string) Option {
	return func(c *HTTP) {
		c.requestPubKey = pubKey
		c.didKey = didKey
	}
}

// WithRetry sets the attempts per request and the first backoff interval.
func WithRetry(attempts int, interval time.Duration) Option {
	return func(c *HTTP) {
		if attempts > 0 {
			c.attempts = attempts
		}
		if interval > 0 {
			c.retryInterval = interval
		}
	}
}

func WithClock(now func() time.Time) Option { return func(c *HTTP) { c.now = now } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *HTTP) { c.metrics = m } }

func WithLogger(l *slog.Logger) Option { return func(c *HTTP) { c.log = l } }

func NewHTTP(base string, keys domain.KeyResolver, opts ...Option) *HTTP {
	c := &HTTP{
		base:          strings.TrimRight(base, "/"),
		http:          &http.Client{Timeout: 10 * time.Second},
		keys:          keys,
		attempts:      3,
		retryInterval: 200 * time.Millisecond,
		now:           time.Now,
		log:           logging.Discard(),
	}
	for _, o := range opts {
		o(c)
	}
	if c.metrics == nil {
		c.metrics = metrics.New(nil)
	}
	return c
}

var _ domain.RelayClient = (*HTTP)(nil)

// PublishKeyPackages registers the bundle's credential on first use and
// adds its key packages to the directory.
func (c *HTTP) PublishKeyPackages(ctx context.Context, bundle domain.PreKeyBundle) (string, error) {
	var out publishKeyPackagesResponse
	err := c.post(ctx, bundle.Credential.UserID, PathPublishKeyPackages, publishKeyPackagesRequest{Bundle: bundle}, &out)
	return out.Token, err
}

// FetchKeyPackage returns one unexpired key package of target. With
// consume set the service reserves it, except for the target's last one.
func (c *HTTP) FetchKeyPackage(
	ctx context.Context,
	requester, target domain.UserID,
	consume bool,
) (domain.KeyPackage, error) {
	var out domain.KeyPackage
	err := c.post(ctx, requester, PathFetchKeyPackage, fetchKeyPackageRequest{Target: target, Consume: consume}, &out)
	return out, err
}

func (c *HTTP) CreateGroup(ctx context.Context, user domain.UserID, group domain.GroupID) (string, error) {
	var out createGroupResponse
	err := c.post(ctx, user, PathCreateGroup, createGroupRequest{GroupID: group}, &out)
	return string(out.GroupID), err
}

// Publish posts an encoded event. A commit or proposal for an epoch the
// service has moved past fails with domain.ErrStaleEpoch.
func (c *HTTP) Publish(
	ctx context.Context,
	user domain.UserID,
	group domain.GroupID,
	recipient domain.UserID,
	event []byte,
) (uint64, error) {
	var out publishResponse
	err := c.post(ctx, user, PathPublish, publishRequest{GroupID: group, Recipient: recipient, Event: event}, &out)
	return out.Cursor, err
}

func (c *HTTP) FetchEvents(
	ctx context.Context,
	user domain.UserID,
	cursors map[domain.GroupID]uint64,
	welcomeCursor uint64,
) (domain.Inbox, error) {
	var out domain.Inbox
	err := c.post(ctx, user, PathFetch, fetchRequest{Cursors: cursors, WelcomeCursor: welcomeCursor}, &out)
	if out.Groups == nil {
		out.Groups = map[domain.GroupID][]domain.Delivery{}
	}
	return out, err
}
