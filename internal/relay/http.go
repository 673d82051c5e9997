package relay

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v5"

	"ciphergroup/internal/domain"
)

const maxResponseBytes = 8 << 20

// RequestDigest is the value a request signature covers.
func RequestDigest(user domain.UserID, body []byte, timestamp string) []byte {
	h := sha256.New()
	h.Write([]byte(user))
	h.Write(body)
	h.Write([]byte(timestamp))
	return h.Sum(nil)
}

// post sends a signed JSON request as user and decodes the response data
// into out. Transient failures are retried with exponential backoff; client
// errors are returned at once.
func (c *HTTP) post(ctx context.Context, user domain.UserID, path string, in, out any) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	key, err := c.keys.SigningKeyFor(ctx, user)
	if err != nil {
		return err
	}

	op := func() (json.RawMessage, error) {
		return c.do(ctx, key, path, body)
	}
	notify := func(err error, wait time.Duration) {
		c.metrics.RelayRetriesTotal.Inc()
		c.log.Warn("relay request failed, retrying", "path", path, "error", err, "wait", wait)
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = c.retryInterval
	data, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(uint(c.attempts)),
		backoff.WithNotify(notify),
	)
	if err != nil {
		c.metrics.RelayRequestsTotal.WithLabelValues(path, "error").Inc()
		return err
	}
	c.metrics.RelayRequestsTotal.WithLabelValues(path, "ok").Inc()
	if out != nil && len(data) > 0 {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("%w: relay post %s: %v", domain.ErrTransport, path, err)
		}
	}
	return nil
}

func (c *HTTP) do(ctx context.Context, key domain.SigningKey, path string, body []byte) (json.RawMessage, error) {
	ts := strconv.FormatInt(c.now().UnixMilli(), 10)
	sig, err := key.Sign(RequestDigest(key.Cred.UserID, body, ts))
	if err != nil {
		return nil, backoff.Permanent(err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderUserID, string(key.Cred.UserID))
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, hex.EncodeToString(sig))
	if c.requestPubKey != "" {
		req.Header.Set(HeaderRequestPubKey, c.requestPubKey)
	}
	if c.didKey != "" {
		req.Header.Set(HeaderDIDKey, c.didKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(ctx.Err())
		}
		return nil, fmt.Errorf("%w: relay post %s: %v", domain.ErrTransport, path, err)
	}
	defer resp.Body.Close()

	var env envelope
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: relay post %s: %v", domain.ErrTransport, path, err)
	}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &env); err != nil && resp.StatusCode/100 == 2 {
			return nil, backoff.Permanent(fmt.Errorf("%w: relay post %s: bad response: %v", domain.ErrTransport, path, err))
		}
	}

	if err := statusError(resp.StatusCode, path, env.Msg); err != nil {
		if resp.StatusCode >= 500 {
			return nil, err
		}
		return nil, backoff.Permanent(err)
	}
	if env.Code != 0 {
		return nil, backoff.Permanent(fmt.Errorf("%w: relay post %s: code %d: %s", domain.ErrTransport, path, env.Code, env.Msg))
	}
	return env.Data, nil
}

// statusError maps a non-2xx status onto the domain errors.
func statusError(status int, path, msg string) error {
	if status/100 == 2 {
		return nil
	}
	var kind error
	switch status {
	case http.StatusNotFound:
		kind = domain.ErrNotFound
	case http.StatusConflict:
		kind = domain.ErrStaleEpoch
	case http.StatusUnauthorized, http.StatusForbidden:
		kind = domain.ErrUnauthorized
	default:
		kind = domain.ErrTransport
	}
	return fmt.Errorf("%w: relay post %s: %d %s", kind, path, status, msg)
}
