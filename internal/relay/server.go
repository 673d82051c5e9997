package relay

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ciphergroup/internal/crypto"
	"ciphergroup/internal/domain"
	"ciphergroup/internal/observability/logging"
	"ciphergroup/internal/observability/metrics"
	"ciphergroup/internal/observability/middleware"
	"ciphergroup/internal/protocol/codec"
)

const (
	maxRequestBytes = 4 << 20
	defaultSkew     = 5 * time.Minute
)

// Server is an in-memory delivery service for development and tests. It
// orders group events, rejects commits for an epoch that already has one,
// and keeps a welcome queue per user.
type Server struct {
	mu       sync.Mutex
	users    map[domain.UserID]domain.Credential
	packages map[domain.UserID][]domain.KeyPackage
	groups   map[domain.GroupID]*groupLog
	welcomes map[domain.UserID][]domain.Delivery

	skew      time.Duration
	rateLimit int
	now       func() time.Time
	metrics   *metrics.Metrics
	gatherer  prometheus.Gatherer
	log       *slog.Logger
}

type groupLog struct {
	creator domain.UserID
	// members holds the creator and every user a member has sent a welcome
	// to. Only they may publish to the group.
	members map[domain.UserID]bool
	epoch   uint64
	cursor  uint64
	events  []domain.Delivery
	// commits maps a base epoch to the hash and cursor of its accepted commit.
	commits map[uint64]accepted
}

type accepted struct {
	sum    [32]byte
	cursor uint64
}

type ServerOption func(*Server)

// WithServerMetrics records request metrics in m and serves g at /metrics.
func WithServerMetrics(m *metrics.Metrics, g prometheus.Gatherer) ServerOption {
	return func(s *Server) {
		s.metrics = m
		s.gatherer = g
	}
}

func WithServerLogger(l *slog.Logger) ServerOption { return func(s *Server) { s.log = l } }

func WithServerClock(now func() time.Time) ServerOption { return func(s *Server) { s.now = now } }

// WithRateLimit caps requests per minute per client address. Zero disables it.
func WithRateLimit(perMinute int) ServerOption { return func(s *Server) { s.rateLimit = perMinute } }

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		users:    map[domain.UserID]domain.Credential{},
		packages: map[domain.UserID][]domain.KeyPackage{},
		groups:   map[domain.GroupID]*groupLog{},
		welcomes: map[domain.UserID][]domain.Delivery{},
		skew:     defaultSkew,
		now:      time.Now,
		log:      logging.Discard(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.New(nil)
	}
	return s
}

// Router returns the HTTP handler of the service.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))
	if s.rateLimit > 0 {
		r.Use(httprate.LimitByIP(s.rateLimit, time.Minute))
	}
	r.Use(middleware.WithMetrics(s.metrics, s.log))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.Group(func(pr chi.Router) {
		pr.Use(s.authenticate)

		pr.Post(PathPublishKeyPackages, s.handlePublishKeyPackages)
		pr.Post(PathFetchKeyPackage, s.handleFetchKeyPackage)
		pr.Post(PathCreateGroup, s.handleCreateGroup)
		pr.Post(PathPublish, s.handlePublish)
		pr.Post(PathFetch, s.handleFetch)
	})
	return r
}

type signedRequest struct {
	user     domain.UserID
	body     []byte
	ts       string
	sig      []byte
	verified bool
}

type requestKey struct{}

func requestFrom(ctx context.Context) *signedRequest {
	req, _ := ctx.Value(requestKey{}).(*signedRequest)
	return req
}

// authenticate checks the signature headers. Requests from users the
// service has not seen yet pass through unverified; only key package
// registration accepts them.
func (s *Server) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
		if err != nil {
			writeError(w, http.StatusBadRequest, "unreadable body")
			return
		}
		req := &signedRequest{
			user: domain.UserID(r.Header.Get(HeaderUserID)),
			body: body,
			ts:   r.Header.Get(HeaderTimestamp),
		}
		if req.user == "" || req.ts == "" {
			writeError(w, http.StatusUnauthorized, "missing signature headers")
			return
		}
		ms, err := strconv.ParseInt(req.ts, 10, 64)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "bad timestamp")
			return
		}
		if d := s.now().Sub(time.UnixMilli(ms)); d > s.skew || d < -s.skew {
			writeError(w, http.StatusUnauthorized, "timestamp outside allowed skew")
			return
		}
		if req.sig, err = hex.DecodeString(r.Header.Get(HeaderSignature)); err != nil {
			writeError(w, http.StatusUnauthorized, "bad signature encoding")
			return
		}

		s.mu.Lock()
		cred, known := s.users[req.user]
		s.mu.Unlock()
		if known {
			if !req.verify(cred) {
				writeError(w, http.StatusUnauthorized, "bad signature")
				return
			}
			req.verified = true
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestKey{}, req)))
	})
}

func (req *signedRequest) verify(cred domain.Credential) bool {
	return cred.UserID == req.user &&
		crypto.VerifyEd25519(cred.SigningKey, RequestDigest(req.user, req.body, req.ts), req.sig)
}

func (s *Server) handlePublishKeyPackages(w http.ResponseWriter, r *http.Request) {
	req := requestFrom(r.Context())
	var in publishKeyPackagesRequest
	if err := json.Unmarshal(req.body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	cred := in.Bundle.Credential
	if cred.UserID != req.user {
		writeError(w, http.StatusForbidden, "bundle belongs to another user")
		return
	}
	if !req.verified && !req.verify(cred) {
		writeError(w, http.StatusUnauthorized, "bad signature")
		return
	}
	now := s.now().Unix()
	for _, kp := range in.Bundle.KeyPackages {
		if kp.Credential != cred {
			writeError(w, http.StatusBadRequest, "key package credential mismatch")
			return
		}
		content, err := codec.KeyPackageContent(kp)
		if err != nil || !crypto.VerifyEd25519(cred.SigningKey, content, kp.Signature) {
			writeError(w, http.StatusBadRequest, "bad key package signature")
			return
		}
		if kp.Expired(now) {
			writeError(w, http.StatusBadRequest, "expired key package")
			return
		}
	}

	s.mu.Lock()
	if known, ok := s.users[cred.UserID]; ok && known != cred {
		s.mu.Unlock()
		writeError(w, http.StatusForbidden, "credential already registered")
		return
	}
	s.users[cred.UserID] = cred
	have := s.packages[cred.UserID]
	seen := make(map[domain.KeyPackageID]bool, len(have))
	for _, kp := range have {
		seen[kp.ID] = true
	}
	for _, kp := range in.Bundle.KeyPackages {
		if !seen[kp.ID] {
			have = append(have, kp)
			seen[kp.ID] = true
		}
	}
	s.packages[cred.UserID] = have
	count := len(have)
	s.mu.Unlock()

	s.log.Info("key packages published", "user", cred.UserID, "count", count)
	writeData(w, publishKeyPackagesResponse{Token: uuid.NewString(), Count: count})
}

func (s *Server) handleFetchKeyPackage(w http.ResponseWriter, r *http.Request) {
	req := requestFrom(r.Context())
	if !req.verified {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	var in fetchKeyPackageRequest
	if err := json.Unmarshal(req.body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	now := s.now().Unix()
	s.mu.Lock()
	defer s.mu.Unlock()

	live := s.packages[in.Target][:0:0]
	for _, kp := range s.packages[in.Target] {
		if !kp.Expired(now) {
			live = append(live, kp)
		}
	}
	s.packages[in.Target] = live
	if len(live) == 0 {
		writeError(w, http.StatusNotFound, "no key package")
		return
	}
	kp := live[0]
	// The last package stays published so the user remains reachable.
	if in.Consume && len(live) > 1 {
		s.packages[in.Target] = live[1:]
	}
	writeData(w, kp)
}

func (s *Server) handleCreateGroup(w http.ResponseWriter, r *http.Request) {
	req := requestFrom(r.Context())
	if !req.verified {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	var in createGroupRequest
	if err := json.Unmarshal(req.body, &in); err != nil || in.GroupID == "" {
		writeError(w, http.StatusBadRequest, "invalid group id")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[in.GroupID]; ok {
		if g.creator != req.user {
			writeError(w, http.StatusForbidden, "group exists")
			return
		}
		writeData(w, createGroupResponse{GroupID: in.GroupID})
		return
	}
	s.groups[in.GroupID] = &groupLog{
		creator: req.user,
		members: map[domain.UserID]bool{req.user: true},
		commits: map[uint64]accepted{},
	}
	s.log.Info("group created", "group", in.GroupID, "creator", req.user)
	writeData(w, createGroupResponse{GroupID: in.GroupID})
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	req := requestFrom(r.Context())
	if !req.verified {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	var in publishRequest
	if err := json.Unmarshal(req.body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	ev, err := codec.Decode(in.Event)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if ev.Group() != in.GroupID {
		writeError(w, http.StatusBadRequest, "event for another group")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	g, ok := s.groups[in.GroupID]
	if !ok {
		writeError(w, http.StatusNotFound, "unknown group")
		return
	}
	if !g.members[req.user] {
		s.log.Warn("publish by non-member refused", "group", in.GroupID, "user", req.user)
		writeError(w, http.StatusForbidden, "not a group member")
		return
	}

	switch e := ev.(type) {
	case *domain.Welcome:
		g.members[e.Recipient] = true
		q := s.welcomes[e.Recipient]
		for _, d := range q {
			if bytes.Equal(d.Event, in.Event) {
				writeData(w, publishResponse{Cursor: d.Cursor})
				return
			}
		}
		var cursor uint64 = 1
		if len(q) > 0 {
			cursor = q[len(q)-1].Cursor + 1
		}
		s.welcomes[e.Recipient] = append(q, domain.Delivery{Cursor: cursor, Event: in.Event})
		writeData(w, publishResponse{Cursor: cursor})
		return

	case *domain.Commit:
		sum := sha256.Sum256(in.Event)
		if prev, ok := g.commits[e.Epoch]; ok {
			if prev.sum == sum {
				writeData(w, publishResponse{Cursor: prev.cursor})
				return
			}
			writeError(w, http.StatusConflict, "epoch already committed")
			return
		}
		if e.Epoch != g.epoch {
			writeError(w, http.StatusConflict, "stale epoch")
			return
		}
		cursor := g.append(in.Event)
		g.commits[e.Epoch] = accepted{sum: sum, cursor: cursor}
		g.epoch++
		s.log.Info("commit accepted", "group", in.GroupID, "epoch", g.epoch, "cursor", cursor)
		writeData(w, publishResponse{Cursor: cursor})
		return

	case *domain.Proposal:
		if e.Epoch != g.epoch {
			writeError(w, http.StatusConflict, "stale epoch")
			return
		}
	}

	writeData(w, publishResponse{Cursor: g.append(in.Event)})
}

func (g *groupLog) append(event []byte) uint64 {
	g.cursor++
	g.events = append(g.events, domain.Delivery{Cursor: g.cursor, Event: event})
	return g.cursor
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	req := requestFrom(r.Context())
	if !req.verified {
		writeError(w, http.StatusUnauthorized, "unknown user")
		return
	}
	var in fetchRequest
	if err := json.Unmarshal(req.body, &in); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	out := domain.Inbox{Groups: map[domain.GroupID][]domain.Delivery{}, WelcomeCursor: in.WelcomeCursor}
	for gid, after := range in.Cursors {
		g, ok := s.groups[gid]
		if !ok {
			continue
		}
		i := sort.Search(len(g.events), func(i int) bool { return g.events[i].Cursor > after })
		if i < len(g.events) {
			out.Groups[gid] = append([]domain.Delivery(nil), g.events[i:]...)
		}
	}
	for _, d := range s.welcomes[req.user] {
		if d.Cursor > in.WelcomeCursor {
			out.Welcomes = append(out.Welcomes, d)
			out.WelcomeCursor = d.Cursor
		}
	}
	writeData(w, out)
}

func writeData(w http.ResponseWriter, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "encode response")
		return
	}
	writeJSON(w, http.StatusOK, envelope{Code: 0, Msg: "ok", Data: data})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, envelope{Code: status, Msg: msg})
}

func writeJSON(w http.ResponseWriter, status int, env envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(env)
}
