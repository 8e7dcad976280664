package idempotency

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/ivorythread/api/internal/platform/auth"
	"github.com/ivorythread/api/internal/platform/httpx"
)

const (
	defaultHeaderName = "Idempotency-Key"
	replayHeaderName  = "X-Idempotent-Replay"
)

// Logger is the minimal logging dependency the middleware needs.
type Logger interface {
	Printf(format string, args ...any)
}

// Option adjusts middleware behaviour.
type Option func(*guard)

// WithHeader overrides the request header carrying the idempotency key.
func WithHeader(name string) Option {
	return func(g *guard) {
		if name = strings.TrimSpace(name); name != "" {
			g.header = name
		}
	}
}

// WithTTL sets how long completed responses stay replayable.
func WithTTL(ttl time.Duration) Option {
	return func(g *guard) {
		if ttl > 0 {
			g.ttl = ttl
		}
	}
}

// WithMethods restricts which HTTP methods the middleware guards.
func WithMethods(methods ...string) Option {
	return func(g *guard) {
		if len(methods) == 0 {
			return
		}
		g.methods = make(map[string]struct{}, len(methods))
		for _, m := range methods {
			if m = strings.ToUpper(strings.TrimSpace(m)); m != "" {
				g.methods[m] = struct{}{}
			}
		}
	}
}

// WithLogger injects a logger for persistence failures.
func WithLogger(logger Logger) Option {
	return func(g *guard) { g.logger = logger }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) Option {
	return func(g *guard) {
		if now != nil {
			g.now = now
		}
	}
}

type guard struct {
	store   Store
	header  string
	ttl     time.Duration
	methods map[string]struct{}
	logger  Logger
	now     func() time.Time
}

// Middleware returns an HTTP middleware that enforces idempotency-key
// semantics on mutating requests. A nil store disables the middleware.
func Middleware(store Store, opts ...Option) func(http.Handler) http.Handler {
	if store == nil {
		return func(next http.Handler) http.Handler { return next }
	}

	g := &guard{
		store:  store,
		header: defaultHeaderName,
		ttl:    DefaultTTL,
		methods: map[string]struct{}{
			http.MethodPost:   {},
			http.MethodPut:    {},
			http.MethodPatch:  {},
			http.MethodDelete: {},
		},
		now: time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			g.serve(w, r, next)
		})
	}
}

func (g *guard) serve(w http.ResponseWriter, r *http.Request, next http.Handler) {
	if _, guarded := g.methods[r.Method]; !guarded {
		next.ServeHTTP(w, r)
		return
	}

	key := strings.TrimSpace(r.Header.Get(g.header))
	if key == "" {
		g.fail(w, r, http.StatusBadRequest, "idempotency_key_required", "missing idempotency key header")
		return
	}

	body, err := bufferRequestBody(r)
	if err != nil {
		g.fail(w, r, http.StatusInternalServerError, "idempotency_read_body_failed", "unable to read request body")
		return
	}

	owner := requestOwner(r)
	fingerprint := requestFingerprint(r, body, owner)
	scoped := key + "|" + owner

	claim, err := g.store.Claim(r.Context(), scoped, fingerprint, g.now().UTC(), g.ttl)
	switch {
	case errors.Is(err, ErrKeyConflict):
		g.fail(w, r, http.StatusConflict, "idempotency_key_conflict", "idempotency key already used for a different request")
		return
	case err != nil:
		g.logf("idempotency: claim failed for key %s: %v", key, err)
		g.fail(w, r, http.StatusInternalServerError, "idempotency_store_error", "unable to process idempotency key")
		return
	}

	switch claim.State {
	case ClaimReplay:
		replayStored(w, claim.Stored)
		return
	case ClaimInFlight:
		g.fail(w, r, http.StatusConflict, "idempotency_in_progress", "another request is processing this idempotency key")
		return
	}

	buf := newBufferedResponse(w)
	next.ServeHTTP(buf, r)

	stored := StoredResponse{
		Status: buf.status(),
		Header: snapshotHeader(buf.header),
		Body:   buf.bytes(),
	}
	if err := g.store.Complete(r.Context(), scoped, fingerprint, stored, g.now().UTC(), g.ttl); err != nil {
		g.logf("idempotency: failed to persist response for key %s (owner %s): %v", key, owner, err)
		if forgetErr := g.store.Forget(r.Context(), scoped, fingerprint); forgetErr != nil {
			g.logf("idempotency: failed to release key %s after persist failure: %v", key, forgetErr)
		}
		g.fail(w, r, http.StatusInternalServerError, "idempotency_store_error", "unable to persist idempotency state")
		return
	}

	if err := buf.flush(); err != nil {
		g.logf("idempotency: failed to flush response for key %s: %v", key, err)
	}
}

func (g *guard) fail(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	httpx.WriteError(r.Context(), w, httpx.NewError(code, message, status))
}

func (g *guard) logf(format string, args ...any) {
	if g.logger != nil {
		g.logger.Printf(format, args...)
	}
}

// bufferRequestBody reads the body for fingerprinting and puts an equivalent
// reader back so the handler still sees it.
func bufferRequestBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	data, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	if err := r.Body.Close(); err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(bytes.NewReader(data))
	return data, nil
}

// requestOwner scopes keys per caller so two shoppers reusing the same key
// value never collide. Service callers are scoped by token subject.
func requestOwner(r *http.Request) string {
	if identity, ok := auth.IdentityFromContext(r.Context()); ok && identity != nil && identity.UID != "" {
		return identity.UID
	}
	if svc, ok := auth.ServiceIdentityFromContext(r.Context()); ok && svc != nil && svc.Subject != "" {
		return svc.Subject
	}
	return "anonymous"
}

// requestFingerprint binds the claim to the exact request shape, so a key
// reused with a different payload is rejected instead of replayed.
func requestFingerprint(r *http.Request, body []byte, owner string) string {
	parts := []string{
		strings.ToUpper(r.Method),
		r.URL.Path,
		r.URL.RawQuery,
		r.Host,
		r.Header.Get("Content-Type"),
		owner,
	}
	if len(body) > 0 {
		parts = append(parts, sha256Hex(body))
	}
	return sha256Hex([]byte(strings.Join(parts, "\x00")))
}

func replayStored(w http.ResponseWriter, stored StoredResponse) {
	dst := w.Header()
	for name := range dst {
		dst.Del(name)
	}
	for name, values := range stored.Header {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	dst.Set(replayHeaderName, "true")

	status := stored.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	if len(stored.Body) > 0 {
		_, _ = w.Write(stored.Body)
	}
}

// bufferedResponse captures the handler's response so it can be persisted
// before anything reaches the client. Nothing is written downstream until
// flush.
type bufferedResponse struct {
	dst    http.ResponseWriter
	header http.Header
	code   int
	body   bytes.Buffer
}

func newBufferedResponse(dst http.ResponseWriter) *bufferedResponse {
	return &bufferedResponse{dst: dst, header: make(http.Header)}
}

func (b *bufferedResponse) Header() http.Header { return b.header }

func (b *bufferedResponse) WriteHeader(code int) {
	if code > 0 && b.code == 0 {
		b.code = code
	}
}

func (b *bufferedResponse) Write(data []byte) (int, error) {
	if b.code == 0 {
		b.code = http.StatusOK
	}
	return b.body.Write(data)
}

func (b *bufferedResponse) status() int {
	if b.code == 0 {
		return http.StatusOK
	}
	return b.code
}

func (b *bufferedResponse) bytes() []byte {
	if b.body.Len() == 0 {
		return nil
	}
	return b.body.Bytes()
}

func (b *bufferedResponse) flush() error {
	dst := b.dst.Header()
	for name := range dst {
		dst.Del(name)
	}
	for name, values := range b.header {
		for _, value := range values {
			dst.Add(name, value)
		}
	}
	b.dst.WriteHeader(b.status())
	if b.body.Len() == 0 {
		return nil
	}
	_, err := b.dst.Write(b.body.Bytes())
	return err
}
