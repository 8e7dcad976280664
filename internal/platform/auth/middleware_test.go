package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	firebaseauth "firebase.google.com/go/v4/auth"
)

type stubVerifier struct {
	token    *firebaseauth.Token
	err      error
	received string
}

func (s *stubVerifier) VerifyIDToken(_ context.Context, idToken string) (*firebaseauth.Token, error) {
	s.received = idToken
	if s.err != nil {
		return nil, s.err
	}
	return s.token, nil
}

type stubUserGetter struct {
	record  *firebaseauth.UserRecord
	calls   int
	lastUID string
}

func (s *stubUserGetter) GetUser(_ context.Context, uid string) (*firebaseauth.UserRecord, error) {
	s.calls++
	s.lastUID = uid
	return s.record, nil
}

func shopperToken(uid string, claims map[string]any) *firebaseauth.Token {
	if claims == nil {
		claims = map[string]any{}
	}
	return &firebaseauth.Token{UID: uid, Claims: claims}
}

func serveAuth(authn *Authenticator, roles []string, req *http.Request, handler http.HandlerFunc) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	authn.RequireFirebaseAuth(roles...)(handler).ServeHTTP(rec, req)
	return rec
}

func authErrorCode(t *testing.T, payload []byte) string {
	t.Helper()
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		t.Fatalf("decode error payload: %v", err)
	}
	return body.Error
}

func TestRequireFirebaseAuthAcceptsValidToken(t *testing.T) {
	verifier := &stubVerifier{token: shopperToken("uid-123", map[string]any{
		"role":   []any{"staff", "admin"},
		"locale": "ja-JP",
		"email":  "shopper@example.com",
	})}
	users := &stubUserGetter{record: &firebaseauth.UserRecord{
		UserInfo: &firebaseauth.UserInfo{UID: "uid-123", Email: "shopper@example.com"},
	}}
	authn := NewAuthenticator(verifier, WithUserGetter(users))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer token-value")

	rec := serveAuth(authn, []string{RoleStaff}, req, func(w http.ResponseWriter, r *http.Request) {
		identity, ok := IdentityFromContext(r.Context())
		if !ok {
			t.Fatal("expected identity in context")
		}
		if identity.UID != "uid-123" || identity.Email != "shopper@example.com" || identity.Locale != "ja-JP" {
			t.Fatalf("unexpected identity %+v", identity)
		}
		if !identity.HasRole(RoleStaff) || !identity.HasRole("ADMIN") {
			t.Fatalf("expected staff and admin roles, got %v", identity.Roles)
		}

		// The user loader must hit the Admin API once and memoise.
		first, err := identity.User(r.Context())
		if err != nil {
			t.Fatalf("load user: %v", err)
		}
		second, err := identity.User(r.Context())
		if err != nil {
			t.Fatalf("reload user: %v", err)
		}
		if first != second {
			t.Fatal("expected memoised user record")
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	if verifier.received != "token-value" {
		t.Fatalf("verifier saw token %q", verifier.received)
	}
	if users.calls != 1 || users.lastUID != "uid-123" {
		t.Fatalf("unexpected user loads: calls=%d uid=%s", users.calls, users.lastUID)
	}
}

func TestRequireFirebaseAuthRejectsMissingBearer(t *testing.T) {
	authn := NewAuthenticator(&stubVerifier{token: shopperToken("uid-1", nil)})

	for _, header := range []string{"", "Basic dXNlcg==", "Bearer "} {
		req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := serveAuth(authn, nil, req, func(http.ResponseWriter, *http.Request) {
			t.Fatalf("handler must not run for header %q", header)
		})
		if rec.Code != http.StatusUnauthorized {
			t.Fatalf("header %q: expected 401, got %d", header, rec.Code)
		}
		if code := authErrorCode(t, rec.Body.Bytes()); code != "unauthenticated" {
			t.Fatalf("header %q: unexpected error code %s", header, code)
		}
	}
}

func TestRequireFirebaseAuthReportsExpiredToken(t *testing.T) {
	authn := NewAuthenticator(&stubVerifier{err: ErrTokenExpired})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/orders", nil)
	req.Header.Set("Authorization", "Bearer expired")

	rec := serveAuth(authn, []string{RoleUser}, req, func(http.ResponseWriter, *http.Request) {
		t.Fatal("handler must not run on expired token")
	})

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := authErrorCode(t, rec.Body.Bytes()); code != "token_expired" {
		t.Fatalf("unexpected error code %s", code)
	}
}

func TestRequireFirebaseAuthRejectsInsufficientRole(t *testing.T) {
	verifier := &stubVerifier{token: shopperToken("uid-2", map[string]any{"role": "user"})}
	authn := NewAuthenticator(verifier)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/admin/orders", nil)
	req.Header.Set("Authorization", "Bearer shopper")

	rec := serveAuth(authn, []string{RoleStaff, RoleAdmin}, req, func(http.ResponseWriter, *http.Request) {
		t.Fatal("shopper must not reach staff routes")
	})

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
	if code := authErrorCode(t, rec.Body.Bytes()); code != "insufficient_role" {
		t.Fatalf("unexpected error code %s", code)
	}
}

func TestRequireFirebaseAuthAppliesFallbackRole(t *testing.T) {
	authn := NewAuthenticator(&stubVerifier{token: shopperToken("uid-3", nil)})

	req := httptest.NewRequest(http.MethodGet, "/api/v1/cart", nil)
	req.Header.Set("Authorization", "Bearer no-roles")

	rec := serveAuth(authn, nil, req, func(w http.ResponseWriter, r *http.Request) {
		identity, _ := IdentityFromContext(r.Context())
		if len(identity.Roles) != 1 || identity.Roles[0] != RoleUser {
			t.Fatalf("expected fallback role %q, got %v", RoleUser, identity.Roles)
		}
		w.WriteHeader(http.StatusNoContent)
	})

	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}
}

func TestRolesFromClaimShapes(t *testing.T) {
	cases := []struct {
		name string
		raw  any
		want []string
	}{
		{"single string", "Staff", []string{"staff"}},
		{"string slice", []string{"user", "USER", "staff"}, []string{"user", "staff"}},
		{"interface slice", []any{"admin", 42, "admin"}, []string{"admin"}},
		{"bool map", map[string]any{"staff": true, "admin": false}, []string{"staff"}},
		{"unsupported", 12.5, nil},
	}
	for _, tc := range cases {
		got := rolesFromClaim(tc.raw)
		if len(got) != len(tc.want) {
			t.Fatalf("%s: rolesFromClaim = %v, want %v", tc.name, got, tc.want)
		}
		for _, want := range tc.want {
			found := false
			for _, role := range got {
				if role == want {
					found = true
				}
			}
			if !found {
				t.Fatalf("%s: missing role %q in %v", tc.name, want, got)
			}
		}
	}
}
