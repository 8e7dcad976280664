package pagination

import (
	"errors"
	"net/url"
	"testing"
)

func TestParseDefaults(t *testing.T) {
	params, err := Parse(url.Values{}, Options{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size %d, got %d", DefaultPageSize, params.PageSize)
	}
	if params.PageToken != "" {
		t.Fatalf("expected empty page token, got %q", params.PageToken)
	}
}

func TestParseExplicitPageSize(t *testing.T) {
	values := url.Values{"page_size": []string{"5"}}
	params, err := Parse(values, Options{DefaultPageSize: 20, MaxPageSize: 100})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if params.PageSize != 5 {
		t.Fatalf("expected page size 5, got %d", params.PageSize)
	}
}

func TestParseClampsPageSize(t *testing.T) {
	values := url.Values{"page_size": []string{"500"}}
	params, err := Parse(values, Options{MaxPageSize: 100})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if params.PageSize != 100 {
		t.Fatalf("expected clamp to 100, got %d", params.PageSize)
	}
}

func TestParseRejectsBadPageSize(t *testing.T) {
	for _, raw := range []string{"abc", "0", "-3"} {
		values := url.Values{"page_size": []string{raw}}
		if _, err := Parse(values, Options{}); !errors.Is(err, ErrInvalidPageSize) {
			t.Fatalf("expected invalid page size for %q, got %v", raw, err)
		}
	}
}

func TestParseDecodesPageToken(t *testing.T) {
	token, err := EncodeToken(Cursor{StartAfter: []any{"2026-03-01T12:00:00Z", "ord_42"}})
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	if token == "" {
		t.Fatalf("expected non-empty token")
	}

	values := url.Values{"page_token": []string{token}}
	params, err := Parse(values, Options{})
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if params.PageToken != token {
		t.Fatalf("expected raw token preserved")
	}
	if len(params.Cursor.StartAfter) != 2 || params.Cursor.StartAfter[1] != "ord_42" {
		t.Fatalf("unexpected cursor %+v", params.Cursor)
	}
}

func TestParseRejectsBadPageToken(t *testing.T) {
	values := url.Values{"page_token": []string{"%%%not-base64%%%"}}
	if _, err := Parse(values, Options{}); !errors.Is(err, ErrInvalidPageToken) {
		t.Fatalf("expected invalid page token, got %v", err)
	}
}

func TestEncodeTokenEmptyCursor(t *testing.T) {
	token, err := EncodeToken(Cursor{})
	if err != nil {
		t.Fatalf("encode token: %v", err)
	}
	if token != "" {
		t.Fatalf("expected empty token for empty cursor, got %q", token)
	}
}

func TestMustAppliesDefault(t *testing.T) {
	params := Must(Params{})
	if params.PageSize != DefaultPageSize {
		t.Fatalf("expected default page size, got %d", params.PageSize)
	}
}
