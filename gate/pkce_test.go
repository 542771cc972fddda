package gate

import (
	"net/http/httptest"
	"testing"
	"time"
)

func TestExchangeRecordRoundTrip(t *testing.T) {
	cfg := testConfig()
	_, pkce := testCodecs(t, cfg)

	rec := NewExchangeRecord("/account/billing")
	if rec.ID == "" || rec.Verifier == "" {
		t.Fatalf("record missing id or verifier: %+v", rec)
	}

	w := httptest.NewRecorder()
	if err := pkce.Write(w, rec); err != nil {
		t.Fatalf("Write: %v", err)
	}

	r := httptest.NewRequest("GET", "/auth/callback", nil)
	addResponseCookies(t, w, r)

	got, err := pkce.Read(r)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got.ID != rec.ID || got.Verifier != rec.Verifier {
		t.Fatalf("record mismatch: got %+v want %+v", got, rec)
	}
	if got.RedirectTarget != "/account/billing" {
		t.Fatalf("redirect target mismatch: %q", got.RedirectTarget)
	}
}

func TestExchangeRecordExpired(t *testing.T) {
	cfg := testConfig()
	_, pkce := testCodecs(t, cfg)

	rec := NewExchangeRecord("/")
	rec.CreatedAt = time.Now().Add(-pkce.TTL() - time.Minute)

	w := httptest.NewRecorder()
	if err := pkce.Write(w, rec); err != nil {
		t.Fatalf("Write: %v", err)
	}
	r := httptest.NewRequest("GET", "/auth/callback", nil)
	addResponseCookies(t, w, r)

	if _, err := pkce.Read(r); err == nil {
		t.Fatalf("expected expired record to be rejected")
	}
}

func TestSanitizeRedirectTarget(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"/dashboard", "/dashboard"},
		{"/dashboard?tab=usage", "/dashboard?tab=usage"},
		{"", "/"},
		{"https://evil.example/phish", "/"},
		{"//evil.example/phish", "/"},
		{"dashboard", "/"},
	}
	for _, tc := range cases {
		if got := sanitizeRedirectTarget(tc.in); got != tc.want {
			t.Errorf("sanitizeRedirectTarget(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestPKCEVerifiersUnique(t *testing.T) {
	a := NewExchangeRecord("/")
	b := NewExchangeRecord("/")
	if a.Verifier == b.Verifier {
		t.Fatalf("verifiers must be unique per flow")
	}
	if a.ID == b.ID {
		t.Fatalf("record ids must be unique per flow")
	}
}
