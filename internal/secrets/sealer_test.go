package secrets

import "testing"

func TestSealOpenRoundTrip(t *testing.T) {
	s, err := NewSealer("test-passphrase")
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	data := map[string]any{"username": "svc", "password": "hunter2"}
	token, err := s.Seal(data)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if token == "" {
		t.Fatalf("empty token")
	}
	out, err := s.Open(token)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if out["username"] != "svc" || out["password"] != "hunter2" {
		t.Fatalf("round trip: %v", out)
	}
}

func TestSealIsNondeterministic(t *testing.T) {
	s, _ := NewSealer("k")
	a, _ := s.Seal(map[string]any{"x": 1})
	b, _ := s.Seal(map[string]any{"x": 1})
	if a == b {
		t.Fatalf("nonce reuse: identical tokens")
	}
}

func TestOpenWithWrongKeyFails(t *testing.T) {
	s1, _ := NewSealer("key-one")
	s2, _ := NewSealer("key-two")
	token, err := s1.Seal(map[string]any{"token": "abc"})
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	if _, err := s2.Open(token); err == nil {
		t.Fatalf("expected auth failure with rotated key")
	}
}

func TestOpenRejectsGarbage(t *testing.T) {
	s, _ := NewSealer("k")
	if _, err := s.Open("not base64!!"); err == nil {
		t.Fatalf("expected decode error")
	}
	if _, err := s.Open("YWJj"); err == nil {
		t.Fatalf("expected truncation error")
	}
}

func TestNewSealerRejectsEmptyKey(t *testing.T) {
	if _, err := NewSealer("   "); err == nil {
		t.Fatalf("expected error for blank passphrase")
	}
}
