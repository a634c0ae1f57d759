package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"strings"
	"testing"
	"time"
)

func fixedNow() time.Time {
	return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
}

func TestGenerateMatchesCoturnScheme(t *testing.T) {
	g, err := NewGenerator("s3cret", 10*time.Minute, "solstice", fixedNow)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}

	creds, err := g.For("alice")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	wantExpiry := fixedNow().Add(10 * time.Minute)
	wantUsername := "1772367000:solstice:alice"
	if creds.Username != wantUsername {
		t.Errorf("username = %q, want %q", creds.Username, wantUsername)
	}
	if !creds.ExpiresAt.Equal(wantExpiry) {
		t.Errorf("expiry = %v, want %v", creds.ExpiresAt, wantExpiry)
	}

	mac := hmac.New(sha1.New, []byte("s3cret"))
	mac.Write([]byte(wantUsername))
	if want := base64.StdEncoding.EncodeToString(mac.Sum(nil)); creds.Credential != want {
		t.Errorf("credential = %q, want %q", creds.Credential, want)
	}
}

func TestGeneratorValidation(t *testing.T) {
	if _, err := NewGenerator("", time.Minute, "p", nil); err == nil {
		t.Errorf("empty secret accepted")
	}
	if _, err := NewGenerator("s", 0, "p", nil); err == nil {
		t.Errorf("zero ttl accepted")
	}
	if _, err := NewGenerator("s", time.Minute, "a:b", nil); err == nil {
		t.Errorf("prefix with colon accepted")
	}

	g, err := NewGenerator("s", time.Minute, "p", fixedNow)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	if _, err := g.For("a:b"); err == nil {
		t.Errorf("id with colon accepted")
	}
	if _, err := g.For(""); err == nil {
		t.Errorf("empty id accepted")
	}
}

func TestRandomIDsDiffer(t *testing.T) {
	g, err := NewGenerator("s", time.Minute, "p", fixedNow)
	if err != nil {
		t.Fatalf("new generator: %v", err)
	}
	a, err := g.Random()
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	b, err := g.Random()
	if err != nil {
		t.Fatalf("random: %v", err)
	}
	if a.Username == b.Username {
		t.Errorf("random usernames collided: %q", a.Username)
	}
	if !strings.HasPrefix(a.Username, "1772366460:p:") {
		t.Errorf("username = %q", a.Username)
	}
}
