package turnrest

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/base64"
	"testing"
	"time"
)

type fixedClock struct {
	t time.Time
}

func (c fixedClock) Now() time.Time { return c.t }

func TestGenerateDeterministicWithFixedClock(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator("shared-secret", time.Hour, "peerlink",
		fixedClock{t: time.Unix(1_700_000_000, 0).UTC()})
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}

	creds, err := g.Generate("ABC234")
	if err != nil {
		t.Fatalf("Generate: %v", err)
	}

	wantUsername := "1700003600:peerlink:ABC234"
	if creds.Username != wantUsername {
		t.Fatalf("Username: got %q, want %q", creds.Username, wantUsername)
	}
	if creds.Expiry.Unix() != 1_700_003_600 {
		t.Fatalf("Expiry: got %d, want 1700003600", creds.Expiry.Unix())
	}

	mac := hmac.New(sha1.New, []byte("shared-secret"))
	mac.Write([]byte(wantUsername))
	wantCred := base64.StdEncoding.EncodeToString(mac.Sum(nil))
	if creds.Credential != wantCred {
		t.Fatalf("Credential: got %q, want %q", creds.Credential, wantCred)
	}
}

func TestGenerateRejectsColons(t *testing.T) {
	t.Parallel()

	if _, err := NewGenerator("s", time.Hour, "pre:fix", nil); err == nil {
		t.Fatal("NewGenerator accepted a prefix with ':'")
	}

	g, err := NewGenerator("s", time.Hour, "", nil)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	if _, err := g.Generate("a:b"); err == nil {
		t.Fatal("Generate accepted a session id with ':'")
	}
	if _, err := g.Generate(""); err == nil {
		t.Fatal("Generate accepted an empty session id")
	}
}

func TestGenerateRandom(t *testing.T) {
	t.Parallel()

	g, err := NewGenerator("s", 0, "", nil)
	if err != nil {
		t.Fatalf("NewGenerator: %v", err)
	}
	a, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	b, err := g.GenerateRandom()
	if err != nil {
		t.Fatalf("GenerateRandom: %v", err)
	}
	if a.Username == b.Username {
		t.Fatal("random session ids collided")
	}
}
