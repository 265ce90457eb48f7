package credentials

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
)

type memSource struct {
	mu      sync.Mutex
	sealed  map[string][]byte
	lookups int
}

func (m *memSource) LookupCredential(_ context.Context, owner, connector string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lookups++
	b, ok := m.sealed[owner+"/"+connector]
	if !ok {
		return nil, ErrNotConfigured
	}
	return b, nil
}

func (m *memSource) HasCredential(_ context.Context, owner, connector string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.sealed[owner+"/"+connector]
	return ok, nil
}

type countingOpener struct {
	inner Opener
	opens int
}

func (c *countingOpener) Open(b []byte) (Fields, error) {
	c.opens++
	return c.inner.Open(b)
}

func setup(t *testing.T) (*memSource, *countingOpener) {
	t.Helper()
	k, err := GenerateKeyring()
	if err != nil {
		t.Fatal(err)
	}
	sealed, err := Seal(Fields{"username": "ops", "password": "hunter2"}, k.Recipient())
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(sealed, []byte("hunter2")) {
		t.Fatal("sealed blob contains plaintext")
	}
	return &memSource{sealed: map[string][]byte{"alice/ssh": sealed}}, &countingOpener{inner: k}
}

func TestResolver_DecryptsOnceOnFirstAccess(t *testing.T) {
	src, opener := setup(t)
	var accessed []string
	r := NewResolver("alice", src, opener, func(owner, connector string) {
		accessed = append(accessed, owner+"/"+connector)
	})
	ctx := context.Background()

	if !r.Has(ctx, "ssh") {
		t.Fatal("Has(ssh) = false")
	}
	if opener.opens != 0 {
		t.Fatal("Has decrypted")
	}

	for i := 0; i < 3; i++ {
		f, ok, err := r.Get(ctx, "ssh")
		if err != nil || !ok {
			t.Fatalf("Get = %v, %v", ok, err)
		}
		if f["password"] != "hunter2" {
			t.Fatalf("password = %q", f["password"])
		}
		f["password"] = "mutated"
	}
	if opener.opens != 1 || src.lookups != 1 {
		t.Fatalf("opens = %d lookups = %d, want 1/1", opener.opens, src.lookups)
	}
	if len(accessed) != 1 || accessed[0] != "alice/ssh" {
		t.Fatalf("access log = %v", accessed)
	}
}

func TestResolver_MissingConnector(t *testing.T) {
	src, opener := setup(t)
	r := NewResolver("alice", src, opener, nil)
	f, ok, err := r.Get(context.Background(), "aws")
	if err != nil || ok || f != nil {
		t.Fatalf("Get(aws) = %v, %v, %v", f, ok, err)
	}
	if r.Has(context.Background(), "aws") {
		t.Fatal("Has(aws) = true")
	}
}

func TestResolver_OwnerScoped(t *testing.T) {
	src, opener := setup(t)
	r := NewResolver("bob", src, opener, nil)
	if _, ok, _ := r.Get(context.Background(), "ssh"); ok {
		t.Fatal("bob resolved alice's credentials")
	}
}

func TestResolver_CloseForgets(t *testing.T) {
	src, opener := setup(t)
	r := NewResolver("alice", src, opener, nil)
	ctx := context.Background()
	if _, _, err := r.Get(ctx, "ssh"); err != nil {
		t.Fatal(err)
	}
	r.Close()
	if _, _, err := r.Get(ctx, "ssh"); err == nil {
		t.Fatal("Get after Close succeeded")
	}
	if len(r.cache) != 0 {
		t.Fatal("cache not cleared")
	}
}

func TestFields_NeverRenders(t *testing.T) {
	f := Fields{"password": "hunter2"}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("resolved", "fields", f)
	out := buf.String() + fmt.Sprintf("%v %s", f, f)
	if strings.Contains(out, "hunter2") {
		t.Fatalf("secret rendered: %s", out)
	}
}

func TestLoadOrCreateKeyring(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "identity.age")
	k1, err := LoadOrCreateKeyring(path)
	if err != nil {
		t.Fatal(err)
	}
	k2, err := LoadOrCreateKeyring(path)
	if err != nil {
		t.Fatal(err)
	}
	if k1.Recipient() != k2.Recipient() {
		t.Fatal("identity not persisted")
	}
	sealed, err := Seal(Fields{"token": "abc"}, k1.Recipient())
	if err != nil {
		t.Fatal(err)
	}
	f, err := k2.Open(sealed)
	if err != nil || f["token"] != "abc" {
		t.Fatalf("open = %v, %v", f, err)
	}
}

func TestContext(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Fatal("empty context has resolver")
	}
	r := NewResolver("alice", &memSource{}, nil, nil)
	got, ok := FromContext(WithResolver(context.Background(), r))
	if !ok || got != r {
		t.Fatal("resolver not round-tripped")
	}
}
