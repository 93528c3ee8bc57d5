package keystore

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode"
)

func openTestStore(t *testing.T) (*Store, string, *bytes.Buffer) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "keys.json")
	out := new(bytes.Buffer)
	s, err := Open(Opts{Path: path, BootstrapIdentity: "marcus", Out: out})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, path, out
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Opts{})
	if err == nil {
		t.Fatal("expected error for empty path")
	}
	if !strings.Contains(err.Error(), "path is required") {
		t.Errorf("error = %q", err)
	}
}

func TestOpen_BootstrapsMasterKey(t *testing.T) {
	s, path, out := openTestStore(t)

	keys := s.List()
	if len(keys) != 1 {
		t.Fatalf("len(keys) = %d, want 1", len(keys))
	}
	for key, rec := range keys {
		if rec.Identity != "marcus" {
			t.Errorf("Identity = %q, want marcus", rec.Identity)
		}
		if rec.Role != RoleMaster {
			t.Errorf("Role = %q, want master", rec.Role)
		}
		if !strings.Contains(out.String(), key) {
			t.Errorf("bootstrap banner %q does not contain key", out.String())
		}
	}

	if _, err := os.Stat(path); err != nil {
		t.Fatalf("key file not written: %v", err)
	}
}

func TestOpen_ExistingFileDoesNotBootstrap(t *testing.T) {
	_, path, _ := openTestStore(t)

	out := new(bytes.Buffer)
	s, err := Open(Opts{Path: path, Out: out})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
	if out.Len() != 0 {
		t.Errorf("reopen printed %q, want nothing", out.String())
	}
}

func TestOpen_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	if err := os.WriteFile(path, []byte("{not json"), 0o600); err != nil {
		t.Fatal(err)
	}
	_, err := Open(Opts{Path: path})
	if err == nil {
		t.Fatal("expected parse error")
	}
	if !strings.Contains(err.Error(), "keystore: parse") {
		t.Errorf("error = %q", err)
	}
}

func TestOpen_NullFileStillAcceptsKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys.json")
	if err := os.WriteFile(path, []byte("null\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	s, err := Open(Opts{Path: path, Out: new(bytes.Buffer)})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	key, err := s.Create("alice", RoleUser)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if _, ok := s.Validate(key); !ok {
		t.Errorf("Validate(%q) failed after Create", key)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1", s.Len())
	}
}

func TestCreate_TokenShape(t *testing.T) {
	s, _, _ := openTestStore(t)

	key, err := s.Create("alice", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(key, KeyPrefix) {
		t.Errorf("key %q missing prefix %q", key, KeyPrefix)
	}
	body := strings.TrimPrefix(key, KeyPrefix)
	if len(body) < 40 {
		t.Errorf("token body length = %d, want >= 40", len(body))
	}
	for _, r := range body {
		if r > unicode.MaxASCII || !(unicode.IsLetter(r) || unicode.IsDigit(r)) {
			t.Fatalf("token contains non-alphanumeric rune %q", r)
		}
	}

	other, err := s.Create("alice", "")
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if other == key {
		t.Error("two Create calls returned the same key")
	}
}

func TestCreate_InvalidRole(t *testing.T) {
	s, _, _ := openTestStore(t)
	_, err := s.Create("mallory", Role("root"))
	if !errors.Is(err, ErrInvalidRole) {
		t.Errorf("err = %v, want ErrInvalidRole", err)
	}
	if s.Len() != 1 {
		t.Errorf("Len() = %d, want 1 (no record inserted)", s.Len())
	}
}

func TestCreate_DefaultIdentity(t *testing.T) {
	s, _, _ := openTestStore(t)
	key, err := s.Create("", RoleUser)
	if err != nil {
		t.Fatal(err)
	}
	if got := s.List()[key].Identity; got != "user" {
		t.Errorf("Identity = %q, want user", got)
	}
}

// Scenario A: a freshly created identity validates with role user.
func TestValidate_CreatedKey(t *testing.T) {
	s, _, _ := openTestStore(t)
	key, err := s.Create("alice", "")
	if err != nil {
		t.Fatal(err)
	}

	rec, ok := s.Validate("Bearer " + key)
	if !ok {
		t.Fatal("Validate returned not-ok for a created key")
	}
	if rec.Identity != "alice" {
		t.Errorf("Identity = %q, want alice", rec.Identity)
	}
	if rec.Role != RoleUser {
		t.Errorf("Role = %q, want user", rec.Role)
	}
	if rec.IsMaster() {
		t.Error("IsMaster() = true for user key")
	}
}

func TestValidate_CounterIncrementsByOne(t *testing.T) {
	s, path, _ := openTestStore(t)
	key, _ := s.Create("alice", "")

	for i := 1; i <= 5; i++ {
		rec, ok := s.Validate("Bearer " + key)
		if !ok {
			t.Fatalf("validate #%d failed", i)
		}
		if rec.RequestCount != i {
			t.Errorf("RequestCount after %d validations = %d", i, rec.RequestCount)
		}
	}

	// The counter is persisted synchronously.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	var onDisk map[string]Record
	if err := json.Unmarshal(data, &onDisk); err != nil {
		t.Fatalf("key file is not a JSON object: %v", err)
	}
	if onDisk[key].RequestCount != 5 {
		t.Errorf("persisted RequestCount = %d, want 5", onDisk[key].RequestCount)
	}
}

func TestValidate_Rejects(t *testing.T) {
	s, _, _ := openTestStore(t)
	tests := []struct {
		name   string
		header string
	}{
		{"empty", ""},
		{"bearer only", "Bearer "},
		{"never issued", "Bearer sovNOTAREALKEY"},
		{"wrong scheme", "Basic abc"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec, ok := s.Validate(tt.header)
			if ok {
				t.Errorf("Validate(%q) succeeded", tt.header)
			}
			if rec != (Record{}) {
				t.Errorf("Validate(%q) returned record %+v", tt.header, rec)
			}
		})
	}
}

func TestValidate_RawTokenWithoutPrefix(t *testing.T) {
	s, _, _ := openTestStore(t)
	key, _ := s.Create("bob", "")
	if _, ok := s.Validate(key); !ok {
		t.Error("raw token without Bearer prefix should validate")
	}
}

func TestValidate_ConcurrentNoLostUpdates(t *testing.T) {
	s, _, _ := openTestStore(t)
	key, _ := s.Create("alice", "")

	const n = 50
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Validate("Bearer " + key)
		}()
	}
	wg.Wait()

	if got := s.List()[key].RequestCount; got != n {
		t.Errorf("RequestCount = %d, want %d", got, n)
	}
}

func TestCreate_UsesInjectedClock(t *testing.T) {
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 500, time.UTC)
	path := filepath.Join(t.TempDir(), "keys.json")
	s, err := Open(Opts{Path: path, Out: new(bytes.Buffer), Now: func() time.Time { return fixed }})
	if err != nil {
		t.Fatal(err)
	}
	for _, rec := range s.List() {
		if !rec.Created.Equal(fixed.Truncate(time.Second)) {
			t.Errorf("Created = %v, want %v", rec.Created, fixed.Truncate(time.Second))
		}
	}
}

func TestList_ReturnsCopy(t *testing.T) {
	s, _, _ := openTestStore(t)
	keys := s.List()
	for k := range keys {
		rec := keys[k]
		rec.Role = RoleUser
		keys[k] = rec
	}
	for _, rec := range s.List() {
		if rec.Role != RoleMaster {
			t.Error("mutating List() result changed the store")
		}
	}
}
