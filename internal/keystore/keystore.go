// Package keystore owns the API-key table: bearer-token validation, key
// minting, and the flat JSON file the table is persisted to.
package keystore

import (
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Role is the privilege level attached to a key.
type Role string

const (
	RoleUser   Role = "user"
	RoleMaster Role = "master"
)

// KeyPrefix marks every token minted by the store.
const KeyPrefix = "sov"

const (
	tokenLength   = 40
	tokenAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
)

// ErrInvalidRole is returned by Create for roles other than user and master.
var ErrInvalidRole = errors.New("keystore: invalid role")

// Record is the identity metadata stored against one key.
type Record struct {
	Identity     string    `json:"identity"`
	Role         Role      `json:"role"`
	Created      time.Time `json:"created"`
	RequestCount int       `json:"request_count"`
}

// IsMaster reports whether the record carries the master role.
func (r Record) IsMaster() bool { return r.Role == RoleMaster }

// Store is the process-wide key table. All methods are safe for concurrent use;
// each mutation and its file write happen under one lock.
type Store struct {
	path string
	now  func() time.Time

	mu   sync.Mutex
	keys map[string]*Record
}

// Opts holds parameters for opening a Store.
type Opts struct {
	Path              string
	BootstrapIdentity string    // identity bound to the auto-created master key
	Out               io.Writer // receives the bootstrap key banner; defaults to os.Stdout
	Now               func() time.Time
}

// Open loads the key file at opts.Path. If the file does not exist, a single
// master key is minted for the bootstrap identity, persisted, and printed to
// opts.Out once.
func Open(opts Opts) (*Store, error) {
	if opts.Path == "" {
		return nil, fmt.Errorf("keystore: path is required")
	}
	if opts.BootstrapIdentity == "" {
		opts.BootstrapIdentity = "marcus"
	}
	out := opts.Out
	if out == nil {
		out = os.Stdout
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	s := &Store{
		path: opts.Path,
		now:  now,
		keys: make(map[string]*Record),
	}

	data, err := os.ReadFile(opts.Path)
	switch {
	case err == nil:
		if len(strings.TrimSpace(string(data))) > 0 {
			if err := json.Unmarshal(data, &s.keys); err != nil {
				return nil, fmt.Errorf("keystore: parse %s: %w", opts.Path, err)
			}
		}
		// A literal null decodes to a nil map.
		if s.keys == nil {
			s.keys = make(map[string]*Record)
		}
		return s, nil
	case errors.Is(err, os.ErrNotExist):
		key, err := s.Create(opts.BootstrapIdentity, RoleMaster)
		if err != nil {
			return nil, fmt.Errorf("keystore: bootstrap: %w", err)
		}
		fmt.Fprintf(out, "Bootstrap master key for %s: %s\n", opts.BootstrapIdentity, key)
		return s, nil
	default:
		return nil, fmt.Errorf("keystore: read %s: %w", opts.Path, err)
	}
}

// Validate strips an optional "Bearer " prefix from authHeader and looks up the
// token. On a hit the request counter is incremented and the table persisted.
func (s *Store) Validate(authHeader string) (Record, bool) {
	key := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(authHeader), "Bearer "))
	if key == "" {
		return Record{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.keys[key]
	if !ok {
		return Record{}, false
	}
	rec.RequestCount++
	if err := s.saveLocked(); err != nil {
		log.Printf("keystore: persist after validate: %v", err)
	}
	return *rec, true
}

// Create mints a new key for identity with the given role and persists it.
// An empty role defaults to user.
func (s *Store) Create(identity string, role Role) (string, error) {
	if role == "" {
		role = RoleUser
	}
	if role != RoleUser && role != RoleMaster {
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, role)
	}
	if identity == "" {
		identity = "user"
	}

	token, err := generateToken()
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.keys[token] = &Record{
		Identity: identity,
		Role:     role,
		Created:  s.now().UTC().Truncate(time.Second),
	}
	if err := s.saveLocked(); err != nil {
		delete(s.keys, token)
		return "", err
	}
	return token, nil
}

// List returns a copy of the full key table. Callers must restrict exposure
// to master identities.
func (s *Store) List() map[string]Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Record, len(s.keys))
	for k, v := range s.keys {
		out[k] = *v
	}
	return out
}

// Len returns the number of keys in the table.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.keys)
}

// saveLocked rewrites the key file in full. The caller must hold s.mu.
func (s *Store) saveLocked() error {
	data, err := json.MarshalIndent(s.keys, "", "  ")
	if err != nil {
		return fmt.Errorf("keystore: marshal: %w", err)
	}
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("keystore: create dir %s: %w", dir, err)
	}

	tmp, err := os.CreateTemp(dir, ".keys-*.json")
	if err != nil {
		return fmt.Errorf("keystore: write %s: %w", s.path, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("keystore: write %s: %w", s.path, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("keystore: write %s: %w", s.path, err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("keystore: chmod %s: %w", s.path, err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("keystore: replace %s: %w", s.path, err)
	}
	return nil
}

// generateToken returns KeyPrefix followed by tokenLength characters drawn
// uniformly from letters and digits.
func generateToken() (string, error) {
	var b strings.Builder
	b.Grow(len(KeyPrefix) + tokenLength)
	b.WriteString(KeyPrefix)
	max := big.NewInt(int64(len(tokenAlphabet)))
	for i := 0; i < tokenLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("keystore: generate token: %w", err)
		}
		b.WriteByte(tokenAlphabet[n.Int64()])
	}
	return b.String(), nil
}
