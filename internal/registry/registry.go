// Package registry owns model-name resolution and the process-wide current
// model selection.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// ErrModelNotFound is returned by LocalFile when no model file matches.
var ErrModelNotFound = errors.New("registry: model file not found")

// DefaultAliases maps short names to canonical daemon model names.
var DefaultAliases = map[string]string{
	"dolphin":         "dolphin-mistral",
	"dolphin-mistral": "dolphin-mistral",
	"mistral":         "dolphin-mistral",
	"glm":             "glm4",
	"glm4":            "glm4",
	"flash":           "glm4",
	"llama":           "llama3.2",
	"llama3":          "llama3.2",
	"phi":             "phi4",
	"phi4":            "phi4",
	"qwen":            "qwen2.5-coder",
	"coder":           "qwen2.5-coder",
	"deepseek":        "deepseek-coder:1.3b",
	"nano":            "deepseek-coder:1.3b",
}

// Lister reports the models a backend currently has loaded.
type Lister interface {
	ListModels(ctx context.Context) ([]string, error)
}

// Opts holds parameters for building a Registry.
type Opts struct {
	Lister      Lister // nil disables the daemon query
	Dir         string
	Extension   string            // default ".gguf"
	Default     string            // initial current model
	Aliases     map[string]string // merged over DefaultAliases
	ListTimeout time.Duration     // default 5s
}

// Registry resolves requested names to canonical ones and holds the current
// selection. Last writer wins on the current value.
type Registry struct {
	lister      Lister
	dir         string
	ext         string
	listTimeout time.Duration
	aliases     map[string]string

	mu      sync.RWMutex
	current string
}

// New builds a Registry from opts.
func New(opts Opts) *Registry {
	if opts.Extension == "" {
		opts.Extension = ".gguf"
	}
	if opts.ListTimeout <= 0 {
		opts.ListTimeout = 5 * time.Second
	}
	if opts.Default == "" {
		opts.Default = "dolphin-mistral"
	}

	aliases := make(map[string]string, len(DefaultAliases)+len(opts.Aliases))
	for k, v := range DefaultAliases {
		aliases[k] = v
	}
	for k, v := range opts.Aliases {
		aliases[strings.ToLower(strings.TrimSpace(k))] = v
	}

	return &Registry{
		lister:      opts.Lister,
		dir:         opts.Dir,
		ext:         opts.Extension,
		listTimeout: opts.ListTimeout,
		aliases:     aliases,
		current:     opts.Default,
	}
}

// Current returns the current model selection.
func (r *Registry) Current() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.current
}

// SetCurrent overwrites the current selection with an already-resolved name.
func (r *Registry) SetCurrent(name string) {
	r.mu.Lock()
	r.current = name
	r.mu.Unlock()
}

// Resolve maps a requested name to its canonical form. Empty, "current" and
// "default" yield the current selection; unknown names pass through
// lower-cased.
func (r *Registry) Resolve(name string) string {
	if name == "" || name == "current" || name == "default" {
		return r.Current()
	}
	n := strings.ToLower(strings.TrimSpace(name))
	if n == "" {
		return r.Current()
	}
	if canonical, ok := r.aliases[n]; ok {
		return canonical
	}
	return n
}

// Switch resolves name and makes it the current selection. It does not check
// that any backend can serve the model, so it always reports success.
func (r *Registry) Switch(name string) (bool, string) {
	resolved := r.Resolve(name)
	r.SetCurrent(resolved)
	return true, resolved
}

// Available returns the daemon's loaded models followed by the model files in
// the configured directory. Failures on either side contribute nothing.
func (r *Registry) Available(ctx context.Context) []string {
	var names []string
	if r.lister != nil {
		listCtx, cancel := context.WithTimeout(ctx, r.listTimeout)
		daemonModels, err := r.lister.ListModels(listCtx)
		cancel()
		if err != nil {
			log.Printf("registry: list daemon models: %v", err)
		} else {
			names = append(names, daemonModels...)
		}
	}
	return append(names, r.localFiles()...)
}

// LocalFile returns the path of the model file for name, trying
// <dir>/<name><ext> first and <dir>/<name> second.
func (r *Registry) LocalFile(name string) (string, error) {
	if r.dir == "" || name == "" {
		return "", fmt.Errorf("%w: %q", ErrModelNotFound, name)
	}
	for _, candidate := range []string{
		filepath.Join(r.dir, name+r.ext),
		filepath.Join(r.dir, name),
	} {
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q in %s", ErrModelNotFound, name, r.dir)
}

func (r *Registry) localFiles() []string {
	if r.dir == "" {
		return nil
	}
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			log.Printf("registry: scan %s: %v", r.dir, err)
		}
		return nil
	}
	var out []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), r.ext) {
			out = append(out, e.Name())
		}
	}
	return out
}
