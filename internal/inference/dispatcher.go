// Package inference runs chat completions against the local backends: the
// model daemon first, then each configured CLI binary, in blocking or
// streaming mode.
package inference

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/axismundi/amallo/internal/daemon"
)

// NoBackendText is returned in place of a completion when every backend
// failed.
const NoBackendText = "[No inference backend available. Run: ollama pull dolphin-mistral]"

// Backend tags reported alongside a completion.
const (
	BackendDaemon = "ollama"
	BackendCLI    = "llama-cli"
	BackendNone   = "none"
)

// Defaults applied to chat requests that leave the knobs unset.
const (
	DefaultMaxTokens   = 2048
	DefaultTemperature = 0.7
)

// Request is one fully resolved completion request.
type Request struct {
	Model       string
	Messages    []Message
	MaxTokens   int
	Temperature float64
}

// Prompt returns the flattened backend prompt for r.
func (r Request) Prompt() string { return BuildPrompt(r.Messages) }

// Result is the outcome of a blocking completion. Backend is BackendNone when
// Text is the advisory NoBackendText.
type Result struct {
	Text    string
	Backend string
	Model   string
}

// Degraded reports whether no backend produced the text.
func (r Result) Degraded() bool { return r.Backend == BackendNone }

// Attempt is one backend strategy. It returns the generated text or an error
// describing why it produced nothing.
type Attempt interface {
	Name() string
	Run(ctx context.Context, req Request) (string, error)
}

// Generator is the daemon surface used by the dispatcher.
type Generator interface {
	Generate(ctx context.Context, req daemon.GenerateRequest) (string, error)
	Stream(ctx context.Context, req daemon.GenerateRequest, fn func(token string) error) error
}

// Resolver is the registry surface used by Chat.
type Resolver interface {
	Resolve(name string) string
	SetCurrent(name string)
}

// Opts holds parameters for building a Dispatcher.
type Opts struct {
	Daemon        Generator
	DaemonTimeout time.Duration // default 180s
	CLI           *CLIOpts      // nil disables the CLI fallback
	Registry      Resolver
	Persona       Persona
	Now           func() time.Time

	// Attempts replaces the daemon and CLI attempts when non-nil.
	Attempts []Attempt
}

// Dispatcher folds a request over its attempts and returns the first
// non-empty result. It never returns an error to its caller.
type Dispatcher struct {
	attempts      []Attempt
	daemon        Generator
	daemonTimeout time.Duration
	registry      Resolver
	persona       Persona
	now           func() time.Time
}

// New builds a Dispatcher with the daemon attempt first and the CLI attempt
// second.
func New(opts Opts) *Dispatcher {
	if opts.DaemonTimeout <= 0 {
		opts.DaemonTimeout = 180 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Persona.Names == nil {
		opts.Persona = NewPersona(nil, opts.Persona.Profile)
	}

	d := &Dispatcher{
		daemon:        opts.Daemon,
		daemonTimeout: opts.DaemonTimeout,
		registry:      opts.Registry,
		persona:       opts.Persona,
		now:           opts.Now,
	}
	if opts.Attempts != nil {
		d.attempts = opts.Attempts
		return d
	}
	if opts.Daemon != nil {
		d.attempts = append(d.attempts, &daemonAttempt{gen: opts.Daemon, timeout: opts.DaemonTimeout})
	}
	if opts.CLI != nil {
		d.attempts = append(d.attempts, newCLIAttempt(*opts.CLI))
	}
	return d
}

// Complete runs req against each attempt in order. Intermediate failures are
// logged only; when every attempt fails the result carries NoBackendText.
func (d *Dispatcher) Complete(ctx context.Context, req Request) Result {
	applyDefaults(&req)

	var failures []error
	for _, a := range d.attempts {
		text, err := d.run(ctx, a, req)
		if err == nil && strings.TrimSpace(text) != "" {
			return Result{Text: text, Backend: a.Name(), Model: req.Model}
		}
		if err == nil {
			err = errors.New("empty output")
		}
		failures = append(failures, fmt.Errorf("%s: %w", a.Name(), err))
	}

	if len(failures) > 0 {
		log.Printf("inference: no backend for %s: %v", req.Model, errors.Join(failures...))
	} else {
		log.Printf("inference: no backend for %s: no attempts configured", req.Model)
	}
	return Result{Text: NoBackendText, Backend: BackendNone, Model: req.Model}
}

// run isolates a panicking attempt so it degrades like any other failure.
func (d *Dispatcher) run(ctx context.Context, a Attempt, req Request) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.Run(ctx, req)
}

// Prepare resolves the requested model, pins it as the registry's current
// selection, and injects the persona preamble. Chat and Stream both go
// through it.
func (d *Dispatcher) Prepare(requested string, messages []Message, maxTokens int, temperature float64) Request {
	model := requested
	if d.registry != nil {
		model = d.registry.Resolve(requested)
		d.registry.SetCurrent(model)
	}
	req := Request{
		Model:       model,
		Messages:    d.persona.Inject(model, messages),
		MaxTokens:   maxTokens,
		Temperature: temperature,
	}
	applyDefaults(&req)
	return req
}

// Chat prepares and completes one blocking chat request.
func (d *Dispatcher) Chat(ctx context.Context, requested string, messages []Message, maxTokens int, temperature float64) Result {
	return d.Complete(ctx, d.Prepare(requested, messages, maxTokens, temperature))
}

func applyDefaults(req *Request) {
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultMaxTokens
	}
	if req.Temperature < 0 {
		req.Temperature = DefaultTemperature
	}
}

// daemonAttempt calls the daemon's blocking generate endpoint.
type daemonAttempt struct {
	gen     Generator
	timeout time.Duration
}

func (a *daemonAttempt) Name() string { return BackendDaemon }

func (a *daemonAttempt) Run(ctx context.Context, req Request) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()
	return a.gen.Generate(ctx, generateRequest(req))
}

func generateRequest(req Request) daemon.GenerateRequest {
	return daemon.GenerateRequest{
		Model:  req.Model,
		Prompt: req.Prompt(),
		Options: daemon.Options{
			NumPredict:  req.MaxTokens,
			Temperature: req.Temperature,
		},
	}
}
