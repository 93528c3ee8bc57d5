package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/axismundi/amallo/internal/daemon"
	"github.com/axismundi/amallo/internal/inference"
)

// Backend tags for relayed inference.
const (
	BackendRemoteDaemon  = "ollama@remote"
	BackendRemoteGateway = "amallo@remote"
)

// Defaults for relayed inference requests.
const (
	DefaultInferModel       = "dolphin-mistral"
	DefaultInferMaxTokens   = 1024
	DefaultInferTemperature = 0.7
)

// InferRequest is one completion relayed through a session.
type InferRequest struct {
	Model       string
	Messages    []inference.Message
	MaxTokens   int
	Temperature float64
}

// InferResult carries the relayed completion and the backend that produced it.
type InferResult struct {
	Text    string
	Backend string
	Model   string
	Session Info
}

type gatewayChatRequest struct {
	Model    string              `json:"model"`
	Messages []inference.Message `json:"messages"`
}

type gatewayChatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// relayAttempt runs one HTTP call on the far side of the session by piping a
// JSON payload into curl.
type relayAttempt struct {
	tag     string
	command string
	payload func(req InferRequest) ([]byte, error)
	parse   func(out []byte) (string, error)
}

// Infer relays a completion through the session: first the remote daemon,
// then a remote gateway. Individual failures are logged; only total failure
// is reported, as ErrNoBackend.
func (m *Manager) Infer(ctx context.Context, id string, req InferRequest) (InferResult, error) {
	if req.Model == "" {
		req.Model = DefaultInferModel
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = DefaultInferMaxTokens
	}
	if req.Temperature < 0 {
		req.Temperature = DefaultInferTemperature
	}
	if req.Messages == nil {
		req.Messages = []inference.Message{}
	}

	conn, info, err := m.touch(id)
	if err != nil {
		return InferResult{}, err
	}

	var failures []error
	for _, a := range m.relayAttempts() {
		text, err := m.runRelay(ctx, conn, a, req)
		if err == nil {
			return InferResult{Text: text, Backend: a.tag, Model: req.Model, Session: info}, nil
		}
		failures = append(failures, fmt.Errorf("%s: %w", a.tag, err))
	}
	log.Printf("remote: infer on %s: %v", info.Node(), errors.Join(failures...))
	return InferResult{}, fmt.Errorf("%w: %s", ErrNoBackend, info.Node())
}

func (m *Manager) runRelay(ctx context.Context, conn Conn, a relayAttempt, req InferRequest) (string, error) {
	payload, err := a.payload(req)
	if err != nil {
		return "", err
	}
	ctx, cancel := context.WithTimeout(ctx, m.inferTimeout)
	defer cancel()

	res, err := conn.Run(ctx, a.command, payload)
	if err != nil {
		return "", err
	}
	out := strings.TrimSpace(res.Stdout)
	if out == "" {
		return "", fmt.Errorf("empty output (exit %d)", res.ExitCode)
	}
	return a.parse([]byte(out))
}

func (m *Manager) relayAttempts() []relayAttempt {
	return []relayAttempt{
		{
			tag: BackendRemoteDaemon,
			command: "curl -s -X POST " + shellQuote(m.daemonURL+"/api/generate") +
				" -H 'Content-Type: application/json' -d @-",
			payload: func(req InferRequest) ([]byte, error) {
				return json.Marshal(daemon.GenerateRequest{
					Model:  req.Model,
					Prompt: inference.BuildPrompt(req.Messages),
					Options: daemon.Options{
						NumPredict:  req.MaxTokens,
						Temperature: req.Temperature,
					},
				})
			},
			parse: func(out []byte) (string, error) {
				return daemon.ParseGenerate(out)
			},
		},
		{
			tag: BackendRemoteGateway,
			command: "curl -s -X POST " + shellQuote(m.gatewayURL+"/v1/chat/completions") +
				" -H 'Content-Type: application/json' -H " + shellQuote("Authorization: Bearer "+m.gatewayKey) +
				" -d @-",
			payload: func(req InferRequest) ([]byte, error) {
				return json.Marshal(gatewayChatRequest{Model: req.Model, Messages: req.Messages})
			},
			parse: parseGatewayChat,
		},
	}
}

func parseGatewayChat(out []byte) (string, error) {
	var resp gatewayChatResponse
	if err := json.Unmarshal(out, &resp); err != nil {
		return "", fmt.Errorf("decode chat response: %w", err)
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", errors.New("empty chat response")
	}
	return resp.Choices[0].Message.Content, nil
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
