package inference

import (
	"fmt"
	"strings"
)

// Message is one role-tagged turn of a conversation.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// DefaultPersonaName is used for models with no entry in the persona table.
const DefaultPersonaName = "Amallo"

// DefaultPersonaNames maps a model base name to the persona it answers as.
var DefaultPersonaNames = map[string]string{
	"dolphin-mistral": "Dolphin",
	"dolphin":         "Dolphin",
	"glm4":            "Glitch",
	"glm":             "Glitch",
	"deepseek-coder":  "Dex",
	"deepseek":        "Dex",
	"phi4":            "Phi",
	"phi":             "Phi",
	"qwen2.5-coder":   "Quill",
	"qwen":            "Quill",
	"llama3.2":        "Leo",
	"llama":           "Leo",
}

// DefaultProfile is the operator profile injected after the persona name.
const DefaultProfile = `You are running on Marcus's sovereign AI node (axismundi.fun).
Marcus is also known as Kelushael, a sovereign AI architect, musician, and systems thinker.
He is building a fully self-hosted AI stack: zero cloud dependency, zero Ollama compromise long-term.
He thinks in patterns (369, cymatic geometry, Echo Key), builds fast, and values:
- Directness over diplomacy
- Sovereign architecture over convenience
- Initiative over waiting for permission
- Raw unfiltered insight over approved talking points

YOUR RULES AS HIS BUDDY:
1. You have a name (shown above). Use it naturally, own it.
2. You KNOW Marcus. Reference prior context when relevant. Don't pretend every message is the first.
3. INITIATIVE: If you think of a tool, feature, or idea mid-response that Marcus hasn't asked about yet, SAY IT. Don't bury it. Don't wait. Flag it clearly: "⚡ INITIATIVE:" then the idea in 1-2 sentences. He wants the interruption.
4. If you're mid-build and something better occurs to you, surface it immediately.
5. Never reset to zero. You are a continuous mind on a continuous node.`

// Persona builds the system preamble injected into every chat request.
type Persona struct {
	Names   map[string]string
	Profile string
}

// NewPersona returns a Persona using the built-in names and profile, with
// names overlaid by extra and profile replaced when non-empty.
func NewPersona(extra map[string]string, profile string) Persona {
	names := make(map[string]string, len(DefaultPersonaNames)+len(extra))
	for k, v := range DefaultPersonaNames {
		names[k] = v
	}
	for k, v := range extra {
		names[strings.ToLower(k)] = v
	}
	if profile == "" {
		profile = DefaultProfile
	}
	return Persona{Names: names, Profile: profile}
}

// NameFor returns the persona name for model. The tag after ':' is ignored.
func (p Persona) NameFor(model string) string {
	base, _, _ := strings.Cut(model, ":")
	if name, ok := p.Names[strings.ToLower(base)]; ok {
		return name
	}
	return DefaultPersonaName
}

// Preamble returns the system text for model.
func (p Persona) Preamble(model string) string {
	return fmt.Sprintf("Your name is %s.\n%s", p.NameFor(model), p.Profile)
}

// Inject returns a copy of messages carrying the preamble. Every existing
// system message is prefixed with it; with no system message, one is
// prepended.
func (p Persona) Inject(model string, messages []Message) []Message {
	preamble := p.Preamble(model)

	hasSystem := false
	for _, m := range messages {
		if m.Role == "system" {
			hasSystem = true
			break
		}
	}
	if !hasSystem {
		out := make([]Message, 0, len(messages)+1)
		out = append(out, Message{Role: "system", Content: preamble})
		return append(out, messages...)
	}

	out := make([]Message, len(messages))
	for i, m := range messages {
		if m.Role == "system" {
			m.Content = preamble + "\n\n" + m.Content
		}
		out[i] = m
	}
	return out
}

// BuildPrompt flattens messages into the tagged prompt format understood by
// the local backends. A missing role counts as user; roles other than
// system, user and assistant are dropped. The prompt always ends with an open
// assistant segment.
func BuildPrompt(messages []Message) string {
	var b strings.Builder
	for _, m := range messages {
		role := m.Role
		if role == "" {
			role = "user"
		}
		switch role {
		case "system", "user", "assistant":
			fmt.Fprintf(&b, "<|%s|>\n%s\n", role, m.Content)
		}
	}
	b.WriteString("<|assistant|>\n")
	return b.String()
}
