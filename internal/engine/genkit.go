package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/firebase/genkit/go/ai"
	"github.com/firebase/genkit/go/genkit"
	"github.com/firebase/genkit/go/plugins/anthropic"
	"github.com/firebase/genkit/go/plugins/compat_oai"
	"github.com/firebase/genkit/go/plugins/googlegenai"

	"github.com/basket/skillforge/internal/catalog"
	sfotel "github.com/basket/skillforge/internal/otel"
	"github.com/basket/skillforge/internal/synthesizer"
)

// parseRetries bounds re-prompting when a model response fails to parse as a
// structured decision.
const parseRetries = 2

// BackendConfig selects and configures the LLM provider behind the loop.
type BackendConfig struct {
	// Provider is one of "google", "anthropic", "openai",
	// "openai_compatible", "openrouter". Empty defaults to "google".
	Provider string
	Model    string
	APIKey   string

	// OpenAICompatible config.
	OpenAICompatibleProvider string
	OpenAICompatibleBaseURL  string
}

// GenkitBackend implements Backend on top of a Genkit instance. With no API
// key configured it stays up but refuses to decide, so the loop fails fast
// with a clear reason instead of hanging on a dead transport.
type GenkitBackend struct {
	g     *genkit.Genkit
	cfg   BackendConfig
	llmOn bool
	log   *slog.Logger
}

// NewGenkitBackend initializes Genkit with the configured provider.
func NewGenkitBackend(ctx context.Context, cfg BackendConfig, log *slog.Logger) *GenkitBackend {
	if log == nil {
		log = slog.Default()
	}
	provider := strings.ToLower(strings.TrimSpace(cfg.Provider))
	if provider == "" {
		provider = "google"
	}
	cfg.Provider = provider

	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = defaultModelForProvider(provider)
	}
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		apiKey = envAPIKeyForProvider(provider)
	}

	var g *genkit.Genkit
	llmOn := false

	switch provider {
	case "anthropic":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&anthropic.Anthropic{
				APIKey:  apiKey,
				BaseURL: os.Getenv("ANTHROPIC_BASE_URL"),
			}))
			llmOn = true
			log.Info("genkit backend initialized", "provider", "anthropic", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			log.Warn("Anthropic API key missing; backend disabled")
		}

	case "openai":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openai",
				APIKey:   apiKey,
				BaseURL:  os.Getenv("OPENAI_BASE_URL"),
			}))
			llmOn = true
			log.Info("genkit backend initialized", "provider", "openai", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			log.Warn("OpenAI API key missing; backend disabled")
		}

	case "openai_compatible":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: cfg.OpenAICompatibleProvider,
				APIKey:   apiKey,
				BaseURL:  cfg.OpenAICompatibleBaseURL,
			}))
			llmOn = true
			log.Info("genkit backend initialized", "provider", "openai_compatible", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			log.Warn("OpenAI compatible API key missing; backend disabled")
		}

	case "openrouter":
		if apiKey != "" {
			g = genkit.Init(ctx, genkit.WithPlugins(&compat_oai.OpenAICompatible{
				Provider: "openrouter",
				APIKey:   apiKey,
				BaseURL:  "https://openrouter.ai/api/v1",
			}))
			llmOn = true
			log.Info("genkit backend initialized", "provider", "openrouter", "model", cfg.Model)
		} else {
			g = genkit.Init(ctx)
			log.Warn("OpenRouter API key missing; backend disabled")
		}

	default:
		if apiKey != "" {
			_ = os.Setenv("GEMINI_API_KEY", apiKey)
			g = genkit.Init(ctx,
				genkit.WithPlugins(&googlegenai.GoogleAI{}),
				genkit.WithDefaultModel("googleai/"+cfg.Model),
			)
			llmOn = true
			log.Info("genkit backend initialized", "provider", "google", "model", "googleai/"+cfg.Model)
		} else {
			g = genkit.Init(ctx)
			log.Warn("Google API key missing; backend disabled")
		}
	}

	return &GenkitBackend{g: g, cfg: cfg, llmOn: llmOn, log: log}
}

func defaultModelForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return "claude-sonnet-4-5-20250929"
	case "openai", "openai_compatible":
		return "gpt-4o"
	case "openrouter":
		return "anthropic/claude-sonnet-4-5-20250929"
	default:
		return "gemini-2.5-flash"
	}
}

func envAPIKeyForProvider(provider string) string {
	switch provider {
	case "anthropic":
		return os.Getenv("ANTHROPIC_API_KEY")
	case "openai", "openai_compatible":
		return os.Getenv("OPENAI_API_KEY")
	case "openrouter":
		return os.Getenv("OPENROUTER_API_KEY")
	default:
		if k := os.Getenv("GEMINI_API_KEY"); k != "" {
			return k
		}
		return os.Getenv("GOOGLE_API_KEY")
	}
}

func modelNameForProvider(provider, model string) string {
	switch provider {
	case "anthropic":
		return "anthropic/" + model
	case "openai":
		return "openai/" + model
	case "openai_compatible", "openrouter":
		return model
	default:
		return "googleai/" + model
	}
}

// Decide asks the model for the next loop step and parses the structured
// answer. Responses that fail schema validation are re-prompted with the
// parse error, up to parseRetries times.
func (b *GenkitBackend) Decide(ctx context.Context, req DecideRequest) (Decision, error) {
	if !b.llmOn {
		return Decision{}, fmt.Errorf("no API key configured for provider %q", b.cfg.Provider)
	}

	system := decideSystemPrompt(req)
	prompt := decidePrompt(req)

	var lastErr error
	for attempt := 0; attempt <= parseRetries; attempt++ {
		p := prompt
		if lastErr != nil {
			p = prompt + "\n\nYour previous response was rejected: " + lastErr.Error() +
				"\nRespond with a single JSON object matching the required shape."
		}
		raw, err := b.generate(ctx, "backend.decide", system, p, req.Transcript)
		if err != nil {
			return Decision{}, err
		}
		dec, err := ParseDecision(raw)
		if err == nil {
			return dec, nil
		}
		lastErr = err
		b.log.Warn("decision parse failed", "session_id", req.SessionID, "attempt", attempt+1, "error", err)
	}
	return Decision{}, fmt.Errorf("backend returned no valid decision after %d attempts: %w", parseRetries+1, lastErr)
}

// DraftSkill asks the model for a complete SKILL.md document. Feedback from a
// prior rejection is fed back into the prompt so the next draft can avoid the
// same violation.
func (b *GenkitBackend) DraftSkill(ctx context.Context, req synthesizer.Request, feedback string) (catalog.SkillMD, error) {
	if !b.llmOn {
		return catalog.SkillMD{}, fmt.Errorf("no API key configured for provider %q", b.cfg.Provider)
	}

	prompt := draftPrompt(req, feedback)

	var lastErr error
	for attempt := 0; attempt <= parseRetries; attempt++ {
		p := prompt
		if lastErr != nil {
			p = prompt + "\n\nYour previous document was rejected: " + lastErr.Error()
		}
		raw, err := b.generate(ctx, "backend.draft", draftSystemPrompt, p, nil)
		if err != nil {
			return catalog.SkillMD{}, err
		}
		md, err := catalog.ParseSkillMD([]byte(extractSkillDoc(raw)))
		if err == nil {
			return md, nil
		}
		lastErr = err
		b.log.Warn("skill draft parse failed", "skill", req.Name, "attempt", attempt+1, "error", err)
	}
	return catalog.SkillMD{}, fmt.Errorf("backend produced no valid skill document after %d attempts: %w", parseRetries+1, lastErr)
}

func (b *GenkitBackend) generate(ctx context.Context, spanName, system, prompt string, transcript []Turn) (string, error) {
	modelName := modelNameForProvider(b.cfg.Provider, b.cfg.Model)
	ctx, span := sfotel.StartClientSpan(ctx, spanName, sfotel.AttrModel.String(modelName))
	defer span.End()

	// Escape % characters to prevent fmt corruption in ai.WithSystem.
	system = strings.ReplaceAll(system, "%", "%%")

	opts := []ai.GenerateOption{
		ai.WithModelName(modelName),
		ai.WithSystem(system),
		ai.WithPrompt(prompt),
	}
	if msgs := transcriptToMessages(transcript); len(msgs) > 0 {
		opts = append(opts, ai.WithMessages(msgs...))
	}

	resp, err := genkit.Generate(ctx, b.g, opts...)
	if err != nil {
		return "", fmt.Errorf("genkit generate: %w", err)
	}
	return resp.Text(), nil
}

// transcriptToMessages converts loop turns to Genkit messages. Thoughts and
// actions come from the model; observations are what the runtime fed back.
func transcriptToMessages(transcript []Turn) []*ai.Message {
	var msgs []*ai.Message
	for _, turn := range transcript {
		var role ai.Role
		var content string
		switch turn.Role {
		case "thought":
			role, content = ai.RoleModel, turn.Content
		case "action":
			role, content = ai.RoleModel, fmt.Sprintf("invoked %s with args %s", turn.Tool, turn.Content)
		case "observation":
			role, content = ai.RoleUser, "Observation: "+turn.Content
		default:
			continue
		}
		if strings.TrimSpace(content) == "" {
			continue
		}
		msgs = append(msgs, &ai.Message{
			Role:    role,
			Content: []*ai.Part{ai.NewTextPart(content)},
		})
	}
	return msgs
}

func decideSystemPrompt(req DecideRequest) string {
	var sb strings.Builder
	sb.WriteString(`You are the planner of an autonomous skill runtime. Each turn you pick exactly one action and answer with a single JSON object:

{"thought": "...", "action": "use_skill" | "synthesize_skill" | "finish" | "fail", "skill": "...", "args": {...}, "new_skill": {"name": "...", "purpose": "..."}, "result": "..."}

Rules:
- "use_skill" runs an existing skill: set "skill" and "args".
- "synthesize_skill" creates a skill that does not exist yet: set "new_skill".
- "finish" ends the task successfully: put the answer in "result".
- "fail" gives up: put the reason in "result".
Prefer existing skills over synthesizing new ones. No prose outside the JSON object.`)

	if len(req.Skills) > 0 {
		sb.WriteString("\n\nAvailable skills:\n")
		for _, m := range req.Skills {
			fmt.Fprintf(&sb, "- %s: %s\n", m.Name, m.Description)
		}
	}
	if len(req.Matches) > 0 {
		sb.WriteString("\nMost relevant to the task: ")
		names := make([]string, 0, len(req.Matches))
		for _, m := range req.Matches {
			names = append(names, m.Name)
		}
		sb.WriteString(strings.Join(names, ", "))
	}
	return sb.String()
}

func decidePrompt(req DecideRequest) string {
	return fmt.Sprintf("Task: %s\n\nIteration %d. Decide the next step.", req.Task, req.Iteration)
}

const draftSystemPrompt = `You write skill definitions for an autonomous runtime. A skill is a single SKILL.md document: YAML frontmatter between --- markers (fields: name, description, kind, optional params), then a markdown body with the instructions. kind is "instruction" for guidance the agent follows itself, or "script" when the body carries one fenced sh block to execute.

Constraints:
- The description must state concretely when the skill applies.
- Script bodies must not spawn interpreters, import subprocess/os.system, or write outside the workspace.
- Respond with the raw SKILL.md document only, optionally inside one fenced block.`

func draftPrompt(req synthesizer.Request, feedback string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write a SKILL.md for a skill named %q.", req.Name)
	if strings.TrimSpace(req.Purpose) != "" {
		fmt.Fprintf(&sb, "\nPurpose: %s", req.Purpose)
	}
	if strings.TrimSpace(req.Context) != "" {
		fmt.Fprintf(&sb, "\nTask context: %s", req.Context)
	}
	if strings.TrimSpace(feedback) != "" {
		fmt.Fprintf(&sb, "\n\nA previous draft was rejected by the protection policy:\n%s\nProduce a compliant draft.", feedback)
	}
	return sb.String()
}

// extractSkillDoc unwraps a fenced response down to the raw SKILL.md text.
func extractSkillDoc(raw string) string {
	text := strings.TrimSpace(raw)
	for _, marker := range []string{"```markdown", "```md", "```"} {
		if !strings.HasPrefix(text, marker) {
			continue
		}
		rest := strings.TrimPrefix(text, marker)
		if end := strings.LastIndex(rest, "```"); end >= 0 {
			return strings.TrimSpace(rest[:end])
		}
	}
	return text
}
