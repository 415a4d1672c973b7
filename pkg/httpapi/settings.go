package httpapi

import (
	"net/http"

	"github.com/sipeed/picoclaw/pkg/cerr"
	"github.com/sipeed/picoclaw/pkg/config"
	"github.com/sipeed/picoclaw/pkg/providers"
	"github.com/sipeed/picoclaw/pkg/tools"
)

const redactedSecret = "••••••••"

// handleSettings serves GET/PUT /api/settings, a snapshot of the
// mutable runtime config. GET redacts provider API keys; PUT applies a
// partial update to the server's *config.Config in place. The change is
// seen by later reads of that struct (GET, test-connection); the agent
// loop copied its model and persona settings when it was constructed
// and keeps them until restart.
func (s *Server) handleSettings(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, redactedSettings(s.cfg))
	case http.MethodPut:
		s.updateSettings(w, r)
	default:
		writeError(w, cerr.New(cerr.InvalidInput, "GET or PUT required"))
	}
}

// redactedSettings renders the subset of config a control panel would
// show and let an operator edit, with provider API keys replaced by a
// fixed placeholder so a GET never leaks a secret back out.
func redactedSettings(cfg *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"model":        cfg.Agents.Defaults.Model,
		"temperature":  cfg.Agents.Defaults.Temperature,
		"max_tokens":   cfg.Agents.Defaults.MaxTokens,
		"ai_name":      cfg.Persona.AIName,
		"user_name":    cfg.Persona.UserName,
		"personality":  cfg.Persona.Personality,
		"workspace":    cfg.WorkspacePath(),
		"http_host":    cfg.HTTP.Host,
		"http_port":    cfg.HTTP.Port,
		"providers": map[string]bool{
			"openrouter": cfg.Providers.OpenRouter.APIKey != "",
			"anthropic":  cfg.Providers.Anthropic.APIKey != "",
			"openai":     cfg.Providers.OpenAI.APIKey != "",
			"gemini":     cfg.Providers.Gemini.APIKey != "",
		},
		"api_key_placeholder": redactedSecret,
	}
}

type settingsUpdateRequest struct {
	Model       *string  `json:"model"`
	Temperature *float64 `json:"temperature"`
	MaxTokens   *int     `json:"max_tokens"`
	AIName      *string  `json:"ai_name"`
	Personality *string  `json:"personality"`
}

func (s *Server) updateSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsUpdateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, cerr.Wrap(cerr.InvalidInput, "malformed request body", err))
		return
	}
	if req.Model != nil {
		s.cfg.Agents.Defaults.Model = *req.Model
	}
	if req.Temperature != nil {
		s.cfg.Agents.Defaults.Temperature = *req.Temperature
	}
	if req.MaxTokens != nil {
		s.cfg.Agents.Defaults.MaxTokens = *req.MaxTokens
	}
	if req.AIName != nil {
		s.cfg.Persona.AIName = *req.AIName
	}
	if req.Personality != nil {
		s.cfg.Persona.Personality = *req.Personality
	}
	writeJSON(w, http.StatusOK, redactedSettings(s.cfg))
}

// handleSettingsTestConnection serves POST /api/settings/test-connection:
// builds a provider from the current config and sends a trivial chat
// request, reporting success/failure without touching session state.
func (s *Server) handleSettingsTestConnection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, cerr.New(cerr.InvalidInput, "POST required"))
		return
	}
	provider, err := providers.CreateProvider(s.cfg)
	if err != nil {
		writeError(w, cerr.Wrap(cerr.InvalidInput, "failed to construct provider", err))
		return
	}
	resp, err := provider.Chat(r.Context(), []providers.Message{
		{Role: "user", Content: "ping"},
	}, nil, provider.GetDefaultModel(), map[string]interface{}{"max_tokens": 8})
	if err != nil {
		writeError(w, cerr.Wrap(cerr.ServiceUnavailable, "provider connection test failed", err))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"success": true,
		"model":   provider.GetDefaultModel(),
		"sample":  resp.Content,
	})
}

// handleSettingsProviders serves GET /api/settings/providers: which
// provider slots have a non-empty API key configured (never the keys
// themselves).
func (s *Server) handleSettingsProviders(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, cerr.New(cerr.InvalidInput, "GET required"))
		return
	}
	configured := map[string]bool{
		"openrouter": s.cfg.Providers.OpenRouter.APIKey != "",
		"anthropic":  s.cfg.Providers.Anthropic.APIKey != "",
		"openai":     s.cfg.Providers.OpenAI.APIKey != "",
		"gemini":     s.cfg.Providers.Gemini.APIKey != "",
		"zhipu":      s.cfg.Providers.Zhipu.APIKey != "",
		"groq":       s.cfg.Providers.Groq.APIKey != "",
		"modal":      s.cfg.Providers.Modal.APIKey != "",
		"vllm":       s.cfg.Providers.VLLM.APIKey != "",
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"providers":      configured,
		"default_model":  s.cfg.Agents.Defaults.Model,
	})
}

// handleDangerousPatterns serves
// GET /api/settings/security/dangerous-patterns.
func (s *Server) handleDangerousPatterns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, cerr.New(cerr.InvalidInput, "GET required"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"patterns":                  tools.DefaultDangerousPatterns(),
		"dangerous_commands_blocked": s.cfg.Tools.Security.DangerousCommandsBlocked,
		"restrict_to_workspace":     s.cfg.Tools.Security.RestrictToWorkspace,
	})
}
