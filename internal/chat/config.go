package chat

import "strings"

// visionModelTags lists model family substrings known to accept image content.
var visionModelTags = []string{
	"gpt-4", "claude-3", "gemini", "gemma", "llama", "pixtral", "mistral-small", "vision", "vl",
}

// AIConfig is the immutable per-invocation completion configuration.
type AIConfig struct {
	Provider     string
	Model        string
	BaseURL      string
	APIKey       string
	SystemPrompt string
	MaxText      int
	MaxImages    int
	MaxMessages  int
	// ExtraParams is merged into completion requests as-is.
	ExtraParams map[string]any
}

// AcceptsImages reports whether the model is a known vision-capable family.
func (c AIConfig) AcceptsImages() bool {
	model := strings.ToLower(c.Model)
	for _, tag := range visionModelTags {
		if strings.Contains(model, tag) {
			return true
		}
	}
	return false
}

// AcceptsNames reports whether the provider understands named participants.
func (c AIConfig) AcceptsNames() bool {
	return strings.Contains(strings.ToLower(c.Provider), "openai")
}
