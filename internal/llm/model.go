package llm

import (
	"fmt"
	"strings"
)

// visionModelTags mark model names that accept image input.
var visionModelTags = []string{"gpt-4o", "claude-3", "gemini", "pixtral", "llava", "vision", "vl"}

// providersSupportingUsernames accept the "name" field on chat messages.
var providersSupportingUsernames = []string{"openai", "x-ai"}

// ParseModel splits "provider/model" into its parts. The model part may itself
// contain slashes.
func ParseModel(spec string) (provider, model string, err error) {
	provider, model, ok := strings.Cut(spec, "/")
	if !ok || provider == "" || model == "" {
		return "", "", fmt.Errorf("model %q is not of the form provider/model", spec)
	}
	return provider, model, nil
}

// AcceptsImages reports whether the model is known to take image input.
func AcceptsImages(model string) bool {
	lower := strings.ToLower(model)
	for _, tag := range visionModelTags {
		if strings.Contains(lower, tag) {
			return true
		}
	}
	return false
}

// AcceptsUsernames reports whether the provider honours per-message names.
func AcceptsUsernames(provider string) bool {
	lower := strings.ToLower(provider)
	for _, p := range providersSupportingUsernames {
		if strings.Contains(lower, p) {
			return true
		}
	}
	return false
}
