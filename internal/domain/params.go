package domain

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
)

// Prompt length ceilings per modality.
const (
	MaxImagePromptLength = 4000
	MaxAudioPromptLength = 2000
)

var paramsValidator = validator.New(validator.WithRequiredStructEnabled())

// ImageParams are the validated generation knobs for image jobs. Extra holds
// provider-specific values that round-trip without validation.
type ImageParams struct {
	Size    string         `json:"size" validate:"required,oneof=256x256 512x512 1024x1024 1792x1024 1024x1792"`
	Quality string         `json:"quality" validate:"required,oneof=standard hd"`
	Style   string         `json:"style" validate:"required,oneof=vivid natural"`
	Extra   map[string]any `json:"extra,omitempty"`
}

// AudioParams are the validated generation knobs for audio jobs.
type AudioParams struct {
	Duration    int            `json:"duration" validate:"required,min=5,max=300"`
	Genre       string         `json:"genre,omitempty"`
	Mood        string         `json:"mood,omitempty"`
	Instruments []string       `json:"instruments,omitempty"`
	Extra       map[string]any `json:"extra,omitempty"`
}

// ImageParamsFromMap applies defaults and extracts typed image parameters
// from a merged parameter map.
func ImageParamsFromMap(m map[string]any) ImageParams {
	p := ImageParams{Size: "1024x1024", Quality: "standard", Style: "vivid"}
	for k, v := range m {
		switch k {
		case "size":
			if s, ok := v.(string); ok && s != "" {
				p.Size = s
			}
		case "quality":
			if s, ok := v.(string); ok && s != "" {
				p.Quality = s
			}
		case "style":
			if s, ok := v.(string); ok && s != "" {
				p.Style = s
			}
		default:
			if p.Extra == nil {
				p.Extra = map[string]any{}
			}
			p.Extra[k] = v
		}
	}
	return p
}

// AudioParamsFromMap applies defaults and extracts typed audio parameters
// from a merged parameter map. JSON round-trips hand numbers back as
// float64, so duration accepts both forms.
func AudioParamsFromMap(m map[string]any) AudioParams {
	p := AudioParams{Duration: 60}
	for k, v := range m {
		switch k {
		case "duration":
			switch n := v.(type) {
			case int:
				p.Duration = n
			case float64:
				p.Duration = int(n)
			}
		case "genre":
			if s, ok := v.(string); ok {
				p.Genre = s
			}
		case "mood":
			if s, ok := v.(string); ok {
				p.Mood = s
			}
		case "instruments":
			switch vs := v.(type) {
			case []string:
				p.Instruments = vs
			case []any:
				for _, item := range vs {
					if s, ok := item.(string); ok {
						p.Instruments = append(p.Instruments, s)
					}
				}
			}
		default:
			if p.Extra == nil {
				p.Extra = map[string]any{}
			}
			p.Extra[k] = v
		}
	}
	return p
}

// Map renders the params back into the flat form stored on execution results.
func (p ImageParams) Map() map[string]any {
	out := map[string]any{"size": p.Size, "quality": p.Quality, "style": p.Style}
	for k, v := range p.Extra {
		out[k] = v
	}
	return out
}

// Map renders the params back into the flat form stored on execution results.
func (p AudioParams) Map() map[string]any {
	out := map[string]any{"duration": p.Duration}
	if p.Genre != "" {
		out["genre"] = p.Genre
	}
	if p.Mood != "" {
		out["mood"] = p.Mood
	}
	if len(p.Instruments) > 0 {
		out["instruments"] = p.Instruments
	}
	for k, v := range p.Extra {
		out[k] = v
	}
	return out
}

// Validate checks the typed fields, returning ErrInvalidParameters with a
// user-facing message on failure. Invalid parameters are a permanent job
// failure, never retried.
func (p ImageParams) Validate() error {
	if err := paramsValidator.Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidParameters, imageParamsMessage(err))
	}
	return nil
}

// Validate checks the typed fields, returning ErrInvalidParameters with a
// user-facing message on failure.
func (p AudioParams) Validate() error {
	if err := paramsValidator.Struct(p); err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidParameters, audioParamsMessage(err))
	}
	return nil
}

// ValidatePrompt enforces the shared prompt constraints for a modality.
func ValidatePrompt(kind MediaKind, prompt string) error {
	if prompt == "" {
		return fmt.Errorf("%w: Prompt is required", ErrInvalidParameters)
	}
	max := MaxImagePromptLength
	if kind == MediaKindAudio {
		max = MaxAudioPromptLength
	}
	if len(prompt) > max {
		return fmt.Errorf("%w: Prompt too long (max %d characters)", ErrInvalidParameters, max)
	}
	return nil
}

func imageParamsMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		switch verrs[0].Field() {
		case "Size":
			return "Invalid image size"
		case "Quality":
			return "Invalid image quality"
		case "Style":
			return "Invalid image style"
		}
	}
	return "Invalid image parameters"
}

func audioParamsMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		if verrs[0].Field() == "Duration" {
			return "Duration must be between 5 and 300 seconds"
		}
	}
	return "Invalid audio parameters"
}
