package domain

import "time"

// MediaKind enumerates generation modalities. The kind selects which queue a
// job is dispatched to and which validation rules apply to its parameters.
type MediaKind string

const (
	MediaKindImage MediaKind = "IMAGE"
	MediaKindAudio MediaKind = "AUDIO"
)

// Valid reports whether the media kind is one the pipeline supports.
func (k MediaKind) Valid() bool {
	return k == MediaKindImage || k == MediaKindAudio
}

// QueueName returns the job queue a prompt of this kind dispatches to.
func (k MediaKind) QueueName() string {
	switch k {
	case MediaKindAudio:
		return "audio-generation"
	default:
		return "image-generation"
	}
}

// Prompt is a stored, reusable generation instruction with default
// parameters. Executions snapshot the prompt at dispatch time, so later
// prompt edits never affect jobs already in flight.
type Prompt struct {
	ID          string
	UserID      string
	Title       string
	Content     string
	Type        MediaKind
	Parameters  map[string]any
	Category    string
	UsageCount  int
	SuccessRate int
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// MergeParameters combines the prompt's default parameters with per-call
// overrides. Overrides win on key collision.
func (p *Prompt) MergeParameters(overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(p.Parameters)+len(overrides))
	for k, v := range p.Parameters {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}
