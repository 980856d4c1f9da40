package ai

import "context"

// Role of a conversation turn.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Turn is one prior message carried explicitly for follow-up continuity.
type Turn struct {
	Role Role   `json:"role"`
	Text string `json:"text"`
}

// ImagePart is an image in the model's multimodal input format.
type ImagePart struct {
	MimeType string `json:"mime_type"`
	Data     []byte `json:"-"`
	DataURI  string `json:"-"`
}

// GenerationRequest is an immutable, self-contained request. The model keeps no
// conversation memory; everything needed travels in PriorTurns.
type GenerationRequest struct {
	System     string
	Prompt     string
	Images     []ImagePart
	PriorTurns []Turn
}

// FragmentStream is an open streaming response. Recv returns io.EOF after the
// explicit end marker.
type FragmentStream interface {
	Recv() (string, error)
	Close() error
}

// Model is the language-model capability.
type Model interface {
	Stream(ctx context.Context, req GenerationRequest) (FragmentStream, error)
}

// OCR extracts plain text from one image.
type OCR interface {
	ExtractText(ctx context.Context, img ImagePart) (string, error)
}
