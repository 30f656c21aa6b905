// Package transform renders the reply image: either through the
// external image-generation service or a direct profile-image
// passthrough for the placeholder pipeline.
package transform

import (
	"context"
	"fmt"
)

// Pipeline modes
const (
	PipelineAI          = "ai"
	PipelinePlaceholder = "placeholder"
)

// prompt is the fixed instruction sent with every generation request
const prompt = "Transform the person in the second image into a crying baby " +
	"rendered in the art style of the first image. Keep the face recognizable. " +
	"Bold colors, clean background."

// Renderer produces the reply image for one target profile picture
type Renderer interface {
	Render(ctx context.Context, pfpURL string) ([]byte, error)
}

// Error reports a failed transform. PredictionID is set when the
// remote job was created before failing.
type Error struct {
	Message      string
	PredictionID string
}

func (e *Error) Error() string {
	if e.PredictionID != "" {
		return fmt.Sprintf("transform failed: %s (prediction %s)", e.Message, e.PredictionID)
	}
	return "transform failed: " + e.Message
}
