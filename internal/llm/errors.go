package llm

import (
	"errors"
	"fmt"
)

var ErrEmptyModel = errors.New("missing model for chat request")

type StatusError struct {
	StatusCode int
	Status     string
	Body       string
}

func (e StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("ollama request failed: %s", e.Status)
	}
	return fmt.Sprintf("ollama request failed: %s %s", e.Status, e.Body)
}

// StreamError is reported by the model server inside an otherwise successful stream.
type StreamError struct {
	Message string
}

func (e StreamError) Error() string {
	return fmt.Sprintf("ollama stream error: %s", e.Message)
}
