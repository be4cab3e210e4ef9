package llm

import (
	"testing"
)

func TestStatusError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      StatusError
		expected string
	}{
		{
			name:     "status only",
			err:      StatusError{StatusCode: 502, Status: "502 Bad Gateway"},
			expected: "ollama request failed: 502 Bad Gateway",
		},
		{
			name:     "status with body",
			err:      StatusError{StatusCode: 404, Status: "404 Not Found", Body: `{"error":"model not found"}`},
			expected: `ollama request failed: 404 Not Found {"error":"model not found"}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Error() != tt.expected {
				t.Errorf("expected error message '%s', got '%s'", tt.expected, tt.err.Error())
			}
		})
	}
}

func TestStreamError_Error(t *testing.T) {
	err := StreamError{Message: "model crashed"}
	if err.Error() != "ollama stream error: model crashed" {
		t.Errorf("unexpected error message: %s", err.Error())
	}
}
