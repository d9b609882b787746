package email

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDisplayName(t *testing.T) {
	tests := []struct {
		name  string
		email string
		want  string
	}{
		{name: "first and last", email: "jane.doe@example.com", want: "Jane Doe"},
		{name: "single part", email: "reviewer@example.com", want: "Reviewer"},
		{name: "middle parts dropped", email: "a_b-c+d@example.com", want: "A D"},
		{name: "no local part", email: "@example.com", want: "Ambassador"},
		{name: "separators only", email: "..@example.com", want: "Ambassador"},
		{name: "empty", email: "", want: "Ambassador"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DisplayName(tt.email, "Ambassador"))
		})
	}
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, "jane@example.com", Normalize("  Jane@Example.COM "))
}
