package shared

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPrinter(t *testing.T) {
	_, err := NewPrinter("  ")
	assert.Error(t, err)

	_, err = NewPrinter("  ", nil)
	assert.Error(t, err)
}

func TestPrinterIndents(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		ind      int
		expected string
	}{
		{name: "single line", input: "hello", ind: 1, expected: "│ hello\n"},
		{name: "multi line", input: "a\nb", ind: 2, expected: "│ │ a\n│ │ b\n"},
		{name: "blank lines stay blank", input: "a\n\nb", ind: 1, expected: "│ a\n\n│ b\n"},
		{name: "no indent", input: "x", ind: 0, expected: "x\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			p, err := NewPrinter("│ ", &buf)
			require.NoError(t, err)
			require.NoError(t, p.Writeln(tt.input, tt.ind))
			assert.Equal(t, tt.expected, buf.String())
		})
	}
}

func TestPrinterWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	p, err := NewPrinter("  ", &buf)
	require.NoError(t, err)

	require.NoError(t, p.WriteYAML(map[string]any{"name": "query_rooms"}, 1))
	assert.Equal(t, "  name: query_rooms\n", buf.String())
}
