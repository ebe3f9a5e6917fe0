package plaintext

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew(t *testing.T) {
	normaliser := New()
	require.NotNil(t, normaliser)
	assert.IsType(t, &Normaliser{}, normaliser)
}

func TestNormalise(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", ""},
		{"unchanged", "Attention is all you need.", "Attention is all you need."},
		{"crlf", "line one\r\nline two", "line one\nline two"},
		{"bare cr", "line one\rline two", "line one\nline two"},
		{"trailing spaces", "alpha   \nbeta\t\n", "alpha\nbeta"},
		{"keeps paragraph breaks", "alpha\n\nbeta", "alpha\n\nbeta"},
		{"collapses blank runs", "alpha\n\n\n\n\nbeta", "alpha\n\nbeta"},
		{"whitespace-only lines are blank", "alpha\n   \n \t \nbeta", "alpha\n\nbeta"},
		{"control characters", "al\x00pha\x07 be\x1bta", "alpha beta"},
		{"keeps tabs", "col1\tcol2", "col1\tcol2"},
		{"byte order mark", "\uFEFFTitle", "Title"},
		{"replacement characters", "broken \uFFFD glyph", "broken  glyph"},
		{"leading and trailing newlines", "\n\nalpha\n\n", "alpha"},
		{"composes unicode", "re\u0301sume\u0301", "r\u00e9sum\u00e9"},
	}

	normaliser := New()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, normaliser.Normalise(tt.in))
		})
	}
}

func TestNormalise_IsIdempotent(t *testing.T) {
	normaliser := New()
	in := "\uFEFFTitle\r\n\r\n\r\nBody  text\x00 here \n\n\nEnd"

	once := normaliser.Normalise(in)

	assert.Equal(t, once, normaliser.Normalise(once))
	assert.Equal(t, "Title\n\nBody  text here\n\nEnd", once)
}
