package graph

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/repo/core"
)

func TestValueCodecKeepsGoTypes(t *testing.T) {
	ref := core.NodeRef{Store: core.StoreRef{Protocol: "workspace", Identifier: "SpacesStore"}, ID: "abc"}
	when := time.Date(2024, 5, 1, 12, 30, 0, 0, time.UTC)

	tests := []struct {
		name string
		in   any
		want any
	}{
		{"string", "monkey", "monkey"},
		{"bool", true, true},
		{"int32", int32(7), int32(7)},
		{"int widened", 7, int64(7)},
		{"float64", 2.5, 2.5},
		{"time", when, when},
		{"noderef", ref, ref},
		{"qname", tq("animal"), tq("animal")},
		{"content", core.ContentData{URL: "store://x", MimeType: "text/plain", Size: 3}, core.ContentData{URL: "store://x", MimeType: "text/plain", Size: 3}},
		{"list", []string{"a", "b"}, []any{"a", "b"}},
		{"mixed list", []any{int32(1), "x"}, []any{int32(1), "x"}},
		{"nil", nil, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			enc, err := encodeValue(tt.in)
			require.NoError(t, err)
			got, err := decodeValue(enc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestIndexTexts(t *testing.T) {
	assert.Equal(t, []string{"first", "second"}, indexTexts([]any{"first", "second"}))
	assert.Equal(t, []string{"12"}, indexTexts(int64(12)))
	assert.Empty(t, indexTexts(nil))
}
