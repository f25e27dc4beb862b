package core

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseNodeRef(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    NodeRef
		wantErr bool
	}{
		{
			name:  "workspace ref",
			input: "workspace://SpacesStore/abc-123",
			want:  NodeRef{Store: StoreRef{Protocol: "workspace", Identifier: "SpacesStore"}, ID: "abc-123"},
		},
		{
			name:  "identifier with slash",
			input: "avm://main/site/node",
			want:  NodeRef{Store: StoreRef{Protocol: "avm", Identifier: "main/site"}, ID: "node"},
		},
		{name: "missing protocol", input: "SpacesStore/abc", wantErr: true},
		{name: "missing id", input: "workspace://SpacesStore/", wantErr: true},
		{name: "missing store", input: "workspace:///abc", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseNodeRef(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, ErrInvalidNodeRef))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.input, got.String())
		})
	}
}

func TestParseQName(t *testing.T) {
	q, err := ParseQName("{http://example.com/model}animal")
	require.NoError(t, err)
	assert.Equal(t, QName{Namespace: "http://example.com/model", Local: "animal"}, q)
	assert.Equal(t, "{http://example.com/model}animal", q.String())

	q, err = ParseQName("plain")
	require.NoError(t, err)
	assert.Equal(t, QName{Local: "plain"}, q)

	_, err = ParseQName("{broken")
	assert.ErrorIs(t, err, ErrInvalidQName)
	_, err = ParseQName("")
	assert.ErrorIs(t, err, ErrInvalidQName)
}

func TestChildAssocRefComparable(t *testing.T) {
	root := NodeRef{Store: StoreRef{Protocol: "workspace", Identifier: "test"}, ID: "root"}
	a := RootAssoc(root)
	b := RootAssoc(root)

	seen := map[ChildAssocRef]bool{a: true}
	assert.True(t, seen[b])
	assert.True(t, a.IsRoot())
}

func TestValueString(t *testing.T) {
	ts := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	assert.Equal(t, "42", ValueString(int64(42)))
	assert.Equal(t, "true", ValueString(true))
	assert.Equal(t, "1.5", ValueString(1.5))
	assert.Equal(t, "2024-03-01T12:00:00Z", ValueString(ts))
	assert.Equal(t, "", ValueString(nil))
	assert.Len(t, Values([]any{"a", "b"}), 2)
	assert.Len(t, Values("a"), 1)
	assert.Empty(t, Values(nil))
}
