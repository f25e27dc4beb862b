package namespace

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/repo/core"
)

const testURI = "http://www.alfresco.org/test/1.0"

func TestDynamicResolver(t *testing.T) {
	parent := Standard()
	r := NewDynamicResolver(parent)
	r.Register("test", testURI)

	uri, err := r.NamespaceURI("test")
	require.NoError(t, err)
	assert.Equal(t, testURI, uri)

	uri, err = r.NamespaceURI("cm")
	require.NoError(t, err)
	assert.Equal(t, ContentURI, uri)

	_, err = r.NamespaceURI("nope")
	assert.ErrorIs(t, err, ErrUnknownPrefix)

	assert.Equal(t, []string{"test"}, r.Prefixes(testURI))
	assert.Contains(t, r.Bindings(), "sys")

	r.Unregister("test")
	_, err = r.NamespaceURI("test")
	assert.ErrorIs(t, err, ErrUnknownPrefix)
}

func TestParseAndShortName(t *testing.T) {
	r := Standard()
	r.Register("test", testURI)

	tests := []struct {
		input string
		want  core.QName
	}{
		{"test:animal", core.QName{Namespace: testURI, Local: "animal"}},
		{"{" + testURI + "}animal", core.QName{Namespace: testURI, Local: "animal"}},
		{"bare", core.QName{Local: "bare"}},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := ParseQName(tt.input, r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}

	short, err := ShortName(core.QName{Namespace: testURI, Local: "animal"}, r)
	require.NoError(t, err)
	assert.Equal(t, "test:animal", short)

	_, err = ShortName(core.QName{Namespace: "urn:unknown", Local: "x"}, r)
	assert.ErrorIs(t, err, ErrUnknownURI)

	_, err = ParseQName("missing:local", r)
	assert.ErrorIs(t, err, ErrUnknownPrefix)
}

func TestISO9075(t *testing.T) {
	tests := []struct {
		decoded string
		encoded string
	}{
		{"plain", "plain"},
		{"two words", "two_x0020_words"},
		{"1st", "_x0031_st"},
		{"a:b", "a_x003A_b"},
		{"_x0020_", "_x005F_x0020_"},
		{"under_score", "under_score"},
	}
	for _, tt := range tests {
		t.Run(tt.decoded, func(t *testing.T) {
			assert.Equal(t, tt.encoded, EncodeISO9075(tt.decoded))
			assert.Equal(t, tt.decoded, DecodeISO9075(tt.encoded))
		})
	}

	awkward := " `!\"$%^&*()-_=+[]{};'#:@~,./<>?|"
	assert.Equal(t, awkward, DecodeISO9075(EncodeISO9075(awkward)))
}
