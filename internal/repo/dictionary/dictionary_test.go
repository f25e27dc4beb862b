package dictionary

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/systemshift/contentrepo/internal/repo/core"
	"github.com/systemshift/contentrepo/internal/repo/namespace"
)

const testModel = `
namespaces:
  - prefix: test
    uri: http://www.alfresco.org/test/1.0
types:
  - name: test:content
    parent: cm:content
    properties:
      - name: test:animal
        type: d:text
  - name: test:special
    parent: test:content
aspects:
  - name: test:marker
`

func newTestDictionary(t *testing.T) *Dictionary {
	t.Helper()
	d, err := New(namespace.NewDynamicResolver(nil))
	require.NoError(t, err)
	require.NoError(t, d.LoadModel(strings.NewReader(testModel)))
	return d
}

func TestIsSubClass(t *testing.T) {
	d := newTestDictionary(t)
	q := func(s string) core.QName {
		n, err := namespace.ParseQName(s, d.Resolver())
		require.NoError(t, err)
		return n
	}

	tests := []struct {
		class, of string
		want      bool
	}{
		{"test:special", "test:content", true},
		{"test:special", "cm:content", true},
		{"test:special", "sys:base", true},
		{"test:content", "test:content", true},
		{"cm:folder", "test:content", false},
		{"test:content", "test:special", false},
		{"test:marker", "sys:base", false},
	}
	for _, tt := range tests {
		t.Run(tt.class+" of "+tt.of, func(t *testing.T) {
			assert.Equal(t, tt.want, d.IsSubClass(q(tt.class), q(tt.of)))
		})
	}

	subs := d.SubTypes(q("cm:content"), true)
	assert.Contains(t, subs, q("test:special"))
	direct := d.SubTypes(q("cm:content"), false)
	assert.NotContains(t, direct, q("test:special"))
}

func TestLoadModelRejectsUndefinedParent(t *testing.T) {
	d := newTestDictionary(t)
	err := d.LoadModel(strings.NewReader(`
types:
  - name: test:orphan
    parent: test:missing
`))
	assert.ErrorIs(t, err, ErrInvalidModel)
	_, ok := d.Class(core.QName{Namespace: "http://www.alfresco.org/test/1.0", Local: "orphan"})
	assert.False(t, ok)
}

func TestLoadModelRejectsUnknownDataType(t *testing.T) {
	d := newTestDictionary(t)
	err := d.LoadModel(strings.NewReader(`
types:
  - name: test:odd
    properties:
      - name: test:weird
        type: d:nonsense
`))
	assert.ErrorIs(t, err, ErrUnknownDataType)
}

func TestConvert(t *testing.T) {
	d := newTestDictionary(t)

	v, err := d.Convert(TypeInt, "42")
	require.NoError(t, err)
	assert.Equal(t, int32(42), v)

	v, err = d.Convert(TypeLong, "9000000000")
	require.NoError(t, err)
	assert.Equal(t, int64(9000000000), v)

	v, err = d.Convert(TypeBoolean, "true")
	require.NoError(t, err)
	assert.Equal(t, true, v)

	v, err = d.Convert(TypeDouble, "2.5")
	require.NoError(t, err)
	assert.Equal(t, 2.5, v)

	v, err = d.Convert(TypeDate, "2024-02-29")
	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), v)

	v, err = d.Convert(TypeQName, "cm:name")
	require.NoError(t, err)
	assert.Equal(t, core.QName{Namespace: namespace.ContentURI, Local: "name"}, v)

	v, err = d.Convert(TypeNodeRef, "workspace://SpacesStore/abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", v.(core.NodeRef).ID)

	_, err = d.Convert(TypeInt, "forty-two")
	assert.ErrorIs(t, err, ErrConversion)

	_, err = d.Convert(TypeBoolean, "maybe")
	assert.ErrorIs(t, err, ErrConversion)

	_, err = d.Convert(core.QName{Local: "nothing"}, "x")
	assert.ErrorIs(t, err, ErrUnknownDataType)
}
