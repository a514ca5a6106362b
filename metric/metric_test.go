package metric

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMergeMetadata(t *testing.T) {
	dst := map[string]string{"a": "keep"}
	out := MergeMetadata(dst, map[string]string{"a": "lose", "b": "add"})
	assert.Equal(t, "keep", out["a"])
	assert.Equal(t, "add", out["b"])
}

func TestMergeMetadataNilDst(t *testing.T) {
	out := MergeMetadata(nil, map[string]string{"a": "1"})
	assert.Equal(t, map[string]string{"a": "1"}, out)
}

func TestCopyMetadataIsIndependent(t *testing.T) {
	orig := map[string]string{"a": "1"}
	cp := CopyMetadata(orig)
	cp["a"] = "2"
	assert.Equal(t, "1", orig["a"])
}

func TestFloat(t *testing.T) {
	cases := []struct {
		in   interface{}
		want float64
		ok   bool
	}{
		{int64(3), 3, true},
		{2.5, 2.5, true},
		{true, 1, true},
		{false, 0, true},
		{"nope", 0, false},
		{nil, 0, false},
	}
	for _, tc := range cases {
		got, ok := Float(tc.in)
		assert.Equal(t, tc.ok, ok)
		if ok {
			assert.Equal(t, tc.want, got)
		}
	}
}
