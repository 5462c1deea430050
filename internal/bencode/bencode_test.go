package bencode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEncodeRoundTrip(t *testing.T) {
	cases := []string{
		"i42e",
		"i-3e",
		"i0e",
		"4:spam",
		"0:",
		"l4:spam4:eggse",
		"le",
		"d3:cow3:moo4:spam4:eggse",
		"d3:bar4:spam3:fooi42ee",
	}
	for _, c := range cases {
		c := c
		t.Run(c, func(t *testing.T) {
				var v interface{}
				require.NoError(t, Unmarshal([]byte(c), &v))
				out, err := Marshal(v)
				require.NoError(t, err)
				assert.Equal(t, c, string(out))
		})
	}
}

func TestDecodeRejectsUnsortedKeys(t *testing.T) {
	var v interface{}
	err := Unmarshal([]byte("d3:foo3:bar3:bar3:fooe"), &v)
	assert.Error(t, err)
}

func TestDecodeRejectsLeadingZero(t *testing.T) {
	var v interface{}
	err := Unmarshal([]byte("i04e"), &v)
	assert.Error(t, err)
}

type sample struct {
	Name string `bencode:"name"`
	Count int `bencode:"count"`
	Tags []string `bencode:"tags,omitempty"`
}

func TestStructRoundTrip(t *testing.T) {
	s := sample{Name: "x", Count: 3, Tags: []string{"a", "b"}}
	b, err := Marshal(s)
	require.NoError(t, err)

	var got sample
	require.NoError(t, Unmarshal(b, &got))
	assert.Equal(t, s, got)
}

func TestStructOmitEmpty(t *testing.T) {
	s := sample{Name: "x", Count: 0}
	b, err := Marshal(s)
	require.NoError(t, err)
	assert.NotContains(t, string(b), "tags")
}

func TestRawMessagePreservesBytes(t *testing.T) {
	type withRaw struct {
		Info RawMessage `bencode:"info"`
	}
	src := "d4:infod6:lengthi100eee"
	var w withRaw
	require.NoError(t, Unmarshal([]byte(src), &w))
	assert.Equal(t, "d6:lengthi100ee", string(w.Info))
}
