package gateway

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeLength(t *testing.T) {
	tests := []struct {
		name   string
		length int
		want   []byte
	}{
		{name: "zero", length: 0, want: []byte{0x00}},
		{name: "one byte max", length: 0x7F, want: []byte{0x7F}},
		{name: "two bytes", length: 0x80, want: []byte{0x80, 0x80}},
		{name: "two bytes max", length: 0x3FFF, want: []byte{0xBF, 0xFF}},
		{name: "three bytes", length: 0x4000, want: []byte{0xC0, 0x40, 0x00}},
		{name: "four bytes", length: 0x200000, want: []byte{0xE0, 0x20, 0x00, 0x00}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, encodeLength(tt.length))
		})
	}
}

func TestLengthRoundTrip(t *testing.T) {
	for _, length := range []int{0, 1, 0x7F, 0x80, 0x3FFF, 0x4000, 0x1FFFFF, 0x200000, 0xFFFFFFF} {
		encoded := encodeLength(length)
		decoded, err := readLength(bytes.NewReader(encoded))
		require.NoError(t, err)
		assert.Equal(t, length, decoded)
	}
}

func TestWordRoundTrip(t *testing.T) {
	words := []string{"/login", "=name=admin", "!done", ""}

	var buf bytes.Buffer
	for _, word := range words {
		require.NoError(t, writeWord(&buf, word))
	}

	for _, want := range words {
		got, err := readWord(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestCommandSentence(t *testing.T) {
	cmd := Command{
		Path: "/ppp/secret/add",
		Args: map[string]string{
			"name":    "cust-42",
			"profile": "gold",
			"comment": "managed",
		},
	}

	// Args render sorted for deterministic sentences
	assert.Equal(t, []string{
		"/ppp/secret/add",
		"=comment=managed",
		"=name=cust-42",
		"=profile=gold",
	}, cmd.Sentence())
}
