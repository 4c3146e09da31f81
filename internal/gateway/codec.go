package gateway

import (
	"fmt"
	"io"
)

// RouterOS API word framing: each word is prefixed by a variable-length
// length field, sentences end with a zero-length word.

// encodeLength encodes a word length into its wire form
func encodeLength(length int) []byte {
	switch {
	case length < 0x80:
		return []byte{byte(length)}
	case length < 0x4000:
		return []byte{byte((length >> 8) | 0x80), byte(length)}
	case length < 0x200000:
		return []byte{byte((length >> 16) | 0xC0), byte(length >> 8), byte(length)}
	case length < 0x10000000:
		return []byte{byte((length >> 24) | 0xE0), byte(length >> 16), byte(length >> 8), byte(length)}
	default:
		return []byte{0xF0, byte(length >> 24), byte(length >> 16), byte(length >> 8), byte(length)}
	}
}

// readLength decodes a word length from the wire
func readLength(r io.Reader) (int, error) {
	var b [1]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}

	first := b[0]
	var length int
	var extra int
	switch {
	case first < 0x80:
		return int(first), nil
	case first < 0xC0:
		length = int(first &^ 0x80)
		extra = 1
	case first < 0xE0:
		length = int(first &^ 0xC0)
		extra = 2
	case first < 0xF0:
		length = int(first &^ 0xE0)
		extra = 3
	case first == 0xF0:
		length = 0
		extra = 4
	default:
		return 0, fmt.Errorf("invalid length prefix 0x%02x", first)
	}

	for i := 0; i < extra; i++ {
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return 0, err
		}
		length = length<<8 | int(b[0])
	}
	return length, nil
}

// writeWord writes one length-prefixed word
func writeWord(w io.Writer, word string) error {
	if _, err := w.Write(encodeLength(len(word))); err != nil {
		return err
	}
	if len(word) > 0 {
		if _, err := w.Write([]byte(word)); err != nil {
			return err
		}
	}
	return nil
}

// readWord reads one length-prefixed word; an empty word ends a sentence
func readWord(r io.Reader) (string, error) {
	length, err := readLength(r)
	if err != nil {
		return "", err
	}
	if length == 0 {
		return "", nil
	}
	word := make([]byte, length)
	if _, err := io.ReadFull(r, word); err != nil {
		return "", err
	}
	return string(word), nil
}
