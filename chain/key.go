package chain

import (
	"fmt"
	"strconv"
	"strings"
)

// Key is a context window: the ordered words that precede a successor.
type Key []string

// Encode returns a storage form of k. Each word is written as its byte length,
// a colon, and the word itself, so any word content survives a round trip and
// the encoding of a shorter key is a prefix of every key that starts with it.
func (k Key) Encode() string {
	var b strings.Builder
	for _, word := range k {
		b.WriteString(strconv.Itoa(len(word)))
		b.WriteByte(':')
		b.WriteString(word)
	}
	return b.String()
}

// DecodeKey parses the output of Key.Encode.
func DecodeKey(encoded string) (Key, error) {
	key := Key{}
	rest := encoded
	for rest != "" {
		colon := strings.IndexByte(rest, ':')
		if colon <= 0 {
			return nil, fmt.Errorf("malformed key %q: missing length", encoded)
		}
		size, err := strconv.Atoi(rest[:colon])
		if err != nil || size < 0 {
			return nil, fmt.Errorf("malformed key %q: bad length %q", encoded, rest[:colon])
		}
		rest = rest[colon+1:]
		if size > len(rest) {
			return nil, fmt.Errorf("malformed key %q: truncated word", encoded)
		}
		key = append(key, rest[:size])
		rest = rest[size:]
	}
	return key, nil
}

// Clone returns a copy of k that does not share its backing array.
func (k Key) Clone() Key {
	if k == nil {
		return nil
	}
	out := make(Key, len(k))
	copy(out, k)
	return out
}

// Equal reports whether k and other hold the same words in the same order.
func (k Key) Equal(other Key) bool {
	if len(k) != len(other) {
		return false
	}
	for i := range k {
		if k[i] != other[i] {
			return false
		}
	}
	return true
}

// HasPrefix reports whether k starts with the words of prefix.
func (k Key) HasPrefix(prefix Key) bool {
	return len(prefix) <= len(k) && k[:len(prefix)].Equal(prefix)
}

func (k Key) String() string {
	return strings.Join(k, " ")
}
