package session

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIncompleteUTF8Tail(t *testing.T) {
	line := []byte(strings.Repeat("─", 100))

	tests := []struct {
		name string
		data []byte
		want int
	}{
		{"empty", nil, 0},
		{"ascii", []byte("hello"), 0},
		{"complete 2-byte", []byte("caf\xc3\xa9"), 0},
		{"incomplete 2-byte", []byte("caf\xc3"), 1},
		{"complete 3-byte", []byte("ab\xe2\x94\x80"), 0},
		{"3-byte, 1 of 3", []byte("ab\xe2"), 1},
		{"3-byte, 2 of 3", []byte("ab\xe2\x94"), 2},
		{"complete 4-byte", []byte("hi\xf0\x9f\x98\x80"), 0},
		{"4-byte, 3 of 4", []byte("hi\xf0\x9f\x98"), 3},
		{"invalid lead byte", []byte("ok\xff"), 0},
		{"orphan continuations", []byte("\x80\x80\x80\x80"), 0},
		{"box line cut after E2", line[:len(line)-2], 1},
		{"box line cut after E2 94", line[:len(line)-1], 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, incompleteUTF8Tail(tt.data))
		})
	}
}

func TestValidPrefix(t *testing.T) {
	assert.Equal(t, 5, validPrefix([]byte("héll")))
	assert.Equal(t, 2, validPrefix([]byte("ok\xff\xfe")))
	assert.Equal(t, 0, validPrefix([]byte("\xc3(")))
	assert.Equal(t, 0, validPrefix(nil))
}
