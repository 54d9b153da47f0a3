package session

import "unicode/utf8"

// incompleteUTF8Tail returns how many trailing bytes of data are the start of
// a multi-byte sequence whose remaining bytes have not arrived yet. Invalid
// bytes are not counted; they are left for validation to reject.
func incompleteUTF8Tail(data []byte) int {
	n := len(data)
	if n == 0 || data[n-1] < utf8.RuneSelf {
		return 0
	}
	// The start byte of the last sequence is at most UTFMax-1 bytes back.
	for i := 1; i < utf8.UTFMax && i <= n; i++ {
		if !utf8.RuneStart(data[n-i]) {
			continue
		}
		if utf8.FullRune(data[n-i:]) {
			return 0
		}
		return i
	}
	return 0
}

// validPrefix returns the length of the longest valid UTF-8 prefix of data.
func validPrefix(data []byte) int {
	i := 0
	for i < len(data) {
		if data[i] < utf8.RuneSelf {
			i++
			continue
		}
		r, size := utf8.DecodeRune(data[i:])
		if r == utf8.RuneError && size == 1 {
			return i
		}
		i += size
	}
	return i
}
