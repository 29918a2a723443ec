package localpty

import "unicode/utf8"

// splitIncompleteUTF8 holds back a trailing partial rune so a read that
// ends mid-character is not delivered as replacement characters.
func splitIncompleteUTF8(b []byte) (complete, rest []byte) {
	// A rune is at most 4 bytes, so only the last 3 can start an incomplete one
	for i := 1; i <= 3 && i <= len(b); i++ {
		c := b[len(b)-i]
		if c < utf8.RuneSelf {
			return b, nil
		}
		if utf8.RuneStart(c) {
			if utf8.FullRune(b[len(b)-i:]) {
				return b, nil
			}
			return b[:len(b)-i], b[len(b)-i:]
		}
	}
	return b, nil
}
