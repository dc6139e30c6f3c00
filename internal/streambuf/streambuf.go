// Package streambuf rebuffers upstream model output so that words and
// embedded JSON directives are never split across emitted chunks.
//
// Providers emit content in arbitrary-size pieces that routinely cut words and
// directives (objects of the form {"m":"<verb>","p":{...}}) in half. The
// buffer withholds partial text until a boundary closes, and emits each
// directive as exactly one chunk. The concatenation of everything returned by
// Push and Flush equals the concatenation of all input: the buffer adds no
// characters and drops none.
package streambuf

import (
	"unicode/utf8"
)

// openerTarget is the substring that switches the buffer into directive mode.
const openerTarget = `{"m":`

const (
	// DefaultCeilingBytes caps phrase batching outside directive mode.
	DefaultCeilingBytes = 256
	// DefaultScanLimitBytes bounds a suspected directive before the buffer
	// gives up and flushes it as plain content.
	DefaultScanLimitBytes = 4096
)

type mode int

const (
	modeText mode = iota
	modeOpener
	modeDirective
)

// Buffer is a token-aware rebuffering state machine. Not safe for concurrent
// use; each stream owns its own Buffer.
type Buffer struct {
	ceiling   int
	scanLimit int

	mode mode

	// batch holds word-complete text awaiting coalesced emission.
	batch []byte
	// word holds the current run of non-boundary characters.
	word []byte
	// closable marks that batch ended at terminal punctuation (possibly
	// followed by whitespace) and should be emitted when the next word starts.
	closable bool

	// opener holds a partial {"m": candidate while it is still ambiguous.
	opener []byte

	// directive-mode state.
	dir   []byte
	depth int
	inStr bool
	esc   bool

	// partial holds the trailing bytes of a UTF-8 sequence split across
	// Push calls, so boundary detection always sees whole code points.
	partial []byte
}

// New creates a Buffer. Non-positive arguments select the defaults.
func New(ceilingBytes, scanLimitBytes int) *Buffer {
	if ceilingBytes <= 0 {
		ceilingBytes = DefaultCeilingBytes
	}
	if scanLimitBytes <= 0 {
		scanLimitBytes = DefaultScanLimitBytes
	}
	return &Buffer{ceiling: ceilingBytes, scanLimit: scanLimitBytes}
}

// Push feeds upstream text into the buffer and returns zero or more chunks
// that are safe to emit. Each returned chunk either ends at a word boundary or
// is one complete directive.
func (b *Buffer) Push(text string) []string {
	data := text
	if len(b.partial) > 0 {
		data = string(b.partial) + text
		b.partial = b.partial[:0]
	}

	// Hold back a trailing incomplete UTF-8 sequence for the next Push.
	if tail := incompleteTail(data); tail > 0 {
		b.partial = append(b.partial, data[len(data)-tail:]...)
		data = data[:len(data)-tail]
	}

	var out []string
	for _, r := range data {
		b.step(r, &out)
	}
	return out
}

// incompleteTail returns the number of trailing bytes of s that form an
// incomplete UTF-8 sequence, or 0 if s ends on a rune boundary.
func incompleteTail(s string) int {
	end := len(s)
	start := end
	for start > 0 && end-start < utf8.UTFMax {
		start--
		if utf8.RuneStart(s[start]) {
			break
		}
	}
	if utf8.FullRuneInString(s[start:]) {
		return 0
	}
	return end - start
}

// Flush drains everything still held, including an unterminated directive,
// as a single final chunk. The buffer is reset to its initial state.
func (b *Buffer) Flush() []string {
	var pending []byte
	pending = append(pending, b.batch...)
	pending = append(pending, b.word...)
	pending = append(pending, b.opener...)
	pending = append(pending, b.dir...)
	pending = append(pending, b.partial...)

	b.reset()

	if len(pending) == 0 {
		return nil
	}
	return []string{string(pending)}
}

// Pending reports whether the buffer currently withholds any text.
func (b *Buffer) Pending() bool {
	return len(b.batch) > 0 || len(b.word) > 0 || len(b.opener) > 0 || len(b.dir) > 0 || len(b.partial) > 0
}

// InDirective reports whether the buffer is inside a directive or a still
// ambiguous opener. Chunks emitted by Push always end at word boundaries, so
// this is the only window where interleaving a foreign event would split a
// semantic unit.
func (b *Buffer) InDirective() bool {
	return b.mode != modeText
}

func (b *Buffer) reset() {
	b.mode = modeText
	b.batch = nil
	b.word = nil
	b.closable = false
	b.opener = nil
	b.dir = nil
	b.depth = 0
	b.inStr = false
	b.esc = false
	b.partial = nil
}

func (b *Buffer) step(r rune, out *[]string) {
	switch b.mode {
	case modeDirective:
		b.stepDirective(r, out)
	case modeOpener:
		b.stepOpener(r, out)
	default:
		b.stepText(r, out)
	}
}

func (b *Buffer) stepText(r rune, out *[]string) {
	if r == '{' {
		b.startWord(out)
		b.mode = modeOpener
		b.opener = append(b.opener[:0], '{')
		return
	}

	switch {
	case isWhitespace(r):
		b.batch = append(b.batch, b.word...)
		b.batch = utf8.AppendRune(b.batch, r)
		b.word = b.word[:0]
	case isTerminal(r):
		b.batch = append(b.batch, b.word...)
		b.batch = utf8.AppendRune(b.batch, r)
		b.word = b.word[:0]
		b.closable = true
	default:
		b.startWord(out)
		b.word = utf8.AppendRune(b.word, r)
	}
}

// startWord runs the emission checks that apply when a new word begins: a
// closable batch (ended at terminal punctuation) or one past the size ceiling
// is released here, which keeps trailing whitespace attached to its phrase.
func (b *Buffer) startWord(out *[]string) {
	if len(b.batch) > 0 && (b.closable || len(b.batch) >= b.ceiling) {
		*out = append(*out, string(b.batch))
		b.batch = b.batch[:0]
	}
	b.closable = false
}

func (b *Buffer) stepOpener(r rune, out *[]string) {
	if r < utf8.RuneSelf && len(b.opener) < len(openerTarget) && byte(r) == openerTarget[len(b.opener)] {
		b.opener = append(b.opener, byte(r))
		if len(b.opener) == len(openerTarget) {
			b.confirmDirective(out)
		}
		return
	}

	// False start: the leading brace was ordinary text. Reprocess the
	// swallowed characters, which may themselves begin a real opener.
	b.word = append(b.word, '{')
	rest := string(b.opener[1:])
	b.opener = nil
	b.mode = modeText
	for _, rr := range rest {
		b.step(rr, out)
	}
	b.step(r, out)
}

func (b *Buffer) confirmDirective(out *[]string) {
	// Any text preceding the directive is released first so the directive
	// arrives as its own chunk.
	if len(b.batch) > 0 || len(b.word) > 0 {
		seg := append(append([]byte{}, b.batch...), b.word...)
		*out = append(*out, string(seg))
		b.batch = b.batch[:0]
		b.word = b.word[:0]
	}
	b.closable = false
	b.opener = nil
	b.mode = modeDirective
	b.dir = append(b.dir[:0], openerTarget...)
	b.depth = 1
	b.inStr = false
	b.esc = false
}

func (b *Buffer) stepDirective(r rune, out *[]string) {
	b.dir = utf8.AppendRune(b.dir, r)

	if b.inStr {
		switch {
		case b.esc:
			b.esc = false
		case r == '\\':
			b.esc = true
		case r == '"':
			b.inStr = false
		}
	} else {
		switch r {
		case '"':
			b.inStr = true
		case '{':
			b.depth++
		case '}':
			b.depth--
			if b.depth == 0 {
				*out = append(*out, string(b.dir))
				b.dir = nil
				b.mode = modeText
				return
			}
		}
	}

	// A directive that never closes within the scan limit is assumed to be a
	// false positive; its text re-enters the stream as plain content.
	if len(b.dir) > b.scanLimit {
		*out = append(*out, string(b.dir))
		b.dir = nil
		b.depth = 0
		b.inStr = false
		b.esc = false
		b.mode = modeText
	}
}

func isWhitespace(r rune) bool {
	return r == ' ' || r == '\t' || r == '\n' || r == '\r'
}

func isTerminal(r rune) bool {
	switch r {
	case '.', '?', '!', ',', ':', ';':
		return true
	}
	return false
}
