package stdio

import "regexp"

var lineBreak = regexp.MustCompile(`\r?\n`)

// Framer reassembles newline-delimited lines from a byte stream that may be
// split at arbitrary points. The zero value is ready to use.
//
// A Framer is not safe for concurrent use; it is owned by the goroutine that
// reads the underlying stream.
type Framer struct {
	pending string
}

// Feed appends chunk to the pending tail and returns every line completed by
// it, without terminators. The trailing segment after the last line break
// (possibly empty) becomes the new pending tail.
func (f *Framer) Feed(chunk []byte) []string {
	segments := lineBreak.Split(f.pending+string(chunk), -1)
	f.pending = segments[len(segments)-1]
	return segments[:len(segments)-1]
}

// Pending returns the unterminated tail retained from previous feeds.
func (f *Framer) Pending() string {
	return f.pending
}
