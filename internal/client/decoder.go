package client

import (
	"errors"
	"mime"
	"strings"
	"unicode/utf8"

	"golang.org/x/text/encoding/htmlindex"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// streamDecoder turns body chunks into text. Bytes of a character split across chunks are held back
// until the rest arrives, so no replacement character is emitted for an incomplete sequence unless
// the stream ends in the middle of it.
type streamDecoder struct {
	t       transform.Transformer
	pending []byte
	dst     []byte
}

func newStreamDecoder(t transform.Transformer) *streamDecoder {
	t.Reset()
	return &streamDecoder{t: t}
}

// decoderFor returns a decoder for the charset named in a Content-Type header value, falling back
// to UTF-8 when the header names none. ok is false when the charset is unknown.
func decoderFor(contentType string) (dec *streamDecoder, charset string, ok bool) {
	charset = "utf-8"
	if _, params, err := mime.ParseMediaType(contentType); err == nil && params["charset"] != "" {
		charset = strings.ToLower(params["charset"])
	}

	enc, err := htmlindex.Get(charset)
	if err != nil {
		return newStreamDecoder(unicode.UTF8.NewDecoder()), charset, false
	}
	return newStreamDecoder(enc.NewDecoder()), charset, true
}

// Decode returns the text decodable from the bytes received so far.
func (d *streamDecoder) Decode(p []byte) string {
	return d.decode(p, false)
}

// Flush returns whatever is still held back once the stream ended.
func (d *streamDecoder) Flush() string {
	return d.decode(nil, true)
}

func (d *streamDecoder) decode(p []byte, atEOF bool) string {
	src := make([]byte, 0, len(d.pending)+len(p))
	src = append(src, d.pending...)
	src = append(src, p...)
	d.pending = d.pending[:0]

	if need := 3*len(src) + utf8.UTFMax; len(d.dst) < need {
		d.dst = make([]byte, need)
	}

	var sb strings.Builder
	for {
		nDst, nSrc, err := d.t.Transform(d.dst, src, atEOF)
		sb.Write(d.dst[:nDst])
		src = src[nSrc:]

		switch {
		case err == nil:
			return sb.String()
		case errors.Is(err, transform.ErrShortDst):
			if nDst == 0 && nSrc == 0 {
				d.dst = make([]byte, 2*len(d.dst))
			}
		case errors.Is(err, transform.ErrShortSrc):
			d.pending = append(d.pending, src...)
			return sb.String()
		default:
			// Strict decoders reject malformed input instead of replacing it.
			sb.WriteRune(utf8.RuneError)
			if len(src) == 0 {
				return sb.String()
			}
			src = src[1:]
		}
	}
}
