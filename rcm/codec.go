package rcm

import (
	"fmt"
	"strings"

	"github.com/mailru/easyjson/jlexer"
	"github.com/mailru/easyjson/jwriter"
)

// Format selects how Decode interprets its input.
type Format byte

const (
	FormatNone   Format = 0 // Empty document, input ignored
	FormatJSON   Format = 1 // {"query":{...},"msg":[...],...}
	FormatParams Format = 2 // cmd=rcm_feed&uid=466605798&num=8, query fields only
	FormatString Format = 3 // Empty document, input ignored
)

func (f Format) String() string {
	switch f {
	case FormatNone:
		return "none"
	case FormatJSON:
		return "json"
	case FormatParams:
		return "params"
	case FormatString:
		return "string"
	default:
		return fmt.Sprintf("format(%d)", byte(f))
	}
}

const (
	queryKey = "query"
	msgKey   = "msg"

	paramsDelim = "&"
	paramsSep   = "="
)

// Decode parses data according to format.
func Decode(data []byte, format Format) (*Document, error) {
	d := New()
	switch format {
	case FormatJSON:
		if err := d.decodeJSON(data); err != nil {
			return nil, err
		}
	case FormatParams:
		d.decodeParams(string(data))
	case FormatNone, FormatString:
	default:
		return nil, fmt.Errorf("%w: unknown format %s", ErrDecode, format)
	}
	return d, nil
}

// Encode serializes the document as JSON: msg first, then query (string fields
// followed by integer fields), then every other field. Keys within each object
// are emitted in sorted order.
func (d *Document) Encode() []byte {
	w := jwriter.Writer{NoEscapeHTML: true}

	w.RawByte('{')
	w.String(msgKey)
	w.RawString(":[")
	for i, it := range d.items {
		if i > 0 {
			w.RawByte(',')
		}
		writeItem(&w, it)
	}
	w.RawString("],")

	w.String(queryKey)
	w.RawString(":{")
	first := true
	for _, k := range sortedKeys(d.strs) {
		if !first {
			w.RawByte(',')
		}
		first = false
		w.String(k)
		w.RawByte(':')
		w.String(d.strs[k])
	}
	for _, k := range sortedKeys(d.ints) {
		if !first {
			w.RawByte(',')
		}
		first = false
		w.String(k)
		w.RawByte(':')
		w.Int64(d.ints[k])
	}
	w.RawByte('}')

	for _, k := range sortedKeys(d.other) {
		w.RawByte(',')
		w.String(k)
		w.RawByte(':')
		w.String(d.other[k])
	}
	w.RawByte('}')

	b, _ := w.BuildBytes()
	return b
}

// String returns the JSON encoding.
func (d *Document) String() string {
	return string(d.Encode())
}

// EncodeItem serializes a single flat item as a JSON object.
func EncodeItem(it Item) []byte {
	w := jwriter.Writer{NoEscapeHTML: true}
	writeItem(&w, it)
	b, _ := w.BuildBytes()
	return b
}

// DecodeItem parses a flat JSON object into an item, normalizing values to strings.
func DecodeItem(data []byte) (Item, error) {
	in := jlexer.Lexer{Data: data}
	if !in.IsDelim('{') {
		return nil, fmt.Errorf("%w: item is not an object", ErrDecode)
	}
	it := readFlat(&in)
	in.Consumed()
	if err := in.Error(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return it, nil
}

func writeItem(w *jwriter.Writer, it Item) {
	w.RawByte('{')
	for i, k := range sortedKeys(it) {
		if i > 0 {
			w.RawByte(',')
		}
		w.String(k)
		w.RawByte(':')
		w.String(it[k])
	}
	w.RawByte('}')
}

// decodeJSON walks the top-level object. "msg" and "query" get dedicated
// handling, every other member becomes an other field.
func (d *Document) decodeJSON(data []byte) error {
	in := jlexer.Lexer{Data: data}

	in.Delim('{')
	for !in.IsDelim('}') {
		key := in.String()
		in.WantColon()

		switch key {
		case msgKey:
			d.readItems(&in)
		case queryKey:
			d.readQuery(&in)
		default:
			if _, ok := d.other[key]; !ok {
				d.other[key] = scalar(&in)
			} else {
				in.SkipRecursive()
			}
		}

		in.WantComma()
	}
	in.Delim('}')
	in.Consumed()

	if err := in.Error(); err != nil {
		return fmt.Errorf("%w: %v", ErrDecode, err)
	}
	return nil
}

func (d *Document) readQuery(in *jlexer.Lexer) {
	if !in.IsDelim('{') {
		in.SkipRecursive()
		return
	}
	in.Delim('{')
	for !in.IsDelim('}') {
		k := in.String()
		in.WantColon()
		d.add(k, scalar(in))
		in.WantComma()
	}
	in.Delim('}')
}

// readItems collects flat objects from the msg array. Elements that are not
// objects, and empty objects, are dropped.
func (d *Document) readItems(in *jlexer.Lexer) {
	if !in.IsDelim('[') {
		in.SkipRecursive()
		return
	}
	in.Delim('[')
	for !in.IsDelim(']') {
		if in.IsDelim('{') {
			if it := readFlat(in); len(it) > 0 {
				d.items = append(d.items, it)
			}
		} else {
			in.SkipRecursive()
		}
		in.WantComma()
	}
	in.Delim(']')
}

func readFlat(in *jlexer.Lexer) Item {
	it := Item{}
	in.Delim('{')
	for !in.IsDelim('}') {
		k := in.String()
		in.WantColon()
		v := scalar(in)
		if _, ok := it[k]; !ok {
			it[k] = v
		}
		in.WantComma()
	}
	in.Delim('}')
	return it
}

// scalar reads the next value as a string. JSON strings are unquoted, anything
// else (numbers, booleans, nested values) keeps its literal JSON text.
func scalar(in *jlexer.Lexer) string {
	raw := in.Raw()
	if len(raw) >= 2 && raw[0] == '"' {
		sub := jlexer.Lexer{Data: raw}
		return sub.String()
	}
	return string(raw)
}

// decodeParams parses k=v pairs joined by '&' into query fields.
func (d *Document) decodeParams(s string) {
	for _, pair := range strings.Split(s, paramsDelim) {
		k, v, ok := strings.Cut(pair, paramsSep)
		if !ok {
			continue
		}
		d.add(k, v)
	}
}
