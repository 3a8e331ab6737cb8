// Package rcm implements the RCM key/value document carried in IPC bodies.
//
// A document has three sections:
//
//	{
//	  "msg":   [ {"ip":"10.0.0.1","port":"80"}, ... ],   // items, order preserved
//	  "query": { "query_cmd":"...", "pid":9999 },        // string and integer fields
//	  "ver":   "1"                                       // any other top-level key
//	}
//
// Decoding normalizes every value to its string form. Only the encoder knows
// whether a query field is a string or an integer, depending on whether it was set
// with Set or SetInt; that distinction does not survive a round trip.
package rcm

import (
	"errors"
	"sort"
	"strconv"
)

var (
	// ErrDecode wraps every malformed-document error.
	ErrDecode = errors.New("rcm: decode")
	// ErrMissingField is returned when a required query field is absent.
	ErrMissingField = errors.New("rcm: missing field")
	// ErrItemIndex is returned for an out-of-range item index.
	ErrItemIndex = errors.New("rcm: item index out of range")
)

// Item is one entry of the msg array, e.g. one server record.
type Item map[string]string

// Get returns the value for key, or "" if absent.
func (it Item) Get(key string) string {
	return it[key]
}

// Set stores value under key.
func (it Item) Set(key, value string) {
	it[key] = value
}

// Del removes key and reports whether it was present.
func (it Item) Del(key string) bool {
	if _, ok := it[key]; !ok {
		return false
	}
	delete(it, key)
	return true
}

// Document is a decoded or under-construction RCM document.
// The zero value is not usable, create documents with New or Decode.
type Document struct {
	strs  map[string]string // query fields set as strings (all decoded fields land here)
	ints  map[string]int64  // query fields set as integers
	other map[string]string // top-level fields outside query and msg
	items []Item            // msg array
}

// New returns an empty document.
func New() *Document {
	return &Document{
		strs:  make(map[string]string),
		ints:  make(map[string]int64),
		other: make(map[string]string),
	}
}

// Get looks up a query field. String fields win over integer fields, which are
// formatted in decimal.
func (d *Document) Get(key string) (string, bool) {
	if v, ok := d.strs[key]; ok {
		return v, true
	}
	if v, ok := d.ints[key]; ok {
		return strconv.FormatInt(v, 10), true
	}
	return "", false
}

// GetInt looks up a query field as an integer. A present but non-numeric value
// yields 0, like atoi.
func (d *Document) GetInt(key string) (int, bool) {
	if v, ok := d.ints[key]; ok {
		return int(v), true
	}
	s, ok := d.strs[key]
	if !ok {
		return 0, false
	}
	n, _ := strconv.Atoi(s)
	return n, true
}

// Set stores a string query field.
func (d *Document) Set(key, value string) {
	delete(d.ints, key)
	d.strs[key] = value
}

// SetInt stores an integer query field, encoded as a numeric literal.
func (d *Document) SetInt(key string, value int64) {
	delete(d.strs, key)
	d.ints[key] = value
}

// Del removes a query field and reports whether it was present.
func (d *Document) Del(key string) bool {
	_, s := d.strs[key]
	_, i := d.ints[key]
	delete(d.strs, key)
	delete(d.ints, key)
	return s || i
}

// Other returns a top-level field outside query and msg.
func (d *Document) Other(key string) (string, bool) {
	v, ok := d.other[key]
	return v, ok
}

// SetOther stores a top-level field. The names "query" and "msg" are reserved
// and ignored.
func (d *Document) SetOther(key, value string) {
	if key == queryKey || key == msgKey {
		return
	}
	d.other[key] = value
}

// DeleteOther removes a top-level field and reports whether it was present.
func (d *Document) DeleteOther(key string) bool {
	if _, ok := d.other[key]; !ok {
		return false
	}
	delete(d.other, key)
	return true
}

// Len returns the number of items.
func (d *Document) Len() int {
	return len(d.items)
}

// Item returns the item at index i. The item is shared with the document.
func (d *Document) Item(i int) (Item, error) {
	if i < 0 || i >= len(d.items) {
		return nil, ErrItemIndex
	}
	return d.items[i], nil
}

// Items returns the items in msg order.
func (d *Document) Items() []Item {
	return d.items
}

// AddItem appends an item; a nil item is stored as an empty one.
func (d *Document) AddItem(it Item) {
	if it == nil {
		it = Item{}
	}
	d.items = append(d.items, it)
}

// DeleteItem removes the item at index i, keeping the order of the rest.
func (d *Document) DeleteItem(i int) error {
	if i < 0 || i >= len(d.items) {
		return ErrItemIndex
	}
	d.items = append(d.items[:i], d.items[i+1:]...)
	return nil
}

// add stores a decoded query field unless the key is already present.
func (d *Document) add(key, value string) {
	if _, ok := d.strs[key]; ok {
		return
	}
	d.strs[key] = value
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
