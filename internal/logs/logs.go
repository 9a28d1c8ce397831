// Package logs converts the activity-log responses of the remote game API
// into canonical model.LogEntry records.
//
// The remote API has been observed returning a top-level array, an object
// keyed by entry id, and wrapper objects ({"log": ...}, {"logs": ...},
// {"events": ...}). Normalize classifies the shape once at the boundary;
// nothing downstream inspects raw JSON again.
package logs

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/tornbuddy/buddy-engine/internal/model"
)

// ErrMalformed is returned when the response is not JSON or has no
// recognisable entry container.
var ErrMalformed = errors.New("logs: malformed response")

// Shape identifies the container a response used.
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeArray         // [entry, ...]
	ShapeKeyed         // {"<id>": entry, ...}
	ShapeWrapped       // {"log"|"logs"|"events": array or keyed}
)

func (s Shape) String() string {
	switch s {
	case ShapeArray:
		return "array"
	case ShapeKeyed:
		return "keyed"
	case ShapeWrapped:
		return "wrapped"
	}
	return "unknown"
}

var wrapperKeys = []string{"log", "logs", "events"}

// keyedEntry carries the map key so entries without an id keep a stable one.
type keyedEntry struct {
	key   string
	value map[string]any
}

// Normalize parses raw into log entries. Entries without a usable timestamp,
// and values that are not objects, are dropped silently. Entries from a keyed
// object are returned in ascending key order; array order is preserved.
func Normalize(raw []byte) ([]model.LogEntry, error) {
	entries, _, err := NormalizeShape(raw)
	return entries, err
}

// NormalizeShape is Normalize that also reports the detected shape.
func NormalizeShape(raw []byte) ([]model.LogEntry, Shape, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var root any
	if err := dec.Decode(&root); err != nil {
		return nil, ShapeUnknown, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	shape, items, ok := classify(root)
	if !ok {
		return nil, ShapeUnknown, ErrMalformed
	}

	out := make([]model.LogEntry, 0, len(items))
	for _, it := range items {
		if e, ok := entry(it.key, it.value); ok {
			out = append(out, e)
		}
	}
	return out, shape, nil
}

func classify(root any) (Shape, []keyedEntry, bool) {
	switch v := root.(type) {
	case []any:
		return ShapeArray, fromArray(v), true
	case map[string]any:
		for _, k := range wrapperKeys {
			inner, ok := v[k]
			if !ok {
				continue
			}
			switch in := inner.(type) {
			case []any:
				return ShapeWrapped, fromArray(in), true
			case map[string]any:
				return ShapeWrapped, fromKeyed(in), true
			case nil:
				return ShapeWrapped, nil, true
			}
		}
		return ShapeKeyed, fromKeyed(v), true
	}
	return ShapeUnknown, nil, false
}

func fromArray(arr []any) []keyedEntry {
	out := make([]keyedEntry, 0, len(arr))
	for _, v := range arr {
		if m, ok := v.(map[string]any); ok {
			out = append(out, keyedEntry{value: m})
		}
	}
	return out
}

func fromKeyed(obj map[string]any) []keyedEntry {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]keyedEntry, 0, len(keys))
	for _, k := range keys {
		if m, ok := obj[k].(map[string]any); ok {
			out = append(out, keyedEntry{key: k, value: m})
		}
	}
	return out
}

func entry(key string, m map[string]any) (model.LogEntry, bool) {
	ts := toInt(first(m, "timestamp", "time"))
	if ts > 1e12 { // milliseconds
		ts /= 1000
	}
	if ts <= 0 {
		return model.LogEntry{}, false
	}

	data, _ := m["data"].(map[string]any)
	lookup := func(keys ...string) any {
		if v := first(m, keys...); v != nil {
			return v
		}
		if data != nil {
			return first(data, keys...)
		}
		return nil
	}

	e := model.LogEntry{
		ID:          toString(m["id"]),
		Timestamp:   ts,
		SenderID:    toInt(lookup("sender", "sender_id", "senderId")),
		ReceiverID:  toInt(lookup("receiver", "receiver_id", "receiverId")),
		MoneyAmount: toCents(lookup("money", "money_amount", "moneyAmount", "amount")),
		Items:       items(lookup("items", "item")),
		RawText:     text(m),
	}
	if e.ID == "" {
		e.ID = key
	}
	return e, true
}

var tagRegex = regexp.MustCompile(`<[^>]*>`)

func text(m map[string]any) string {
	s := toString(first(m, "title", "event", "text"))
	if s == "" {
		if details, ok := m["details"].(map[string]any); ok {
			s = toString(details["title"])
		}
	}
	s = html.UnescapeString(tagRegex.ReplaceAllString(s, ""))
	return strings.Join(strings.Fields(s), " ")
}

// items accepts [{"id":1,"qty":2}], [1, 2], {"1": 2} and {"1": {"qty": 2}}.
func items(v any) []model.LogItem {
	var out []model.LogItem
	switch iv := v.(type) {
	case []any:
		for _, raw := range iv {
			if it, ok := item(raw); ok {
				out = append(out, it)
			}
		}
	case map[string]any:
		if _, single := iv["id"]; single {
			if it, ok := item(iv); ok {
				out = append(out, it)
			}
			break
		}
		keys := make([]string, 0, len(iv))
		for k := range iv {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			it := model.LogItem{Qty: 1}
			if id, err := strconv.ParseInt(k, 10, 64); err == nil {
				it.ID = id
			} else {
				it.Name = k
			}
			switch q := iv[k].(type) {
			case map[string]any:
				if n := toInt(first(q, "qty", "quantity")); n > 0 {
					it.Qty = int(n)
				}
				if name := toString(q["name"]); name != "" {
					it.Name = name
				}
			default:
				if n := toInt(q); n > 0 {
					it.Qty = int(n)
				}
			}
			out = append(out, it)
		}
	}
	return out
}

func item(raw any) (model.LogItem, bool) {
	switch v := raw.(type) {
	case map[string]any:
		it := model.LogItem{
			ID:   toInt(first(v, "id", "item_id", "itemId")),
			Name: toString(v["name"]),
			Qty:  int(toInt(first(v, "qty", "quantity"))),
		}
		if it.Qty <= 0 {
			it.Qty = 1
		}
		return it, it.ID != 0 || it.Name != ""
	case json.Number, string:
		if id := toInt(v); id > 0 {
			return model.LogItem{ID: id, Qty: 1}, true
		}
	}
	return model.LogItem{}, false
}

func first(m map[string]any, keys ...string) any {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v
		}
	}
	return nil
}

func toInt(v any) int64 {
	switch n := v.(type) {
	case json.Number:
		if i, err := n.Int64(); err == nil {
			return i
		}
		if d, err := decimal.NewFromString(n.String()); err == nil {
			return d.IntPart()
		}
	case string:
		if i, err := strconv.ParseInt(strings.TrimSpace(n), 10, 64); err == nil {
			return i
		}
	}
	return 0
}

// toCents reads a major-unit money value.
func toCents(v any) model.Cents {
	var s string
	switch n := v.(type) {
	case json.Number:
		s = n.String()
	case string:
		s = strings.ReplaceAll(strings.TrimPrefix(strings.TrimSpace(n), "$"), ",", "")
	default:
		return 0
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return 0
	}
	return model.Cents(d.Mul(decimal.NewFromInt(100)).Round(0).IntPart())
}

func toString(v any) string {
	switch s := v.(type) {
	case string:
		return strings.TrimSpace(s)
	case json.Number:
		return s.String()
	}
	return ""
}
