package docstore

import (
	"bytes"
	"encoding/json"
	"sort"
	"strconv"
)

// evaluate applies q to an unordered set of documents. Backends that cannot
// push a query down use it directly; the others use it in tests as the
// reference behaviour.
func evaluate(docs map[string]json.RawMessage, q Query) ([]Document, error) {
	type row struct {
		doc    Document
		fields map[string]json.RawMessage
	}

	rows := make([]row, 0, len(docs))
	for id, data := range docs {
		var fields map[string]json.RawMessage
		if err := json.Unmarshal(data, &fields); err != nil {
			return nil, err
		}
		if !matches(fields, q.Where) {
			continue
		}
		rows = append(rows, row{doc: Document{ID: id, Data: data}, fields: fields})
	}

	sort.SliceStable(rows, func(i, j int) bool {
		if q.OrderBy != "" {
			if c := compareRaw(rows[i].fields[q.OrderBy], rows[j].fields[q.OrderBy]); c != 0 {
				return c < 0
			}
		}
		return rows[i].doc.ID < rows[j].doc.ID
	})

	if q.LimitToLast > 0 && len(rows) > q.LimitToLast {
		rows = rows[len(rows)-q.LimitToLast:]
	}

	out := make([]Document, len(rows))
	for i, r := range rows {
		out[i] = r.doc
	}
	return out, nil
}

func matches(fields map[string]json.RawMessage, where []Filter) bool {
	for _, f := range where {
		raw, ok := fields[f.Field]
		if !ok || scalarString(raw) != f.Value {
			return false
		}
	}
	return true
}

// scalarString renders a JSON scalar the way filters compare it.
func scalarString(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return s
		}
	}
	return string(raw)
}

// compareRaw orders missing < null < numbers < strings < everything else,
// numbers numerically and strings lexically.
func compareRaw(a, b json.RawMessage) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		return ra - rb
	}
	switch ra {
	case 2:
		fa, _ := strconv.ParseFloat(string(bytes.TrimSpace(a)), 64)
		fb, _ := strconv.ParseFloat(string(bytes.TrimSpace(b)), 64)
		switch {
		case fa < fb:
			return -1
		case fa > fb:
			return 1
		}
		return 0
	case 3:
		sa, sb := scalarString(a), scalarString(b)
		switch {
		case sa < sb:
			return -1
		case sa > sb:
			return 1
		}
		return 0
	}
	return bytes.Compare(a, b)
}

func rank(raw json.RawMessage) int {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return 0
	}
	switch c := raw[0]; {
	case c == 'n':
		return 1
	case c == '-' || (c >= '0' && c <= '9'):
		return 2
	case c == '"':
		return 3
	}
	return 4
}

// mergeFields applies a shallow merge to a document body.
func mergeFields(data json.RawMessage, fields map[string]interface{}) (json.RawMessage, error) {
	var current map[string]json.RawMessage
	if err := json.Unmarshal(data, &current); err != nil {
		return nil, err
	}
	if current == nil {
		current = make(map[string]json.RawMessage)
	}
	for k, v := range fields {
		if v == nil {
			delete(current, k)
			continue
		}
		raw, err := encode(v)
		if err != nil {
			return nil, err
		}
		current[k] = raw
	}
	return json.Marshal(current)
}
