// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package value

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
)

// nameKey marks a JSON object that encodes a Name rather than a dictionary.
const nameKey = "$name"

// MarshalJSON encodes empty as null, names as {"$name": "..."} and the other
// variants as their natural JSON form. Non-finite numbers are rejected.
func (v Value) MarshalJSON() ([]byte, error) {
	switch v.kind {
	case KindEmpty:
		return []byte("null"), nil
	case KindNumber:
		if math.IsInf(v.num, 0) || math.IsNaN(v.num) {
			return nil, fmt.Errorf("cannot encode non-finite number %s", formatNumber(v.num))
		}
		return json.Marshal(v.num)
	case KindBool:
		return json.Marshal(v.b)
	case KindString:
		return json.Marshal(v.str)
	case KindName:
		return json.Marshal(map[string]string{nameKey: v.str})
	case KindArray:
		if v.arr == nil {
			return []byte("[]"), nil
		}
		return json.Marshal([]Value(v.arr))
	case KindDictionary:
		m := make(map[string]Value, len(v.dict))
		for k, e := range v.dict {
			m[string(k)] = e
		}
		return json.Marshal(m)
	}
	return nil, fmt.Errorf("unknown value kind %d", v.kind)
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (v *Value) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return fmt.Errorf("empty JSON input")
	}
	switch data[0] {
	case 'n':
		*v = Empty
		return nil
	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return err
		}
		*v = Bool(b)
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*v = String(s)
		return nil
	case '[':
		var arr []Value
		if err := json.Unmarshal(data, &arr); err != nil {
			return err
		}
		if arr == nil {
			arr = []Value{}
		}
		*v = FromArray(arr)
		return nil
	case '{':
		var raw map[string]json.RawMessage
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		if len(raw) == 1 {
			if n, ok := raw[nameKey]; ok {
				var s string
				if err := json.Unmarshal(n, &s); err != nil {
					return fmt.Errorf("decode name: %w", err)
				}
				*v = NameValue(Name(s))
				return nil
			}
		}
		d := make(Dictionary, len(raw))
		for k, r := range raw {
			var e Value
			if err := e.UnmarshalJSON(r); err != nil {
				return fmt.Errorf("decode key %q: %w", k, err)
			}
			d[Name(k)] = e
		}
		*v = FromDictionary(d)
		return nil
	default:
		var f float64
		if err := json.Unmarshal(data, &f); err != nil {
			return err
		}
		*v = Number(f)
		return nil
	}
}

// ParseJSON decodes a single JSON document into a Value.
func ParseJSON(s string) (Value, error) {
	var v Value
	if err := v.UnmarshalJSON([]byte(s)); err != nil {
		return Empty, err
	}
	return v, nil
}
