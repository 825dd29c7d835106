package utils

import (
	"encoding/json"
	"errors"
)

// ParseJSON parses a raw JSON object into a map
func ParseJSON(raw []byte) (map[string]interface{}, error) {
	if len(raw) == 0 {
		return nil, errors.New("empty JSON payload")
	}

	var result map[string]interface{}
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, err
	}

	return result, nil
}

// Lookup walks nested objects by key and returns the value at the end of the
// path. ok is false when any segment is missing or not an object.
func Lookup(doc map[string]interface{}, path ...string) (interface{}, bool) {
	var current interface{} = doc
	for _, key := range path {
		obj, isObj := current.(map[string]interface{})
		if !isObj {
			return nil, false
		}
		current, isObj = obj[key]
		if !isObj {
			return nil, false
		}
	}
	return current, true
}

// LookupString returns the string at path, or "" when absent or not a string.
func LookupString(doc map[string]interface{}, path ...string) string {
	v, ok := Lookup(doc, path...)
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

// LookupNumber returns the number at path. JSON numbers decode as float64;
// json.Number is accepted too.
func LookupNumber(doc map[string]interface{}, path ...string) (float64, bool) {
	v, ok := Lookup(doc, path...)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case json.Number:
		f, err := n.Float64()
		return f, err == nil
	case int:
		return float64(n), true
	}
	return 0, false
}

// LookupSlice returns the array at path, or nil.
func LookupSlice(doc map[string]interface{}, path ...string) []interface{} {
	v, ok := Lookup(doc, path...)
	if !ok {
		return nil
	}
	s, _ := v.([]interface{})
	return s
}

// ClampInt bounds v to [lo, hi].
func ClampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
