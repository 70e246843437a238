package program

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"sync"
)

var knownCache sync.Map

// jsonNames lists the JSON keys a struct type decodes.
func jsonNames(t reflect.Type) map[string]struct{} {
	if v, ok := knownCache.Load(t); ok {
		return v.(map[string]struct{})
	}
	ret := make(map[string]struct{})
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name, _, _ := strings.Cut(f.Tag.Get("json"), ",")
		if name == "-" {
			continue
		}
		if name == "" {
			name = f.Name
		}
		ret[name] = struct{}{}
	}
	knownCache.Store(t, ret)
	return ret
}

// splitExtra returns the members of the object in b that t does not know.
func splitExtra(b []byte, t reflect.Type) (map[string]json.RawMessage, error) {
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	known := jsonNames(t)
	var ret map[string]json.RawMessage
	for k, v := range all {
		if _, ok := known[k]; ok {
			continue
		}
		if ret == nil {
			ret = make(map[string]json.RawMessage)
		}
		var buf bytes.Buffer
		if err := json.Compact(&buf, v); err != nil {
			return nil, err
		}
		ret[k] = buf.Bytes()
	}
	return ret, nil
}

// mergeExtra adds extra members to the encoded object b. Known members win.
func mergeExtra(b []byte, extra map[string]json.RawMessage) ([]byte, error) {
	if len(extra) == 0 {
		return b, nil
	}
	var all map[string]json.RawMessage
	if err := json.Unmarshal(b, &all); err != nil {
		return nil, err
	}
	for k, v := range extra {
		if _, ok := all[k]; !ok {
			all[k] = v
		}
	}
	return json.Marshal(all)
}
