package types

import (
	"encoding/json"
	"strings"
)

// UnmarshalJSON makes JSDoc accept either:
// 1) object: {"description":"...","params":[...],"returns":"...","deprecated":true}
// 2) string: "free text" (older extractions and model replies)
func (d *JSDoc) UnmarshalJSON(data []byte) error {
	type plain JSDoc
	var obj plain
	if err := json.Unmarshal(data, &obj); err == nil {
		*d = JSDoc(obj)
		return nil
	}

	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*d = JSDoc{Description: strings.TrimSpace(s)}
		return nil
	}

	// Odd payloads leave the doc empty instead of failing the whole graph.
	*d = JSDoc{}
	return nil
}

// StringList accepts a single string, a list of strings or null.
type StringList []string

func (l *StringList) UnmarshalJSON(data []byte) error {
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*l = many
		return nil
	}
	var one string
	if err := json.Unmarshal(data, &one); err != nil {
		return err
	}
	if one = strings.TrimSpace(one); one == "" {
		*l = nil
	} else {
		*l = StringList{one}
	}
	return nil
}
