package checkpoint

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
)

// Source tags what caused a checkpoint to be written.
type Source string

const (
	SourceInput  Source = "input"
	SourceLoop   Source = "loop"
	SourceUpdate Source = "update"
	SourceFork   Source = "fork"
)

// Metadata is the small structured record stored next to a checkpoint.
// It is encoded as one flat JSON object so that every field, including the
// caller's Extra entries, can be filtered on by name.
type Metadata struct {
	Source  Source
	Step    int
	Parents map[string]string
	Extra   map[string]any
}

// Fields returns the flattened view of m that filters match against.
func (m Metadata) Fields() map[string]any {
	out := make(map[string]any, len(m.Extra)+3)
	maps.Copy(out, m.Extra)
	if m.Source != "" {
		out["source"] = string(m.Source)
	}
	out["step"] = m.Step
	if len(m.Parents) > 0 {
		out["parents"] = m.Parents
	}
	return out
}

func (m Metadata) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.Fields())
}

func (m *Metadata) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*m = Metadata{}
	for key, value := range raw {
		var err error
		switch key {
		case "source":
			err = json.Unmarshal(value, &m.Source)
		case "step":
			err = json.Unmarshal(value, &m.Step)
		case "parents":
			err = json.Unmarshal(value, &m.Parents)
		default:
			var v any
			if err = json.Unmarshal(value, &v); err == nil {
				if m.Extra == nil {
					m.Extra = make(map[string]any)
				}
				m.Extra[key] = v
			}
		}
		if err != nil {
			return fmt.Errorf("metadata field %q: %w", key, err)
		}
	}
	return nil
}

// MatchMetadata reports whether the flattened metadata document satisfies
// filter. Values are compared by their JSON encoding, so int 1 matches a
// stored float64 1.
func MatchMetadata(metadataJSON []byte, filter map[string]any) (bool, error) {
	if len(filter) == 0 {
		return true, nil
	}

	var doc map[string]json.RawMessage
	if len(metadataJSON) > 0 {
		if err := json.Unmarshal(metadataJSON, &doc); err != nil {
			return false, fmt.Errorf("%w: decode metadata: %w", ErrSerialization, err)
		}
	}

	for key, want := range filter {
		got, ok := doc[key]
		if !ok {
			return false, nil
		}
		equal, err := jsonEqual(got, want)
		if err != nil {
			return false, err
		}
		if !equal {
			return false, nil
		}
	}
	return true, nil
}

func jsonEqual(stored json.RawMessage, want any) (bool, error) {
	wantJSON, err := json.Marshal(want)
	if err != nil {
		return false, fmt.Errorf("%w: encode filter value: %w", ErrSerialization, err)
	}

	// Re-encode the stored value so both sides share Go's canonical form.
	var v any
	if err := json.Unmarshal(stored, &v); err != nil {
		return false, fmt.Errorf("%w: decode metadata value: %w", ErrSerialization, err)
	}
	storedJSON, err := json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("%w: encode metadata value: %w", ErrSerialization, err)
	}

	// Normalise the wanted side the same way (struct tags, int widths).
	if err := json.Unmarshal(wantJSON, &v); err != nil {
		return false, fmt.Errorf("%w: decode filter value: %w", ErrSerialization, err)
	}
	wantJSON, err = json.Marshal(v)
	if err != nil {
		return false, fmt.Errorf("%w: encode filter value: %w", ErrSerialization, err)
	}

	return bytes.Equal(storedJSON, wantJSON), nil
}
