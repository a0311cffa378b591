package checkpoint

import (
	"fmt"
	"time"

	"github.com/smallnest/checkpointgo/serde"
)

// storedValue is one channel value as the serializer tagged it.
type storedValue struct {
	Type string `json:"type"`
	Data []byte `json:"data,omitempty"`
}

// checkpointDoc is the persisted form of a Checkpoint. Channel values are
// encoded one by one so each keeps its own type tag; encoding the whole map at
// once would bring them back as generic JSON.
type checkpointDoc struct {
	V               int                          `json:"v"`
	ID              string                       `json:"id"`
	TS              time.Time                    `json:"ts"`
	ChannelValues   map[string]storedValue       `json:"channel_values"`
	ChannelVersions map[string]string            `json:"channel_versions"`
	VersionsSeen    map[string]map[string]string `json:"versions_seen"`
}

// EncodeCheckpoint returns the type tag and bytes a Store persists for cp.
func EncodeCheckpoint(s serde.Serializer, cp Checkpoint) (string, []byte, error) {
	doc := checkpointDoc{
		V:               cp.V,
		ID:              cp.ID,
		TS:              cp.TS,
		ChannelVersions: cp.ChannelVersions,
		VersionsSeen:    cp.VersionsSeen,
	}
	if cp.ChannelValues != nil {
		doc.ChannelValues = make(map[string]storedValue, len(cp.ChannelValues))
	}
	for ch, v := range cp.ChannelValues {
		typ, data, err := s.DumpsTyped(v)
		if err != nil {
			return "", nil, fmt.Errorf("channel %s: %w", ch, err)
		}
		doc.ChannelValues[ch] = storedValue{Type: typ, Data: data}
	}
	return s.DumpsTyped(doc)
}

// DecodeCheckpoint reverses EncodeCheckpoint.
func DecodeCheckpoint(s serde.Serializer, typ string, data []byte) (Checkpoint, error) {
	doc, err := decodeAs[checkpointDoc](s, typ, data)
	if err != nil {
		return Checkpoint{}, err
	}

	cp := Checkpoint{
		V:               doc.V,
		ID:              doc.ID,
		TS:              doc.TS,
		ChannelVersions: doc.ChannelVersions,
		VersionsSeen:    doc.VersionsSeen,
	}
	if doc.ChannelValues != nil {
		cp.ChannelValues = make(map[string]any, len(doc.ChannelValues))
	}
	for ch, sv := range doc.ChannelValues {
		v, err := s.LoadsTyped(sv.Type, sv.Data)
		if err != nil {
			return Checkpoint{}, fmt.Errorf("channel %s: %w", ch, err)
		}
		cp.ChannelValues[ch] = v
	}
	return cp, nil
}
