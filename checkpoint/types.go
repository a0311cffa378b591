package checkpoint

import (
	"maps"
	"time"
)

// Version is the current checkpoint format version.
// Increment when making breaking changes to the Checkpoint structure.
const Version = 1

// Checkpoint is an immutable snapshot of execution state at one step.
// A later state is always a new Checkpoint whose parent is the one it supersedes.
type Checkpoint struct {
	V  int       `json:"v"`
	ID string    `json:"id"`
	TS time.Time `json:"ts"`

	// ChannelValues holds the state of every channel after the step.
	ChannelValues map[string]any `json:"channel_values"`

	// ChannelVersions is the caller's version vector. The store persists it
	// as part of the payload and never interprets it.
	ChannelVersions map[string]string `json:"channel_versions"`

	// VersionsSeen records, per node, the channel versions it has consumed.
	VersionsSeen map[string]map[string]string `json:"versions_seen"`
}

// NewCheckpoint returns an empty checkpoint of the current format version.
func NewCheckpoint() Checkpoint {
	return Checkpoint{
		V:               Version,
		ChannelValues:   make(map[string]any),
		ChannelVersions: make(map[string]string),
		VersionsSeen:    make(map[string]map[string]string),
	}
}

// Copy returns a copy of c whose maps can be modified without touching c.
// Channel values themselves are shared.
func (c Checkpoint) Copy() Checkpoint {
	out := c
	out.ChannelValues = maps.Clone(c.ChannelValues)
	out.ChannelVersions = maps.Clone(c.ChannelVersions)
	if c.VersionsSeen != nil {
		out.VersionsSeen = make(map[string]map[string]string, len(c.VersionsSeen))
		for node, seen := range c.VersionsSeen {
			out.VersionsSeen[node] = maps.Clone(seen)
		}
	}
	return out
}

// Write is one (channel, value) output staged by a task.
type Write struct {
	Channel string
	Value   any
}

// PendingWrite is a staged write read back together with its checkpoint.
type PendingWrite struct {
	TaskID  string
	Channel string
	Value   any
}

// Tuple is the fully resolved read result for one checkpoint.
type Tuple struct {
	Config        Config
	Checkpoint    Checkpoint
	Metadata      Metadata
	ParentConfig  *Config
	PendingWrites []PendingWrite
	CreatedAt     time.Time
}

// ListOptions narrows a history listing.
type ListOptions struct {
	// Filter restricts results to checkpoints whose metadata has every
	// listed field equal to the given value.
	Filter map[string]any

	// Before restricts results to checkpoints strictly older than
	// Before.CheckpointID. Ignored when nil or without a checkpoint id.
	Before *Config

	// Limit caps the number of results. Zero means no limit.
	Limit int
}

func (o ListOptions) beforeID() string {
	if o.Before == nil {
		return ""
	}
	return o.Before.CheckpointID
}
