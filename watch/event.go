package watch

import (
	"encoding/json"
	"fmt"

	"github.com/fsnotify/fsnotify"
)

// Kind classifies a filesystem change.
type Kind int

const (
	KindCreated Kind = iota
	KindModified
	KindRemoved
	KindRenamed
)

var kindNames = [...]string{"created", "modified", "removed", "renamed"}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// MarshalJSON encodes the kind as its wire name.
func (k Kind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes a wire name back into a Kind.
func (k *Kind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	for i, name := range kindNames {
		if name == s {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown change kind %q", s)
}

// Event is one coalesced filesystem change.
type Event struct {
	Path string `json:"path"`
	Kind Kind   `json:"kind"`
}

// kindOf maps a raw fsnotify op to a change kind. Later ops win during
// coalescing, so only the dominant bit matters here.
func kindOf(op fsnotify.Op) (Kind, bool) {
	switch {
	case op.Has(fsnotify.Create):
		return KindCreated, true
	case op.Has(fsnotify.Remove):
		return KindRemoved, true
	case op.Has(fsnotify.Rename):
		return KindRenamed, true
	case op.Has(fsnotify.Write) || op.Has(fsnotify.Chmod):
		return KindModified, true
	default:
		return 0, false
	}
}
