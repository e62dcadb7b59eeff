// Package diff compares two JSON snapshots structurally. It is pure:
// no store access, no clock, and the same inputs always produce the
// same output.
package diff

import (
	"encoding/json"
	"reflect"
	"sort"
)

// Diff summarizes the change between an old and a new snapshot. The
// counters cover top-level fields only; Entries carries the nested
// detail a two-pane review view needs.
type Diff struct {
	Added    int     `json:"added"`
	Removed  int     `json:"removed"`
	Modified int     `json:"modified"`
	Entries  []Entry `json:"entries"`
}

type Entry struct {
	Field    string          `json:"field"`
	Change   string          `json:"change"`
	Before   json.RawMessage `json:"before,omitempty"`
	After    json.RawMessage `json:"after,omitempty"`
	Children []Entry         `json:"children,omitempty"`
}

const (
	ChangeAdded    = "added"
	ChangeRemoved  = "removed"
	ChangeModified = "modified"
)

// Compute diffs two snapshots. Inputs that fail to parse are treated as
// null, so mismatched shapes degrade to a whole-document modification
// instead of an error.
func Compute(oldSnapshot, newSnapshot json.RawMessage) Diff {
	oldValue := parse(oldSnapshot)
	newValue := parse(newSnapshot)

	oldObject, oldIsObject := oldValue.(map[string]any)
	newObject, newIsObject := newValue.(map[string]any)
	if !oldIsObject || !newIsObject {
		if reflect.DeepEqual(oldValue, newValue) {
			return Diff{Entries: []Entry{}}
		}
		return Diff{
			Modified: 1,
			Entries: []Entry{{
				Field:  "$",
				Change: ChangeModified,
				Before: remarshal(oldValue),
				After:  remarshal(newValue),
			}},
		}
	}

	entries := compareObjects(oldObject, newObject)
	result := Diff{Entries: entries}
	for _, entry := range entries {
		switch entry.Change {
		case ChangeAdded:
			result.Added++
		case ChangeRemoved:
			result.Removed++
		case ChangeModified:
			result.Modified++
		}
	}
	return result
}

func compareObjects(oldObject, newObject map[string]any) []Entry {
	fields := make([]string, 0, len(oldObject)+len(newObject))
	seen := make(map[string]bool, len(oldObject)+len(newObject))
	for field := range oldObject {
		fields = append(fields, field)
		seen[field] = true
	}
	for field := range newObject {
		if !seen[field] {
			fields = append(fields, field)
		}
	}
	sort.Strings(fields)

	entries := make([]Entry, 0)
	for _, field := range fields {
		oldValue, inOld := oldObject[field]
		newValue, inNew := newObject[field]
		switch {
		case !inOld:
			entries = append(entries, Entry{
				Field:  field,
				Change: ChangeAdded,
				After:  remarshal(newValue),
			})
		case !inNew:
			entries = append(entries, Entry{
				Field:  field,
				Change: ChangeRemoved,
				Before: remarshal(oldValue),
			})
		case reflect.DeepEqual(oldValue, newValue):
			continue
		default:
			entry := Entry{Field: field, Change: ChangeModified}
			oldChild, oldIsObject := oldValue.(map[string]any)
			newChild, newIsObject := newValue.(map[string]any)
			if oldIsObject && newIsObject {
				entry.Children = compareObjects(oldChild, newChild)
			} else {
				entry.Before = remarshal(oldValue)
				entry.After = remarshal(newValue)
			}
			entries = append(entries, entry)
		}
	}
	return entries
}

func parse(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	var value any
	if err := json.Unmarshal(raw, &value); err != nil {
		return nil
	}
	return value
}

func remarshal(value any) json.RawMessage {
	encoded, err := json.Marshal(value)
	if err != nil {
		return nil
	}
	return encoded
}
