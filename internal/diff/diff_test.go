package diff

import (
	"encoding/json"
	"reflect"
	"testing"
)

func TestComputeIdenticalSnapshotsIsZero(t *testing.T) {
	snapshot := json.RawMessage(`{"title":"Launch plan","steps":[1,2,3],"meta":{"owner":"dana"}}`)

	result := Compute(snapshot, snapshot)

	if result.Added != 0 || result.Removed != 0 || result.Modified != 0 {
		t.Fatalf("expected all-zero diff, got %+v", result)
	}
	if len(result.Entries) != 0 {
		t.Fatalf("expected no entries, got %d", len(result.Entries))
	}
}

func TestComputeSingleAddition(t *testing.T) {
	oldSnapshot := json.RawMessage(`{"title":"Launch plan"}`)
	newSnapshot := json.RawMessage(`{"title":"Launch plan","owner":"dana"}`)

	result := Compute(oldSnapshot, newSnapshot)

	if result.Added != 1 || result.Removed != 0 || result.Modified != 0 {
		t.Fatalf("expected exactly one addition, got %+v", result)
	}
	if len(result.Entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(result.Entries))
	}
	entry := result.Entries[0]
	if entry.Field != "owner" || entry.Change != ChangeAdded {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	if string(entry.After) != `"dana"` {
		t.Fatalf("expected after value %q, got %q", `"dana"`, entry.After)
	}
}

func TestComputeCountsTopLevelChanges(t *testing.T) {
	oldSnapshot := json.RawMessage(`{"a":1,"b":2,"c":3}`)
	newSnapshot := json.RawMessage(`{"b":20,"c":3,"d":4}`)

	result := Compute(oldSnapshot, newSnapshot)

	if result.Added != 1 {
		t.Fatalf("expected 1 added, got %d", result.Added)
	}
	if result.Removed != 1 {
		t.Fatalf("expected 1 removed, got %d", result.Removed)
	}
	if result.Modified != 1 {
		t.Fatalf("expected 1 modified, got %d", result.Modified)
	}
}

func TestComputeNestedObjectsRecurse(t *testing.T) {
	oldSnapshot := json.RawMessage(`{"meta":{"owner":"dana","stage":"draft"}}`)
	newSnapshot := json.RawMessage(`{"meta":{"owner":"lee","stage":"draft"}}`)

	result := Compute(oldSnapshot, newSnapshot)

	if result.Modified != 1 || len(result.Entries) != 1 {
		t.Fatalf("expected one modified entry, got %+v", result)
	}
	entry := result.Entries[0]
	if entry.Field != "meta" || len(entry.Children) != 1 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
	child := entry.Children[0]
	if child.Field != "owner" || child.Change != ChangeModified {
		t.Fatalf("unexpected child: %+v", child)
	}
	if string(child.Before) != `"dana"` || string(child.After) != `"lee"` {
		t.Fatalf("unexpected before/after: %q -> %q", child.Before, child.After)
	}
}

func TestComputeEntriesSortedByField(t *testing.T) {
	oldSnapshot := json.RawMessage(`{}`)
	newSnapshot := json.RawMessage(`{"zeta":1,"alpha":2,"mid":3}`)

	result := Compute(oldSnapshot, newSnapshot)

	got := make([]string, 0, len(result.Entries))
	for _, entry := range result.Entries {
		got = append(got, entry.Field)
	}
	want := []string{"alpha", "mid", "zeta"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected sorted fields %v, got %v", want, got)
	}
}

func TestComputeDeterministic(t *testing.T) {
	oldSnapshot := json.RawMessage(`{"a":1,"b":{"x":1,"y":2},"c":[1,2]}`)
	newSnapshot := json.RawMessage(`{"a":2,"b":{"x":1,"y":3},"d":true}`)

	first := Compute(oldSnapshot, newSnapshot)
	for i := 0; i < 5; i++ {
		again := Compute(oldSnapshot, newSnapshot)
		if !reflect.DeepEqual(first, again) {
			t.Fatalf("diff not deterministic: %+v vs %+v", first, again)
		}
	}
}

func TestComputeNonObjectRoots(t *testing.T) {
	result := Compute(json.RawMessage(`[1,2,3]`), json.RawMessage(`{"a":1}`))

	if result.Modified != 1 || len(result.Entries) != 1 {
		t.Fatalf("expected whole-document modification, got %+v", result)
	}
	if result.Entries[0].Field != "$" {
		t.Fatalf("expected root marker field, got %q", result.Entries[0].Field)
	}

	same := Compute(json.RawMessage(`[1,2,3]`), json.RawMessage(`[1,2,3]`))
	if same.Modified != 0 || len(same.Entries) != 0 {
		t.Fatalf("expected zero diff for equal arrays, got %+v", same)
	}
}
