package rbac

import "testing"

func TestCan(t *testing.T) {
	cases := []struct {
		name   string
		role   Role
		action Action
		allow  bool
	}{
		{name: "viewer read", role: RoleViewer, action: ActionRead, allow: true},
		{name: "viewer commit", role: RoleViewer, action: ActionCommit, allow: false},
		{name: "viewer comment", role: RoleViewer, action: ActionComment, allow: false},
		{name: "commenter read", role: RoleCommenter, action: ActionRead, allow: true},
		{name: "commenter comment", role: RoleCommenter, action: ActionComment, allow: true},
		{name: "commenter commit", role: RoleCommenter, action: ActionCommit, allow: false},
		{name: "editor approve", role: RoleEditor, action: ActionApprove, allow: true},
		{name: "editor merge", role: RoleEditor, action: ActionMerge, allow: false},
		{name: "admin merge", role: RoleAdmin, action: ActionMerge, allow: true},
		{name: "unknown role", role: Role("guest"), action: ActionRead, allow: false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Can(tc.role, tc.action); got != tc.allow {
				t.Fatalf("Can(%q, %q) = %v, want %v", tc.role, tc.action, got, tc.allow)
			}
		})
	}
}

func TestNormalizeFallsBackToViewer(t *testing.T) {
	if got := Normalize("editor"); got != RoleEditor {
		t.Fatalf("Normalize(editor) = %q", got)
	}
	if got := Normalize("superuser"); got != RoleViewer {
		t.Fatalf("Normalize(superuser) = %q, want viewer", got)
	}
}
