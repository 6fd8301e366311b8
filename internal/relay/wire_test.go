package relay

import "testing"

func TestControlAllowed(t *testing.T) {
	cases := []struct {
		name        string
		perm        Permission
		action      ControlAction
		viewerInput bool
		want        bool
	}{
		{"full control may stop", PermissionFullControl, ActionStop, false, true},
		{"full control may input", PermissionFullControl, ActionInput, false, true},
		{"interact may input", PermissionInteract, ActionInput, false, true},
		{"interact may pause", PermissionInteract, ActionPause, false, true},
		{"interact may resume", PermissionInteract, ActionResume, false, true},
		{"interact may not stop", PermissionInteract, ActionStop, false, false},
		{"view_only denied by default", PermissionViewOnly, ActionInput, false, false},
		{"view_only input with policy", PermissionViewOnly, ActionInput, true, true},
		{"view_only never pauses", PermissionViewOnly, ActionPause, true, false},
		{"view_only never stops", PermissionViewOnly, ActionStop, true, false},
		{"unknown permission denied", Permission("bogus"), ActionInput, true, false},
	}
	for _, tc := range cases {
		if got := ControlAllowed(tc.perm, tc.action, tc.viewerInput); got != tc.want {
			t.Errorf("%s: ControlAllowed(%s, %s, %v) = %v, want %v",
				tc.name, tc.perm, tc.action, tc.viewerInput, got, tc.want)
		}
	}
}
