package relay

import (
	"sync"
	"testing"
)

func TestHubJoinLeave(t *testing.T) {
	h := newHub()

	existing, created := h.join("sess-1", &member{deviceID: "dev-a", role: RoleExecutor}, true)
	if !created || len(existing) != 0 {
		t.Fatalf("expected fresh session with no peers, created=%v existing=%d", created, len(existing))
	}
	if !h.viewerInputAllowed("sess-1") {
		t.Fatal("opener's policy flag must stick")
	}

	existing, created = h.join("sess-1", &member{deviceID: "dev-b", role: RoleViewer}, false)
	if created {
		t.Fatal("second join must not recreate the session")
	}
	if len(existing) != 1 || existing[0].deviceID != "dev-a" {
		t.Fatalf("expected dev-a as existing peer, got %+v", existing)
	}
	// A later joiner cannot flip the policy off.
	if !h.viewerInputAllowed("sess-1") {
		t.Fatal("policy must be fixed by the opener")
	}

	left, remaining, emptied := h.leave("sess-1", "dev-a")
	if left == nil || left.role != RoleExecutor {
		t.Fatalf("expected the executor back from leave, got %+v", left)
	}
	if emptied || len(remaining) != 1 {
		t.Fatalf("expected dev-b to remain, emptied=%v remaining=%d", emptied, len(remaining))
	}

	_, _, emptied = h.leave("sess-1", "dev-b")
	if !emptied {
		t.Fatal("expected session removed after last leave")
	}
	if left, _, _ := h.leave("sess-1", "dev-b"); left != nil {
		t.Fatal("leaving an empty session must be a no-op")
	}
}

func TestHubLookup(t *testing.T) {
	h := newHub()
	h.join("sess-1", &member{deviceID: "dev-a", permission: PermissionFullControl}, false)

	m, ok := h.lookup("sess-1", "dev-a")
	if !ok || m.permission != PermissionFullControl {
		t.Fatalf("expected member with full_control, got %+v ok=%v", m, ok)
	}
	if _, ok := h.lookup("sess-1", "dev-x"); ok {
		t.Fatal("expected miss for unknown device")
	}
	if _, ok := h.lookup("sess-x", "dev-a"); ok {
		t.Fatal("expected miss for unknown session")
	}
}

func TestHubConcurrentJoinLeave(t *testing.T) {
	h := newHub()
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%8))
			h.join("sess-1", &member{deviceID: "dev-" + id}, false)
			h.lookup("sess-1", "dev-"+id)
			h.leave("sess-1", "dev-"+id)
		}(i)
	}
	wg.Wait()
	if got := len(h.snapshot("sess-1")); got != 0 {
		t.Fatalf("expected empty session after churn, got %d members", got)
	}
}
