package permissions_test

import (
	"context"
	"testing"

	"github.com/jetgogoing/memoryd/internal/permissions"
	"github.com/jetgogoing/memoryd/pkg/models"
)

func TestSystemUserBypassesIsolation(t *testing.T) {
	g := permissions.New(permissions.WithSystemUserID("system"))
	decision, err := g.CheckPermissions(context.Background(), permissions.Request{
		UserID: "system", ProjectIDs: []string{"a", "b"}, Required: models.PermissionOwner, Action: "delete",
	})
	if err != nil {
		t.Fatalf("CheckPermissions() error = %v", err)
	}
	if !decision.Allowed {
		t.Errorf("CheckPermissions().Allowed = false for system user, want true")
	}
}

func TestStrictIsolationDeniesMultiProject(t *testing.T) {
	g := permissions.New(permissions.WithIsolation(permissions.IsolationStrict, false))
	decision, err := g.CheckPermissions(context.Background(), permissions.Request{
		UserID: "alice", ProjectIDs: []string{"a", "b"}, Required: models.PermissionRead, Action: "search",
	})
	if err != nil {
		t.Fatalf("CheckPermissions() error = %v", err)
	}
	if decision.Allowed {
		t.Error("CheckPermissions().Allowed = true, want false under strict isolation with cross-project search disabled")
	}
	if len(decision.DeniedProjects) != 2 {
		t.Errorf("CheckPermissions().DeniedProjects len = %d, want 2", len(decision.DeniedProjects))
	}
}

// TestStrictIsolationDeniesUnscopedRequest covers spec §8 scenario S4:
// a caller with read on p1 and no grant on p2 must still be denied when
// it omits project_id entirely, not silently allowed because an empty
// ProjectIDs slice makes the per-project loop a no-op.
func TestStrictIsolationDeniesUnscopedRequest(t *testing.T) {
	g := permissions.New(permissions.WithIsolation(permissions.IsolationStrict, false))
	if _, err := g.Grant(context.Background(), "alice", "p1", models.PermissionRead, "system", nil); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	decision, err := g.CheckPermissions(context.Background(), permissions.Request{
		UserID: "alice", ProjectIDs: nil, Required: models.PermissionRead, Action: "search",
	})
	if err != nil {
		t.Fatalf("CheckPermissions() error = %v", err)
	}
	if decision.Allowed {
		t.Error("CheckPermissions().Allowed = true for unscoped request under strict isolation, want false")
	}
}

// TestUnscopedRequestAllowedWhenCrossProjectSearchEnabled covers the
// other side of S4: an unscoped request is only a strict-isolation
// violation, so it is unaffected when cross-project search is enabled.
func TestUnscopedRequestAllowedWhenCrossProjectSearchEnabled(t *testing.T) {
	g := permissions.New(permissions.WithIsolation(permissions.IsolationStrict, true))

	decision, err := g.CheckPermissions(context.Background(), permissions.Request{
		UserID: "alice", ProjectIDs: nil, Required: models.PermissionRead, Action: "search",
	})
	if err != nil {
		t.Fatalf("CheckPermissions() error = %v", err)
	}
	if !decision.Allowed {
		t.Errorf("CheckPermissions().Allowed = false, want true for unscoped request with cross-project search enabled")
	}
}

func TestCrossProjectSearchAllowedWhenEnabled(t *testing.T) {
	g := permissions.New(permissions.WithIsolation(permissions.IsolationStrict, true))
	_, err := g.Grant(context.Background(), "alice", "a", models.PermissionRead, "system", nil)
	if err != nil {
		t.Fatalf("Grant() error = %v", err)
	}
	_, err = g.Grant(context.Background(), "alice", "b", models.PermissionRead, "system", nil)
	if err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	decision, err := g.CheckPermissions(context.Background(), permissions.Request{
		UserID: "alice", ProjectIDs: []string{"a", "b"}, Required: models.PermissionRead, Action: "search",
	})
	if err != nil {
		t.Fatalf("CheckPermissions() error = %v", err)
	}
	if !decision.Allowed {
		t.Errorf("CheckPermissions().Allowed = false, want true with cross-project search enabled and sufficient grants")
	}
}

func TestGrantRequiresAdminAndCeilingAtGrantorLevel(t *testing.T) {
	g := permissions.New()
	if _, err := g.Grant(context.Background(), "bob", "proj", models.PermissionAdmin, "system", nil); err != nil {
		t.Fatalf("system Grant() error = %v", err)
	}

	if _, err := g.Grant(context.Background(), "carol", "proj", models.PermissionOwner, "bob", nil); err == nil {
		t.Error("Grant() from admin granting owner level succeeded, want PermissionDenied")
	}

	if _, err := g.Grant(context.Background(), "carol", "proj", models.PermissionWrite, "bob", nil); err != nil {
		t.Errorf("Grant() from admin granting write level error = %v, want success", err)
	}
}

func TestRevokeOwnerRequiresSelf(t *testing.T) {
	g := permissions.New()
	if _, err := g.Grant(context.Background(), "dave", "proj", models.PermissionOwner, "system", nil); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	if err := g.Revoke(context.Background(), "dave", "proj", "system"); err == nil {
		t.Error("Revoke() owner permission by non-self succeeded, want PermissionDenied")
	}

	if err := g.Revoke(context.Background(), "dave", "proj", "dave"); err != nil {
		t.Errorf("Revoke() owner permission by self error = %v, want success", err)
	}
}

func TestCheckPermissionsDeniesInsufficientLevel(t *testing.T) {
	g := permissions.New()
	if _, err := g.Grant(context.Background(), "erin", "proj", models.PermissionRead, "system", nil); err != nil {
		t.Fatalf("Grant() error = %v", err)
	}

	decision, err := g.CheckPermissions(context.Background(), permissions.Request{
		UserID: "erin", ProjectIDs: []string{"proj"}, Required: models.PermissionWrite, Action: "create",
	})
	if err != nil {
		t.Fatalf("CheckPermissions() error = %v", err)
	}
	if decision.Allowed {
		t.Error("CheckPermissions().Allowed = true for read-only user requesting write, want false")
	}
}
