// Package permissions implements the Permission Gate (C12): a
// project-scoped RBAC hierarchy with grant/revoke administration and
// strict-isolation enforcement. Near-direct translation of
// original_source's claude_memory/managers/permission_manager.py.
package permissions

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/jetgogoing/memoryd/internal/errs"
	"github.com/jetgogoing/memoryd/pkg/models"
)

// ActionLevels is the minimum level each action requires, matching the
// original's action_permissions map.
var ActionLevels = map[string]models.PermissionLevel{
	"search":             models.PermissionRead,
	"read":               models.PermissionRead,
	"create":             models.PermissionWrite,
	"update":             models.PermissionWrite,
	"delete":             models.PermissionAdmin,
	"manage_permissions": models.PermissionAdmin,
	"transfer_ownership": models.PermissionOwner,
}

// Grant is a single user/project permission record.
type Grant struct {
	UserID    string
	ProjectID string
	Level     models.PermissionLevel
	GrantedBy string
	GrantedAt time.Time
	ExpiresAt *time.Time
}

// Request is one permission check, matching PermissionRequest.
type Request struct {
	UserID     string
	ProjectIDs []string
	Required   models.PermissionLevel
	Action     string
}

// Decision is the outcome of CheckPermissions, matching PermissionResponse.
type Decision struct {
	Allowed            bool
	ProjectPermissions map[string]models.PermissionLevel
	DeniedProjects     []string
	Reason             string
}

// IsolationMode mirrors project.project_isolation_mode.
type IsolationMode string

const (
	IsolationStrict     IsolationMode = "strict"
	IsolationPermissive IsolationMode = "permissive"
)

// Gate is the permission manager: project-level RBAC with an
// in-memory grant cache (production deployments back this with the
// relational store; the original notes the same "should use Redis in
// production" caveat for its own in-memory cache).
type Gate struct {
	mu     sync.RWMutex
	grants map[string]map[string]Grant // userID -> projectID -> Grant

	systemUserID         string
	isolationMode        IsolationMode
	crossProjectSearchOK bool
}

type Option func(*Gate)

func WithSystemUserID(id string) Option {
	return func(g *Gate) { g.systemUserID = id }
}

func WithIsolation(mode IsolationMode, crossProjectSearch bool) Option {
	return func(g *Gate) {
		g.isolationMode = mode
		g.crossProjectSearchOK = crossProjectSearch
	}
}

func New(opts ...Option) *Gate {
	g := &Gate{
		grants:        make(map[string]map[string]Grant),
		systemUserID:  "system",
		isolationMode: IsolationStrict,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Gate) isSystemUser(userID string) bool {
	return userID == "system" || (g.systemUserID != "" && userID == g.systemUserID)
}

// CheckPermissions mirrors check_permissions: a strict-isolation veto
// on multi-project and unscoped requests, then a per-project
// sufficiency check.
func (g *Gate) CheckPermissions(ctx context.Context, req Request) (Decision, error) {
	if !g.isSystemUser(req.UserID) &&
		g.isolationMode == IsolationStrict &&
		!g.crossProjectSearchOK &&
		len(req.ProjectIDs) > 1 {
		return Decision{
			Allowed:            false,
			ProjectPermissions: map[string]models.PermissionLevel{},
			DeniedProjects:     req.ProjectIDs,
			Reason:             "cross-project access is disabled in strict isolation mode",
		}, nil
	}

	// An unscoped request (no project_id at all) is not "zero projects to
	// check" — it is a request to search across every project, which is
	// exactly what strict isolation forbids without an explicit
	// cross-project grant (spec §8 scenario S4). Left unguarded, an empty
	// ProjectIDs slice short-circuits the per-project loop below and
	// resolves Allowed=true with no project ever actually checked.
	if !g.isSystemUser(req.UserID) &&
		g.isolationMode == IsolationStrict &&
		!g.crossProjectSearchOK &&
		len(req.ProjectIDs) == 0 {
		return Decision{
			Allowed:            false,
			ProjectPermissions: map[string]models.PermissionLevel{},
			DeniedProjects:     nil,
			Reason:             "project_id is required in strict isolation mode",
		}, nil
	}

	projectPermissions := make(map[string]models.PermissionLevel, len(req.ProjectIDs))
	var denied []string

	for _, projectID := range req.ProjectIDs {
		var level models.PermissionLevel
		if g.isSystemUser(req.UserID) {
			level = models.PermissionOwner
		} else {
			level = g.userProjectLevel(req.UserID, projectID)
		}
		projectPermissions[projectID] = level
		if !level.AtLeast(req.Required) {
			denied = append(denied, projectID)
		}
	}

	allowed := len(denied) == 0
	g.logCheck(req, allowed, denied)

	decision := Decision{Allowed: allowed, ProjectPermissions: projectPermissions, DeniedProjects: denied}
	if !allowed {
		decision.Reason = fmt.Sprintf("insufficient permissions for projects: %v", denied)
	}
	return decision, nil
}

// canGrant mirrors _can_grant_permission: a grantor needs ≥ADMIN and
// can only grant a level at or below their own.
func canGrant(grantor, toGrant models.PermissionLevel) bool {
	return grantor.AtLeast(models.PermissionAdmin) && grantor.AtLeast(toGrant)
}

// Grant mirrors grant_permission.
func (g *Gate) Grant(ctx context.Context, userID, projectID string, level models.PermissionLevel, grantedBy string, expiresAt *time.Time) (Grant, error) {
	grantorLevel := g.userProjectLevel(grantedBy, projectID)
	if !canGrant(grantorLevel, level) {
		return Grant{}, errs.PermissionDenied(fmt.Sprintf("user %s cannot grant %s permission", grantedBy, level))
	}

	grant := Grant{
		UserID: userID, ProjectID: projectID, Level: level,
		GrantedBy: grantedBy, GrantedAt: time.Now(), ExpiresAt: expiresAt,
	}
	g.setGrant(grant)

	log.Info().Str("user_id", userID).Str("project_id", projectID).
		Str("level", string(level)).Str("granted_by", grantedBy).Msg("🔐 permission granted")
	return grant, nil
}

// Revoke mirrors revoke_permission: the revoker needs ≥ADMIN, and
// OWNER can only be revoked by the owner themself.
func (g *Gate) Revoke(ctx context.Context, userID, projectID, revokedBy string) error {
	revokerLevel := g.userProjectLevel(revokedBy, projectID)
	if !revokerLevel.AtLeast(models.PermissionAdmin) {
		return errs.PermissionDenied(fmt.Sprintf("user %s cannot revoke permissions", revokedBy))
	}

	current := g.userProjectLevel(userID, projectID)
	if current == models.PermissionOwner && revokedBy != userID {
		return errs.PermissionDenied("cannot revoke owner permission")
	}

	g.deleteGrant(userID, projectID)
	log.Info().Str("user_id", userID).Str("project_id", projectID).
		Str("revoked_by", revokedBy).Msg("🔐 permission revoked")
	return nil
}

func (g *Gate) userProjectLevel(userID, projectID string) models.PermissionLevel {
	if g.isSystemUser(userID) {
		return models.PermissionOwner
	}
	g.mu.RLock()
	defer g.mu.RUnlock()
	grant, ok := g.grants[userID][projectID]
	if !ok {
		return models.PermissionNone
	}
	if grant.ExpiresAt != nil && grant.ExpiresAt.Before(time.Now()) {
		return models.PermissionNone
	}
	return grant.Level
}

func (g *Gate) setGrant(grant Grant) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.grants[grant.UserID] == nil {
		g.grants[grant.UserID] = make(map[string]Grant)
	}
	g.grants[grant.UserID][grant.ProjectID] = grant
}

func (g *Gate) deleteGrant(userID, projectID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	delete(g.grants[userID], projectID)
}

func (g *Gate) logCheck(req Request, allowed bool, denied []string) {
	log.Info().Str("user_id", req.UserID).Str("action", req.Action).
		Strs("projects", req.ProjectIDs).Bool("allowed", allowed).
		Strs("denied_projects", denied).Msg("🔐 permission check")
}
