package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/Kopilov/carabiserver/internal/models"
	"github.com/Kopilov/carabiserver/internal/repository"
)

type PermissionStore interface {
	FindBySysname(ctx context.Context, sysname string) (models.Permission, error)
	DirectGrant(ctx context.Context, userID int64, permissionID int64) (*bool, error)
	GroupGrants(ctx context.Context, userID int64, permissionID int64) ([]bool, error)
	ListAll(ctx context.Context) ([]models.Permission, error)
}

// PermissionService answers "may this user do X". Resolution order: a
// personal grant or revocation wins outright; otherwise group grants
// apply when they agree, and conflicting groups cancel out; with no
// decisive record the permission's default applies. With trustAll set
// the service answers yes without touching the store, for deployments
// where an outer layer already did the check.
type PermissionService struct {
	perms    PermissionStore
	trustAll bool
	log      zerolog.Logger
}

func NewPermissionService(perms PermissionStore, trustAll bool, log zerolog.Logger) *PermissionService {
	return &PermissionService{perms: perms, trustAll: trustAll, log: log}
}

func (s *PermissionService) UserHasPermission(ctx context.Context, user *models.User, sysname string) (bool, error) {
	if s.trustAll {
		return true, nil
	}
	perm, err := s.perms.FindBySysname(ctx, sysname)
	if err != nil {
		if errors.Is(err, repository.ErrPermissionNotFound) {
			return false, fmt.Errorf("%w: %s", ErrNoSuchPermission, sysname)
		}
		return false, err
	}
	return s.resolve(ctx, user.ID, perm)
}

func (s *PermissionService) resolve(ctx context.Context, userID int64, perm models.Permission) (bool, error) {
	direct, err := s.perms.DirectGrant(ctx, userID, perm.ID)
	if err != nil {
		return false, err
	}
	if direct != nil {
		return *direct, nil
	}

	grants, err := s.perms.GroupGrants(ctx, userID, perm.ID)
	if err != nil {
		return false, err
	}
	var anyAllow, anyDeny bool
	for _, allowed := range grants {
		if allowed {
			anyAllow = true
		} else {
			anyDeny = true
		}
	}
	if anyAllow != anyDeny {
		return anyAllow, nil
	}

	return perm.DefaultGranted, nil
}

// UserPermissions lists the permissions the user actually holds. With a
// non-empty parentSysname the user must hold the parent itself (an empty
// answer otherwise), and the result is the parent plus its held
// descendants.
func (s *PermissionService) UserPermissions(ctx context.Context, user *models.User, parentSysname string) ([]models.Permission, error) {
	all, err := s.perms.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	candidates := all
	if parentSysname != "" {
		parent, descendants, err := subtreeOf(all, parentSysname)
		if err != nil {
			return nil, err
		}
		held, err := s.holds(ctx, user, parent)
		if err != nil {
			return nil, err
		}
		if !held {
			return nil, nil
		}
		candidates = append([]models.Permission{parent}, descendants...)
	}

	var held []models.Permission
	for _, perm := range candidates {
		allowed, err := s.holds(ctx, user, perm)
		if err != nil {
			return nil, err
		}
		if allowed {
			held = append(held, perm)
		}
	}
	return held, nil
}

func (s *PermissionService) holds(ctx context.Context, user *models.User, perm models.Permission) (bool, error) {
	if s.trustAll {
		return true, nil
	}
	return s.resolve(ctx, user.ID, perm)
}

func subtreeOf(all []models.Permission, parentSysname string) (models.Permission, []models.Permission, error) {
	children := make(map[int64][]models.Permission)
	var parent models.Permission
	found := false
	for _, perm := range all {
		if perm.Sysname == parentSysname {
			parent = perm
			found = true
		}
		if perm.ParentPermissionID != nil {
			children[*perm.ParentPermissionID] = append(children[*perm.ParentPermissionID], perm)
		}
	}
	if !found {
		return models.Permission{}, nil, fmt.Errorf("%w: %s", ErrNoSuchPermission, parentSysname)
	}

	var out []models.Permission
	queue := []int64{parent.ID}
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		for _, child := range children[id] {
			out = append(out, child)
			queue = append(queue, child.ID)
		}
	}
	return parent, out, nil
}
