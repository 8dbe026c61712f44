package service

import (
	"context"

	"golang.org/x/crypto/bcrypt"

	"navifleet.io/navifleet/internal/pkg/logger"
	"navifleet.io/navifleet/internal/repo"
	"navifleet.io/navifleet/internal/repo/schema"
	"navifleet.io/navifleet/internal/storage"
)

// adminRoleName is the role the repair routine restores on the root user.
const adminRoleName = "Built-in Administrator"

// SeedRootTenant creates the root group, license and administrator on an
// empty repository and stores the administrator's credentials. A no-op
// when the root user already exists.
func (s *RepoService) SeedRootTenant(ctx context.Context, password string) error {
	t, err := s.loadHead(ctx)
	if err != nil {
		return err
	}
	t.SetRootPermissions()

	if t.Index(schema.KindUser).FindStaticID(repo.RootUserStaticID) != nil {
		return nil
	}
	logger.Info("empty repository, seeding root tenant")

	group, err := t.CreateRootChild(schema.KindGroup, repo.NewStaticID())
	if err != nil {
		return err
	}
	if err := group.SetField("title", "Root Group"); err != nil {
		return err
	}

	license, err := group.CreateChild(schema.KindLicense, repo.NewStaticID())
	if err != nil {
		return err
	}
	if err := license.SetField("rootgroup", group.StaticID()); err != nil {
		return err
	}
	if err := license.SetField("title", "Root License"); err != nil {
		return err
	}

	user, err := license.CreateChild(schema.KindUser, repo.RootUserStaticID)
	if err != nil {
		return err
	}
	for name, value := range map[string]string{
		"login":        repo.RootLogin,
		"welcome_name": "Administrator",
		"enabled":      "true",
	} {
		if err := user.SetField(name, value); err != nil {
			return err
		}
	}

	hash, err := hashPassword(password)
	if err != nil {
		return err
	}
	return s.persist(ctx, t, func(tx storage.Tx) error {
		return tx.UpsertCredentials(ctx, repo.RootUserStaticID, hash)
	})
}

// EnsureRootPermission is the startup invariant repair: the root user
// must always end up with a resolvable role granting the full mask on
// every declared kind and a group-link to its own root group. Idempotent;
// a second run writes nothing. When the root user is absent the routine
// logs and stops, there is nothing it can safely bootstrap from.
func (s *RepoService) EnsureRootPermission(ctx context.Context) error {
	t, err := s.loadHead(ctx)
	if err != nil {
		return err
	}
	t.SetRootPermissions()

	user := t.Index(schema.KindUser).FindStaticID(repo.RootUserStaticID)
	if user == nil {
		logger.Error("root user not found, skipping permission repair")
		return nil
	}
	license := user.Parent()
	if license == nil {
		logger.Error("root user has no license, skipping permission repair")
		return nil
	}
	rootGroup := license.Parent()
	if rootGroup == nil {
		logger.Error("root license has no group, skipping permission repair")
		return nil
	}

	hasRole := false
	if srid, _ := user.Field("srid"); srid != "" {
		hasRole = t.Index(schema.KindRole).FindStaticID(srid) != nil
	}
	if !hasRole {
		logger.Info("no role on root user, restoring one")
		role, err := rootGroup.CreateChild(schema.KindRole, repo.NewStaticID())
		if err != nil {
			return err
		}
		if err := role.SetField("name", adminRoleName); err != nil {
			return err
		}
		if err := user.SetField("srid", role.StaticID()); err != nil {
			return err
		}
		for _, kind := range s.schema.KindNames() {
			pr, err := role.CreateChild(schema.KindPermissionRole, repo.NewStaticID())
			if err != nil {
				return err
			}
			if err := pr.SetField("kind", kind); err != nil {
				return err
			}
			if err := pr.SetField("mask", repo.FlagsAll.String()); err != nil {
				return err
			}
		}
	}

	// Any link targeting the root group satisfies the invariant, not
	// only links hanging under the root user.
	hasLink := false
	for _, link := range t.Index(schema.KindGroupLink).All() {
		if sgid, _ := link.Field("sgid"); sgid == rootGroup.StaticID() {
			hasLink = true
			break
		}
	}
	if !hasLink {
		logger.Info("restoring group-link to root group")
		link, err := user.CreateChild(schema.KindGroupLink, repo.NewStaticID())
		if err != nil {
			return err
		}
		if err := link.SetField("sgid", rootGroup.StaticID()); err != nil {
			return err
		}
	}

	if !t.Mutated() {
		logger.Debug("root permission check passed, nothing to repair")
		return nil
	}
	return s.persist(ctx, t, nil)
}

func hashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
