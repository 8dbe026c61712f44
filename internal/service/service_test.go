package service

import (
	"context"
	"errors"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	apperrors "navifleet.io/navifleet/internal/pkg/errors"
	"navifleet.io/navifleet/internal/pkg/logger"
	"navifleet.io/navifleet/internal/repo"
	"navifleet.io/navifleet/internal/repo/schema"
	"navifleet.io/navifleet/internal/testutil"
)

func TestMain(m *testing.M) {
	if err := logger.Init("error", "console"); err != nil {
		panic(err)
	}
	os.Exit(m.Run())
}

const rootPassword = "rootsecret"

// newService seeds an empty store with the root tenant and runs the
// startup repair, mirroring process bootstrap.
func newService(t *testing.T) (*RepoService, *testutil.MemStore) {
	t.Helper()
	store := testutil.NewMemStore()
	svc := NewRepoService(store, schema.Default(), nil)
	ctx := context.Background()
	require.NoError(t, svc.SeedRootTenant(ctx, rootPassword))
	require.NoError(t, svc.EnsureRootPermission(ctx))
	return svc, store
}

// headTree loads the current head with unrestricted permissions for
// assertions.
func headTree(t *testing.T, svc *RepoService) *repo.Tree {
	t.Helper()
	tree, err := svc.loadHead(context.Background())
	require.NoError(t, err)
	tree.SetRootPermissions()
	return tree
}

// registerTrial creates a tenant and returns the admin's static id and
// the company group's static id.
func registerTrial(t *testing.T, svc *RepoService, login, company string) (adminID, groupID, licenseID string) {
	t.Helper()
	msg, err := svc.RegisterNewTrial(context.Background(), RegistrationParams{
		Login:       login,
		Password:    "secret1",
		CompanyName: company,
		WelcomeName: "Trial Admin",
		Email:       login + "@example.com",
	})
	require.NoError(t, err)
	require.Empty(t, msg)

	tree := headTree(t, svc)
	admin := tree.LoginIndex().Find(login)
	require.NotNil(t, admin)
	license := admin.Parent()
	require.Equal(t, schema.KindLicense, license.Kind())
	group, _ := license.Field("rootgroup")
	return admin.StaticID(), group, license.StaticID()
}

// applyPatch runs Apply as the given user and requires success.
func applyPatch(t *testing.T, svc *RepoService, userID string, p *repo.Patch) {
	t.Helper()
	doc, err := p.Serialize()
	require.NoError(t, err)
	_, err = svc.Apply(context.Background(), userID, doc)
	require.NoError(t, err)
}

func TestSyncFastPath(t *testing.T) {
	svc, store := newService(t)
	head := store.HeadCommit()
	commits := store.CommitCount()

	res, err := svc.Sync(context.Background(), repo.RootUserStaticID, head, "{}")
	require.NoError(t, err)
	require.Equal(t, head, res.NewCommit)
	require.Equal(t, head, res.OldCommit)
	require.Equal(t, "{}", res.Diff)
	require.Equal(t, commits, store.CommitCount(), "fast path must not write")
}

func TestSyncIdempotentNoOp(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()

	first, err := svc.Sync(ctx, repo.RootUserStaticID, repo.BaselineCommitID, "")
	require.NoError(t, err)
	require.NotEqual(t, "{}", first.Diff, "fresh client must receive the full state")

	second, err := svc.Sync(ctx, repo.RootUserStaticID, first.NewCommit, "")
	require.NoError(t, err)
	require.Equal(t, first.NewCommit, second.NewCommit)
	require.Equal(t, "{}", second.Diff)
}

func TestSyncAppliesClientPatch(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	before := store.HeadCommit()

	tree := headTree(t, svc)
	rootGroup := tree.RootChildren()[0]
	patch := &repo.Patch{Ops: []repo.Op{
		repo.CreateOp{
			Kind:     schema.KindGroup,
			ParentID: rootGroup.StaticID(),
			StaticID: "branch-1",
			Fields:   map[string]string{"title": "Branch One"},
		},
	}}
	doc, err := patch.Serialize()
	require.NoError(t, err)

	res, err := svc.Sync(ctx, repo.RootUserStaticID, before, doc)
	require.NoError(t, err)
	require.NotEqual(t, before, res.NewCommit, "head must move")
	require.Equal(t, res.NewCommit, store.HeadCommit())

	after := headTree(t, svc)
	created := after.Node("branch-1")
	require.NotNil(t, created)
	title, _ := created.Field("title")
	require.Equal(t, "Branch One", title)
}

func TestSyncRejectedPatchLeavesHeadUnchanged(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	adminID, _, _ := registerTrial(t, svc, "trialadmin", "Company One")

	tree := headTree(t, svc)
	rootUser := tree.Node(repo.RootUserStaticID)
	rootLicense := rootUser.Parent()

	before := store.HeadCommit()
	patch := &repo.Patch{Ops: []repo.Op{
		repo.CreateOp{
			Kind:     schema.KindUser,
			ParentID: rootLicense.StaticID(),
			StaticID: "intruder",
			Fields:   map[string]string{"login": "intruder1"},
		},
	}}
	doc, err := patch.Serialize()
	require.NoError(t, err)

	res, err := svc.Sync(ctx, adminID, before, doc)
	require.NoError(t, err, "rejected patch is dropped, not failed")
	require.Equal(t, before, store.HeadCommit(), "head must be unchanged")
	require.Equal(t, before, res.NewCommit)

	after := headTree(t, svc)
	require.Nil(t, after.Node("intruder"))

	// The same client catching up from scratch gets the true state back.
	catchup, err := svc.Sync(ctx, adminID, repo.BaselineCommitID, "{}")
	require.NoError(t, err)
	require.Equal(t, before, catchup.NewCommit)
	require.NotEqual(t, "{}", catchup.Diff)
}

func TestSyncStorageFailurePropagates(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	before := store.HeadCommit()

	tree := headTree(t, svc)
	rootGroup := tree.RootChildren()[0]
	patch := &repo.Patch{Ops: []repo.Op{
		repo.CreateOp{
			Kind:     schema.KindGroup,
			ParentID: rootGroup.StaticID(),
			StaticID: "branch-2",
			Fields:   map[string]string{"title": "Branch Two"},
		},
	}}
	doc, err := patch.Serialize()
	require.NoError(t, err)

	// A failing transaction is a storage fault, not a patch rejection:
	// the call fails instead of answering with a rollback diff.
	store.FailNext = errors.New("connection reset")
	_, err = svc.Sync(ctx, repo.RootUserStaticID, before, doc)
	require.Error(t, err)
	require.Equal(t, before, store.HeadCommit(), "head must be unchanged")
}

func TestRepairRestoresRoleAndLink(t *testing.T) {
	store := testutil.NewMemStore()
	svc := NewRepoService(store, schema.Default(), nil)
	ctx := context.Background()

	// Seed leaves the root user with no role and no group-link.
	require.NoError(t, svc.SeedRootTenant(ctx, rootPassword))

	require.NoError(t, svc.EnsureRootPermission(ctx))
	repaired := store.HeadCommit()

	tree := headTree(t, svc)
	rootUser := tree.Node(repo.RootUserStaticID)
	srid, _ := rootUser.Field("srid")
	require.NotEmpty(t, srid, "repair must assign a role")

	role := tree.Index(schema.KindRole).FindStaticID(srid)
	require.NotNil(t, role)
	name, _ := role.Field("name")
	require.Equal(t, adminRoleName, name)

	rules := role.ChildrenOfKind(schema.KindPermissionRole)
	require.Len(t, rules, len(schema.Default().KindNames()), "one full-mask rule per declared kind")
	for _, rule := range rules {
		mask, _ := rule.Field("mask")
		require.Equal(t, "15", mask)
	}

	rootGroup := rootUser.Parent().Parent()
	links := rootUser.ChildrenOfKind(schema.KindGroupLink)
	require.Len(t, links, 1)
	sgid, _ := links[0].Field("sgid")
	require.Equal(t, rootGroup.StaticID(), sgid)

	// Second run must write nothing.
	commits := store.CommitCount()
	require.NoError(t, svc.EnsureRootPermission(ctx))
	require.Equal(t, repaired, store.HeadCommit())
	require.Equal(t, commits, store.CommitCount())
}

func TestRepairWithoutRootUserIsNoOp(t *testing.T) {
	store := testutil.NewMemStore()
	svc := NewRepoService(store, schema.Default(), nil)

	require.NoError(t, svc.EnsureRootPermission(context.Background()))
	require.Equal(t, repo.BaselineCommitID, store.HeadCommit())
}

func TestRegisterNewTrialValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	registerTrial(t, svc, "trialadmin", "Company One")

	tests := []struct {
		name   string
		params RegistrationParams
		want   string
	}{
		{
			"duplicate login",
			RegistrationParams{Login: "trialadmin", Password: "secret1", CompanyName: "Another"},
			"user exists",
		},
		{
			"short login",
			RegistrationParams{Login: "abc", Password: "secret1", CompanyName: "Another"},
			"login is too short, at least 6 letters required",
		},
		{
			"empty company",
			RegistrationParams{Login: "newlogin", Password: "secret1"},
			"Non-empty company name required",
		},
		{
			"short password",
			RegistrationParams{Login: "newlogin", Password: "abc", CompanyName: "Another"},
			"password is too short, at least 5 letters required",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := svc.RegisterNewTrial(ctx, tt.params)
			require.NoError(t, err)
			require.Equal(t, tt.want, msg)
		})
	}
}

func TestRegisterNewTrialStructure(t *testing.T) {
	svc, store := newService(t)
	adminID, groupID, licenseID := registerTrial(t, svc, "trialadmin", "Company One")

	tree := headTree(t, svc)
	admin := tree.Node(adminID)

	enabled, _ := admin.Field("enabled")
	require.Equal(t, "true", enabled)

	// Admin's active role is the full-mask Administrator.
	srid, _ := admin.Field("srid")
	adminRole := tree.Index(schema.KindRole).FindStaticID(srid)
	require.NotNil(t, adminRole)
	name, _ := adminRole.Field("name")
	require.Equal(t, "Administrator", name)
	require.Len(t, adminRole.ChildrenOfKind(schema.KindPermissionRole),
		len(schema.Default().KindNames()))

	// Stock roles live under the company group; zero masks are omitted,
	// so Operator only carries rules for the non-administrative kinds.
	group := tree.Node(groupID)
	byName := map[string]*repo.Node{}
	for _, role := range group.ChildrenOfKind(schema.KindRole) {
		n, _ := role.Field("name")
		byName[n] = role
	}
	require.Contains(t, byName, "Operator")
	require.Contains(t, byName, "Manager")
	require.Len(t, byName["Operator"].ChildrenOfKind(schema.KindPermissionRole), 2)
	require.Len(t, byName["Manager"].ChildrenOfKind(schema.KindPermissionRole),
		len(schema.Default().KindNames()))

	// The admin sees exactly its company subtree.
	links := admin.ChildrenOfKind(schema.KindGroupLink)
	require.Len(t, links, 1)
	sgid, _ := links[0].Field("sgid")
	require.Equal(t, groupID, sgid)

	require.NotEmpty(t, store.Credential(adminID))
	require.NotEmpty(t, store.LicenseToken(licenseID))
	lic, err := svc.LicenseByToken(context.Background(), store.LicenseToken(licenseID))
	require.NoError(t, err)
	require.Equal(t, licenseID, lic)
}

func TestGroupLinkReconcile(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	adminID, groupID, licenseID := registerTrial(t, svc, "trialadmin", "Company One")

	applyPatch(t, svc, adminID, &repo.Patch{Ops: []repo.Op{
		repo.CreateOp{Kind: schema.KindGroup, ParentID: groupID, StaticID: "g1"},
		repo.CreateOp{Kind: schema.KindGroup, ParentID: groupID, StaticID: "g2"},
		repo.CreateOp{Kind: schema.KindGroup, ParentID: groupID, StaticID: "g3"},
	}})

	res, err := svc.AddUserWithRole(ctx, adminID, UserParams{
		LicenseID: licenseID,
		Login:     "driveruser",
		Password:  "pass123",
		FullName:  "Driver",
		Enabled:   true,
		GroupIDs:  []string{"g1", "g2"},
	})
	require.NoError(t, err)
	require.True(t, res.Successful, res.ErrorMessage)
	userID := res.UserStaticID

	linkByGroup := func() map[string]string {
		out := map[string]string{}
		tree := headTree(t, svc)
		for _, link := range tree.Node(userID).ChildrenOfKind(schema.KindGroupLink) {
			sgid, _ := link.Field("sgid")
			out[sgid] = link.StaticID()
		}
		return out
	}

	before := linkByGroup()
	require.Len(t, before, 2)
	require.Contains(t, before, "g1")
	require.Contains(t, before, "g2")

	res, err = svc.UpdateUserWithRole(ctx, adminID, userID, UserParams{
		LicenseID: licenseID,
		Login:     "driveruser",
		FullName:  "Driver",
		Enabled:   true,
		GroupIDs:  []string{"g2", "g3"},
	})
	require.NoError(t, err)
	require.True(t, res.Successful, res.ErrorMessage)

	after := linkByGroup()
	require.Len(t, after, 2)
	require.NotContains(t, after, "g1", "unrequested link must be deleted")
	require.Contains(t, after, "g3")
	require.Equal(t, before["g2"], after["g2"], "kept link must be the same node")
}

func TestAddUserValidation(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	adminID, _, licenseID := registerTrial(t, svc, "trialadmin", "Company One")

	tests := []struct {
		name   string
		params UserParams
		want   string
	}{
		{"unknown license", UserParams{LicenseID: "ghost", Login: "driveruser", Password: "pass123"}, "unknown license"},
		{"duplicate login", UserParams{LicenseID: licenseID, Login: "trialadmin", Password: "pass123"}, "user exists"},
		{"short login", UserParams{LicenseID: licenseID, Login: "abc", Password: "pass123"}, "login is too short, at least 6 letters required"},
		{"short password", UserParams{LicenseID: licenseID, Login: "driveruser", Password: "abc"}, "password is too short, at least 5 letters required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := svc.AddUserWithRole(ctx, adminID, tt.params)
			require.NoError(t, err)
			require.False(t, res.Successful)
			require.Equal(t, tt.want, res.ErrorMessage)
		})
	}
}

func TestAddUserShareCheckDeniesForeignGroup(t *testing.T) {
	svc, store := newService(t)
	ctx := context.Background()
	adminID, _, licenseID := registerTrial(t, svc, "trialadmin", "Company One")

	tree := headTree(t, svc)
	rootGroup := tree.RootChildren()[0]
	before := store.HeadCommit()

	res, err := svc.AddUserWithRole(ctx, adminID, UserParams{
		LicenseID: licenseID,
		Login:     "driveruser",
		Password:  "pass123",
		GroupIDs:  []string{rootGroup.StaticID()},
	})
	require.NoError(t, err)
	require.False(t, res.Successful)
	require.Equal(t, "insufficient permissions", res.ErrorMessage)
	require.Equal(t, before, store.HeadCommit(), "nothing may be persisted")
}

func TestSetUserPassword(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	adminID, _, licenseID := registerTrial(t, svc, "trialadmin", "Company One")

	res, err := svc.AddUser(ctx, adminID, UserParams{
		LicenseID: licenseID,
		Login:     "driveruser",
		Password:  "pass123",
		Enabled:   true,
	})
	require.NoError(t, err)
	require.True(t, res.Successful)
	driverID := res.UserStaticID

	// Self-service always works.
	require.NoError(t, svc.SetUserPassword(ctx, driverID, driverID, "newpass1"))
	got, err := svc.Authenticate(ctx, "driveruser", "newpass1")
	require.NoError(t, err)
	require.Equal(t, driverID, got)

	// The driver has no role, so administering the admin is denied.
	err = svc.SetUserPassword(ctx, driverID, adminID, "hijack1")
	require.Error(t, err)

	// The tenant admin holds the permission-management bit on kind user.
	require.NoError(t, svc.SetUserPassword(ctx, adminID, driverID, "reset12"))
	_, err = svc.Authenticate(ctx, "driveruser", "newpass1")
	require.Error(t, err)
	_, err = svc.Authenticate(ctx, "driveruser", "reset12")
	require.NoError(t, err)
}

func TestSetUserPasswordNeedsPermissionManagementBit(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	adminID, groupID, licenseID := registerTrial(t, svc, "trialadmin", "Company One")

	// Two roles differing only in the user-kind mask: one carries the
	// permission-management bit, the other administer alone.
	applyPatch(t, svc, adminID, &repo.Patch{Ops: []repo.Op{
		repo.CreateOp{Kind: schema.KindRole, ParentID: groupID, StaticID: "r-pwmgr",
			Fields: map[string]string{"name": "Password Manager"}},
		repo.CreateOp{Kind: schema.KindPermissionRole, ParentID: "r-pwmgr", StaticID: "pr-pwmgr",
			Fields: map[string]string{"kind": schema.KindUser, "mask": (repo.FlagView | repo.FlagEditPermissions).String()}},
		repo.CreateOp{Kind: schema.KindRole, ParentID: groupID, StaticID: "r-admonly",
			Fields: map[string]string{"name": "Administer Only"}},
		repo.CreateOp{Kind: schema.KindPermissionRole, ParentID: "r-admonly", StaticID: "pr-admonly",
			Fields: map[string]string{"kind": schema.KindUser, "mask": (repo.FlagView | repo.FlagAdminister).String()}},
	}})

	addUser := func(login, roleID string) string {
		res, err := svc.AddUserWithRole(ctx, adminID, UserParams{
			LicenseID: licenseID,
			Login:     login,
			Password:  "pass123",
			Enabled:   true,
			RoleID:    roleID,
			GroupIDs:  []string{groupID},
		})
		require.NoError(t, err)
		require.True(t, res.Successful, res.ErrorMessage)
		return res.UserStaticID
	}
	pwmgrID := addUser("pwmanager", "r-pwmgr")
	admonlyID := addUser("admonly1", "r-admonly")
	targetID := addUser("target01", "")

	require.NoError(t, svc.SetUserPassword(ctx, pwmgrID, targetID, "newone1"))
	_, err := svc.Authenticate(ctx, "target01", "newone1")
	require.NoError(t, err)

	err = svc.SetUserPassword(ctx, admonlyID, targetID, "stolen1")
	require.Error(t, err)
	_, ok := apperrors.IsPermissionDenied(err)
	require.True(t, ok, "administer alone must not manage credentials: %v", err)
}

func TestSetDeviceIdent(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	adminID, groupID, licenseID := registerTrial(t, svc, "trialadmin", "Company One")

	applyPatch(t, svc, adminID, &repo.Patch{Ops: []repo.Op{
		repo.CreateOp{Kind: schema.KindDevice, ParentID: groupID, StaticID: "dev1",
			Fields: map[string]string{"title": "Truck 7"}},
	}})

	require.NoError(t, svc.SetDeviceIdent(ctx, adminID, "dev1", "IMEI-123"))

	tree := headTree(t, svc)
	dev := tree.Node("dev1")
	ident, _ := dev.Field("deviceident")
	require.Equal(t, "IMEI-123", ident)
	status, _ := dev.Field("friendsstatus")
	require.Equal(t, "2", status)

	// A roleless user cannot even see the device.
	res, err := svc.AddUser(ctx, adminID, UserParams{
		LicenseID: licenseID, Login: "driveruser", Password: "pass123", Enabled: true,
	})
	require.NoError(t, err)
	require.True(t, res.Successful)
	require.Error(t, svc.SetDeviceIdent(ctx, res.UserStaticID, "dev1", "IMEI-999"))
}

func TestAuthenticate(t *testing.T) {
	svc, _ := newService(t)
	ctx := context.Background()
	adminID, _, licenseID := registerTrial(t, svc, "trialadmin", "Company One")

	got, err := svc.Authenticate(ctx, "trialadmin", "secret1")
	require.NoError(t, err)
	require.Equal(t, adminID, got)

	_, err = svc.Authenticate(ctx, "trialadmin", "wrongpass")
	require.Error(t, err)
	_, err = svc.Authenticate(ctx, "nosuchlogin", "secret1")
	require.Error(t, err)

	// Disabled users cannot log in.
	res, err := svc.UpdateUser(ctx, adminID, adminID, UserParams{
		LicenseID: licenseID,
		Login:     "trialadmin",
		FullName:  "Trial Admin",
		Enabled:   false,
	})
	require.NoError(t, err)
	require.True(t, res.Successful, res.ErrorMessage)
	_, err = svc.Authenticate(ctx, "trialadmin", "secret1")
	require.Error(t, err)
}
