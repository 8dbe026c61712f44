package service

import (
	"context"

	"go.uber.org/zap"

	apperrors "navifleet.io/navifleet/internal/pkg/errors"
	"navifleet.io/navifleet/internal/pkg/logger"
	"navifleet.io/navifleet/internal/repo"
	"navifleet.io/navifleet/internal/repo/schema"
	"navifleet.io/navifleet/internal/storage"
)

// UserResult is the outcome of an administrative call. Validation and
// permission failures land here as messages instead of failing the call.
type UserResult struct {
	Successful   bool   `json:"successful"`
	ErrorMessage string `json:"error_message,omitempty"`
	UserStaticID string `json:"user_static_id,omitempty"`
}

// RegistrationParams are the inputs of a trial registration.
type RegistrationParams struct {
	Login       string
	Password    string
	CompanyName string
	WelcomeName string
	Email       string
}

// UserParams are the inputs of addUser/updateUser.
type UserParams struct {
	LicenseID string
	Login     string
	Password  string
	FullName  string
	Email     string
	Phone     string
	Enabled   bool
	RoleID    string
	GroupIDs  []string
}

// administrativeKinds are the structural kinds only admin-mask roles may
// touch; everything else (groups, devices) follows the user mask.
var administrativeKinds = map[string]struct{}{
	schema.KindLicense:        {},
	schema.KindUser:           {},
	schema.KindRole:           {},
	schema.KindPermissionRole: {},
	schema.KindGroupLink:      {},
}

// trialRole describes one generated role of a fresh trial tenant.
type trialRole struct {
	name      string
	adminMask repo.Flags
	userMask  repo.Flags
	admin     bool // becomes the new user's active role
}

var trialRoles = []trialRole{
	{name: "Administrator", adminMask: repo.FlagsAll, userMask: repo.FlagsAll, admin: true},
	{name: "Operator", adminMask: 0, userMask: repo.FlagView},
	{name: "Manager", adminMask: repo.FlagView, userMask: repo.FlagsAll},
}

// RegisterNewTrial creates a complete trial tenant under the root group:
// a company group, a license, the registering user with credentials and
// a license token, a group-link, and the three stock roles. Returns ""
// on success or a human-readable validation message.
func (s *RepoService) RegisterNewTrial(ctx context.Context, params RegistrationParams) (string, error) {
	t, err := s.loadHead(ctx)
	if err != nil {
		return "", err
	}
	t.SetRootPermissions()

	if t.LoginIndex().Find(params.Login) != nil {
		return "user exists", nil
	}
	if len(params.Login) < 6 {
		return "login is too short, at least 6 letters required", nil
	}
	if params.CompanyName == "" {
		return "Non-empty company name required", nil
	}
	if len(params.Password) < 5 {
		return "password is too short, at least 5 letters required", nil
	}

	rootUser := t.LoginIndex().Find(repo.RootLogin)
	if rootUser == nil {
		return "", apperrors.NotFound("user", repo.RootLogin)
	}
	rootLicense := rootUser.Parent()
	if rootLicense == nil {
		return "", apperrors.NotFound("license", "root license")
	}
	rootGroupID, _ := rootLicense.Field("rootgroup")
	rootGroup := t.Index(schema.KindGroup).FindStaticID(rootGroupID)
	if rootGroup == nil {
		return "", apperrors.NotFound("group", rootGroupID)
	}

	companyGroup, err := rootGroup.CreateChild(schema.KindGroup, repo.NewStaticID())
	if err != nil {
		return "", err
	}
	if err := companyGroup.SetField("title", params.CompanyName); err != nil {
		return "", err
	}

	license, err := companyGroup.CreateChild(schema.KindLicense, repo.NewStaticID())
	if err != nil {
		return "", err
	}
	if err := license.SetField("rootgroup", companyGroup.StaticID()); err != nil {
		return "", err
	}
	if err := license.SetField("title", params.CompanyName); err != nil {
		return "", err
	}

	user, err := license.CreateChild(schema.KindUser, repo.NewStaticID())
	if err != nil {
		return "", err
	}
	for name, value := range map[string]string{
		"login":        params.Login,
		"welcome_name": params.WelcomeName,
		"email":        params.Email,
		"enabled":      "true",
	} {
		if err := user.SetField(name, value); err != nil {
			return "", err
		}
	}

	link, err := user.CreateChild(schema.KindGroupLink, repo.NewStaticID())
	if err != nil {
		return "", err
	}
	if err := link.SetField("sgid", companyGroup.StaticID()); err != nil {
		return "", err
	}

	for _, tmpl := range trialRoles {
		role, err := companyGroup.CreateChild(schema.KindRole, repo.NewStaticID())
		if err != nil {
			return "", err
		}
		if err := role.SetField("name", tmpl.name); err != nil {
			return "", err
		}
		if tmpl.admin {
			if err := user.SetField("srid", role.StaticID()); err != nil {
				return "", err
			}
		}
		for _, kind := range s.schema.KindNames() {
			mask := tmpl.userMask
			if _, isAdmin := administrativeKinds[kind]; isAdmin {
				mask = tmpl.adminMask
			}
			// Zero masks are omitted rather than stored.
			if mask == 0 {
				continue
			}
			pr, err := role.CreateChild(schema.KindPermissionRole, repo.NewStaticID())
			if err != nil {
				return "", err
			}
			if err := pr.SetField("kind", kind); err != nil {
				return "", err
			}
			if err := pr.SetField("mask", mask.String()); err != nil {
				return "", err
			}
		}
	}

	hash, err := hashPassword(params.Password)
	if err != nil {
		return "", err
	}
	// The token identifies the installation that registered the license;
	// a salted hash of the license id keeps it unguessable.
	token, err := hashPassword(license.StaticID())
	if err != nil {
		return "", err
	}
	err = s.persist(ctx, t, func(tx storage.Tx) error {
		if err := tx.UpsertCredentials(ctx, user.StaticID(), hash); err != nil {
			return err
		}
		return tx.UpsertLicenseToken(ctx, license.StaticID(), token)
	})
	if err != nil {
		return "", err
	}
	logger.Info("trial registered",
		zap.String("company", params.CompanyName),
		zap.String("license", license.StaticID()),
		zap.String("user", user.StaticID()))
	return "", nil
}

// AddUser creates a user without a role or group links.
func (s *RepoService) AddUser(ctx context.Context, actorID string, params UserParams) (*UserResult, error) {
	params.RoleID = ""
	params.GroupIDs = nil
	return s.AddUserWithRole(ctx, actorID, params)
}

// AddUserWithRole creates a user under the given license with optional
// role and group links, plus credentials. Each requested link runs a
// share check against the acting user.
func (s *RepoService) AddUserWithRole(ctx context.Context, actorID string, params UserParams) (*UserResult, error) {
	t, err := s.loadHead(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.SetUserPermissions(actorID); err != nil {
		return nil, err
	}

	license := t.Index(schema.KindLicense).FindStaticID(params.LicenseID)
	if license == nil {
		return failure("unknown license"), nil
	}
	if t.LoginIndex().Find(params.Login) != nil {
		return failure("user exists"), nil
	}
	if len(params.Login) < 6 {
		return failure("login is too short, at least 6 letters required"), nil
	}
	if len(params.Password) < 5 {
		return failure("password is too short, at least 5 letters required"), nil
	}

	user, err := license.CreateChild(schema.KindUser, repo.NewStaticID())
	if err != nil {
		return nil, err
	}
	if err := setUserFields(user, params); err != nil {
		return nil, err
	}
	for _, groupID := range params.GroupIDs {
		if res, err := s.linkGroup(t, user, groupID); res != nil || err != nil {
			return res, err
		}
	}

	hash, err := hashPassword(params.Password)
	if err != nil {
		return nil, err
	}
	err = s.persist(ctx, t, func(tx storage.Tx) error {
		return tx.UpsertCredentials(ctx, user.StaticID(), hash)
	})
	if err != nil {
		return nil, err
	}
	return &UserResult{Successful: true, UserStaticID: user.StaticID()}, nil
}

// UpdateUser updates a user's fields without touching its role or group
// links.
func (s *RepoService) UpdateUser(ctx context.Context, actorID string, userID string, params UserParams) (*UserResult, error) {
	params.RoleID = ""
	params.GroupIDs = nil
	return s.updateUser(ctx, actorID, userID, params, false)
}

// UpdateUserWithRole rewrites a user's fields, re-parents it under the
// target license and reconciles its group-link set against the requested
// list: links present in both survive as the same node, unrequested
// links are deleted, new ones are created under a share check.
func (s *RepoService) UpdateUserWithRole(ctx context.Context, actorID, userID string, params UserParams) (*UserResult, error) {
	return s.updateUser(ctx, actorID, userID, params, true)
}

func (s *RepoService) updateUser(ctx context.Context, actorID, userID string, params UserParams, reconcileLinks bool) (*UserResult, error) {
	t, err := s.loadHead(ctx)
	if err != nil {
		return nil, err
	}
	if err := t.SetUserPermissions(actorID); err != nil {
		return nil, err
	}

	if params.Password != "" && len(params.Password) < 5 {
		return failure("password is too short, at least 5 letters required"), nil
	}
	license := t.Index(schema.KindLicense).FindStaticID(params.LicenseID)
	if license == nil {
		return failure("unknown license"), nil
	}
	user := t.Index(schema.KindUser).FindStaticID(userID)
	if user == nil {
		return failure("unknown user"), nil
	}
	if other := t.LoginIndex().Find(params.Login); other != nil && other != user {
		return failure("login exists"), nil
	}

	if parent := user.Parent(); parent != nil && parent != license {
		if err := parent.DetachChild(user); err != nil {
			return nil, err
		}
		if err := license.AttachChild(user); err != nil {
			return nil, err
		}
	}
	if err := setUserFields(user, params); err != nil {
		return nil, err
	}

	if reconcileLinks {
		// Detach every existing link, then re-attach the requested ones
		// so a kept link survives as the same node.
		existing := make(map[string]*repo.Node)
		for _, link := range user.ChildrenOfKind(schema.KindGroupLink) {
			sgid, ok := link.Field("sgid")
			if !ok {
				continue
			}
			existing[sgid] = link
			if err := user.DetachChild(link); err != nil {
				return nil, err
			}
		}
		for _, groupID := range params.GroupIDs {
			if link, ok := existing[groupID]; ok {
				if err := user.AttachChild(link); err != nil {
					return nil, err
				}
				delete(existing, groupID)
				continue
			}
			if res, err := s.linkGroup(t, user, groupID); res != nil || err != nil {
				return res, err
			}
		}
		// Commits resolve nodes by static id, not reachability, so links
		// no longer requested must be tombstoned or they resurface on
		// load.
		for _, link := range existing {
			if err := t.Delete(link); err != nil {
				return nil, err
			}
		}
	}

	extra := func(tx storage.Tx) error { return nil }
	if params.Password != "" {
		hash, err := hashPassword(params.Password)
		if err != nil {
			return nil, err
		}
		extra = func(tx storage.Tx) error {
			return tx.UpsertCredentials(ctx, userID, hash)
		}
	}
	if t.Mutated() {
		if err := s.persist(ctx, t, extra); err != nil {
			return nil, err
		}
	} else if params.Password != "" {
		if err := s.store.WithTx(ctx, extra); err != nil {
			return nil, err
		}
	}
	return &UserResult{Successful: true, UserStaticID: userID}, nil
}

// SetUserPassword changes credentials. Self-service is always allowed;
// changing another user's password requires the permission-management
// bit on kind user.
func (s *RepoService) SetUserPassword(ctx context.Context, actorID, userID, newPassword string) error {
	logger.Info("changing password", zap.String("user", userID))
	if actorID != userID {
		t, err := s.loadHead(ctx)
		if err != nil {
			return err
		}
		if err := t.SetUserPermissions(actorID); err != nil {
			return err
		}
		user := t.Index(schema.KindUser).FindStaticID(userID)
		if user == nil {
			return apperrors.NotFound("user", userID)
		}
		if err := t.CheckPermission(user, repo.FlagEditPermissions); err != nil {
			return err
		}
	}

	hash, err := hashPassword(newPassword)
	if err != nil {
		return err
	}
	return s.store.WithTx(ctx, func(tx storage.Tx) error {
		return tx.UpsertCredentials(ctx, userID, hash)
	})
}

// SetDeviceIdent binds a hardware identity to a device node and flips its
// pairing status.
func (s *RepoService) SetDeviceIdent(ctx context.Context, actorID, deviceID, ident string) error {
	t, err := s.loadHead(ctx)
	if err != nil {
		return err
	}
	if err := t.SetUserPermissions(actorID); err != nil {
		return err
	}
	device := t.Index(schema.KindDevice).FindStaticID(deviceID)
	if device == nil {
		return apperrors.NotFound("device", deviceID)
	}
	if err := t.CheckPermission(device, repo.FlagEdit); err != nil {
		return err
	}
	if err := device.SetField("deviceident", ident); err != nil {
		return err
	}
	if err := device.SetField("friendsstatus", "2"); err != nil {
		return err
	}
	if !t.Mutated() {
		return nil
	}
	return s.persist(ctx, t, nil)
}

// linkGroup creates a group-link under user with the mandatory share
// check. A permission failure becomes a result value.
func (s *RepoService) linkGroup(t *repo.Tree, user *repo.Node, groupID string) (*UserResult, error) {
	link, err := user.CreateChild(schema.KindGroupLink, repo.NewStaticID())
	if err != nil {
		return nil, err
	}
	if err := link.SetField("sgid", groupID); err != nil {
		return nil, err
	}
	if err := t.CheckSharePermission(groupID); err != nil {
		if _, ok := apperrors.IsPermissionDenied(err); ok {
			return failure("insufficient permissions"), nil
		}
		return nil, err
	}
	return nil, nil
}

func setUserFields(user *repo.Node, params UserParams) error {
	enabled := "false"
	if params.Enabled {
		enabled = "true"
	}
	fields := map[string]string{
		"login":        params.Login,
		"welcome_name": params.FullName,
		"email":        params.Email,
		"phone":        params.Phone,
		"enabled":      enabled,
	}
	if params.RoleID != "" {
		fields["srid"] = params.RoleID
	}
	for name, value := range fields {
		if err := user.SetField(name, value); err != nil {
			return err
		}
	}
	return nil
}

func failure(message string) *UserResult {
	return &UserResult{ErrorMessage: message}
}
