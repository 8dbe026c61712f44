package repo

import (
	"strconv"

	apperrors "navifleet.io/navifleet/internal/pkg/errors"
	"navifleet.io/navifleet/internal/repo/schema"
)

// Flags is the closed permission bitmask carried by permissionrole nodes.
type Flags uint8

const (
	FlagView       Flags = 1
	FlagCreate     Flags = 2
	FlagEdit       Flags = 4
	FlagAdminister Flags = 8

	// FlagEditPermissions names the second bit in its permission-
	// management role: the role dialogs label it "manage group
	// permission", and credential administration checks it.
	FlagEditPermissions = FlagCreate

	// FlagsAll grants every permission on a kind.
	FlagsAll = FlagView | FlagCreate | FlagEdit | FlagAdminister
)

// Has reports whether every bit of want is present in f.
func (f Flags) Has(want Flags) bool { return f&want == want }

// String renders the mask in its wire form, a decimal number.
func (f Flags) String() string { return strconv.Itoa(int(f)) }

// ParseMask parses the decimal mask stored on permissionrole nodes.
// Unknown bits are rejected; the mask vocabulary is closed.
func ParseMask(s string) (Flags, error) {
	v, err := strconv.Atoi(s)
	if err != nil || v < 0 || Flags(v)&^FlagsAll != 0 {
		return 0, apperrors.Validation("invalid permission mask " + strconv.Quote(s))
	}
	return Flags(v), nil
}

// binding is the evaluated permission state of one viewer against one
// tree. masks is per entity kind; subtrees holds the linked group roots;
// paths holds every ancestor of a linked group, which is visible so the
// group keeps its place in the hierarchy but is never writable through
// the path alone.
type binding struct {
	unrestricted bool
	userID       string
	masks        map[string]Flags
	subtrees     map[string]struct{}
	paths        map[string]struct{}
}

// SetRootPermissions binds the tree to an unrestricted viewer: every node
// is visible and every operation permitted. Reserved for internal
// maintenance flows; client requests always bind through
// SetUserPermissions.
func (t *Tree) SetRootPermissions() {
	t.binding = &binding{unrestricted: true}
}

// ClearPermissions drops the current viewer binding; with no binding
// every visibility and permission check denies.
func (t *Tree) ClearPermissions() {
	t.binding = nil
}

// BoundUser returns the static id of the currently bound viewer, or "".
func (t *Tree) BoundUser() string {
	if t.binding == nil || t.binding.unrestricted {
		return ""
	}
	return t.binding.userID
}

// SetUserPermissions binds the tree to the given user's view: kind masks
// come from the user's role (srid field) and its permissionrole children,
// visibility from the user's grouplink children. The bootstrap
// administrator is evaluated like any other user; the startup repair
// keeps its role and group-link intact.
func (t *Tree) SetUserPermissions(userStaticID string) error {
	user := t.Index(schema.KindUser).FindStaticID(userStaticID)
	if user == nil {
		return apperrors.NotFound("user", userStaticID)
	}

	b := &binding{
		userID:   userStaticID,
		masks:    make(map[string]Flags),
		subtrees: make(map[string]struct{}),
		paths:    make(map[string]struct{}),
	}

	if srid, _ := user.Field("srid"); srid != "" {
		role := t.Index(schema.KindRole).FindStaticID(srid)
		if role != nil {
			for _, pr := range role.ChildrenOfKind(schema.KindPermissionRole) {
				kind, _ := pr.Field("kind")
				maskStr, _ := pr.Field("mask")
				mask, err := ParseMask(maskStr)
				if err != nil {
					continue
				}
				b.masks[kind] |= mask
			}
		}
	}

	for _, link := range user.ChildrenOfKind(schema.KindGroupLink) {
		sgid, _ := link.Field("sgid")
		group := t.Index(schema.KindGroup).FindStaticID(sgid)
		if group == nil || group.Detached() {
			continue
		}
		b.subtrees[group.StaticID()] = struct{}{}
		for p := group.Parent(); p != nil; p = p.Parent() {
			b.paths[p.StaticID()] = struct{}{}
		}
	}

	t.binding = b
	return nil
}

// Visible reports whether the bound viewer can see the node: either an
// ancestor (or the node itself) is a linked group, or the node lies on
// the ancestor path of one.
func (t *Tree) Visible(n *Node) bool {
	b := t.binding
	if b == nil {
		return false
	}
	if b.unrestricted {
		return true
	}
	if t.inSubtree(n) {
		return true
	}
	_, onPath := b.paths[n.StaticID()]
	return onPath
}

// CheckPermission verifies the bound viewer holds the wanted flags on the
// node. Path-only visibility grants view and nothing else.
func (t *Tree) CheckPermission(n *Node, want Flags) error {
	b := t.binding
	if b == nil {
		return apperrors.PermissionDenied(n.Kind(), n.StaticID(), uint8(want))
	}
	if b.unrestricted {
		return nil
	}
	if t.inSubtree(n) {
		if b.masks[n.Kind()].Has(want) {
			return nil
		}
		return apperrors.PermissionDenied(n.Kind(), n.StaticID(), uint8(want))
	}
	if _, onPath := b.paths[n.StaticID()]; onPath && want == FlagView {
		return nil
	}
	return apperrors.PermissionDenied(n.Kind(), n.StaticID(), uint8(want))
}

// CheckCreatePermission verifies the bound viewer may create a node of
// the given kind under parent. A nil parent means a root child, which
// only an unrestricted viewer may create.
func (t *Tree) CheckCreatePermission(parent *Node, kind, staticID string) error {
	b := t.binding
	if b == nil {
		return apperrors.PermissionDenied(kind, staticID, uint8(FlagCreate))
	}
	if b.unrestricted {
		return nil
	}
	if parent == nil || !t.inSubtree(parent) {
		return apperrors.PermissionDenied(kind, staticID, uint8(FlagCreate))
	}
	if !b.masks[kind].Has(FlagCreate) {
		return apperrors.PermissionDenied(kind, staticID, uint8(FlagCreate))
	}
	return nil
}

// CheckSharePermission verifies the bound viewer may hand out access to
// the given group, which requires administer on the group node itself.
func (t *Tree) CheckSharePermission(groupStaticID string) error {
	group := t.Index(schema.KindGroup).FindStaticID(groupStaticID)
	if group == nil {
		return apperrors.NotFound("group", groupStaticID)
	}
	return t.CheckPermission(group, FlagAdminister)
}

func (t *Tree) inSubtree(n *Node) bool {
	for v := n; v != nil; v = v.Parent() {
		if v.Detached() {
			return false
		}
		if _, ok := t.binding.subtrees[v.StaticID()]; ok {
			return true
		}
	}
	return false
}
