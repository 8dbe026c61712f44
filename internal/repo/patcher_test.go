package repo

import (
	"testing"

	apperrors "navifleet.io/navifleet/internal/pkg/errors"
	"navifleet.io/navifleet/internal/repo/schema"
)

func TestApplyPatchUnrestricted(t *testing.T) {
	tr := permFixture(t)
	tr.SetRootPermissions()

	p := &Patch{Ops: []Op{
		CreateOp{Kind: schema.KindDevice, ParentID: "east", StaticID: "d-new", Fields: map[string]string{"title": "van 3"}},
		SetFieldOp{StaticID: "d-east", Name: "title", Value: "truck 1"},
		DeleteOp{StaticID: "d-west"},
		LinkGroupOp{StaticID: "gl2", UserStaticID: "u1", GroupStaticID: "west"},
	}}
	if err := tr.ApplyPatch(p); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}

	if n := tr.Node("d-new"); n == nil {
		t.Fatal("created node missing")
	} else if title, _ := n.Field("title"); title != "van 3" {
		t.Errorf("created node title = %q", title)
	}
	if title, _ := tr.Node("d-east").Field("title"); title != "truck 1" {
		t.Errorf("set op not applied, title = %q", title)
	}
	if tr.Node("d-west") != nil {
		t.Error("deleted node still present")
	}
	link := tr.Node("gl2")
	if link == nil {
		t.Fatal("grouplink missing")
	}
	if sgid, _ := link.Field("sgid"); sgid != "west" {
		t.Errorf("grouplink sgid = %q, want west", sgid)
	}
	if link.Parent().StaticID() != "u1" {
		t.Error("grouplink must hang under the user")
	}
}

func TestApplyPatchEnforcesPermissions(t *testing.T) {
	tests := []struct {
		name string
		op   Op
	}{
		{"create needs create flag", CreateOp{Kind: schema.KindDevice, ParentID: "east", StaticID: "d-new"}},
		{"delete needs administer", DeleteOp{StaticID: "d-east"}},
		{"edit outside subtree", SetFieldOp{StaticID: "d-west", Name: "title", Value: "x"}},
		{"edit on path node", SetFieldOp{StaticID: "corp", Name: "title", Value: "x"}},
		{"linkgroup needs share", LinkGroupOp{StaticID: "gl2", UserStaticID: "u1", GroupStaticID: "west"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := permFixture(t)
			if err := tr.SetUserPermissions("u1"); err != nil {
				t.Fatal(err)
			}
			err := tr.ApplyPatch(&Patch{Ops: []Op{tt.op}})
			if _, ok := apperrors.IsPermissionDenied(err); !ok {
				t.Errorf("ApplyPatch = %v, want PermissionError", err)
			}
		})
	}
}

func TestApplyPatchAllowsPermittedEdit(t *testing.T) {
	tr := permFixture(t)
	if err := tr.SetUserPermissions("u1"); err != nil {
		t.Fatal(err)
	}
	p := &Patch{Ops: []Op{SetFieldOp{StaticID: "d-east", Name: "title", Value: "renamed"}}}
	if err := tr.ApplyPatch(p); err != nil {
		t.Fatalf("ApplyPatch: %v", err)
	}
	if title, _ := tr.Node("d-east").Field("title"); title != "renamed" {
		t.Errorf("title = %q, want renamed", title)
	}
}

// linkRetargetFixture builds a tenant where u1 may create and edit
// grouplinks inside its linked subtree (east) but holds only groupMask
// on groups. east-sub sits inside the subtree, west outside it.
func linkRetargetFixture(t *testing.T, groupMask Flags) *Tree {
	t.Helper()
	tr := newTestTree(t)

	corp := mustCreateRoot(t, tr, schema.KindGroup, "corp")
	east := mustCreate(t, corp, schema.KindGroup, "east")
	mustCreate(t, east, schema.KindGroup, "east-sub")
	mustCreate(t, corp, schema.KindGroup, "west")
	eastLic := mustCreate(t, east, schema.KindLicense, "lic-east")
	mustCreate(t, eastLic, schema.KindUser, "u2")

	role := mustCreate(t, corp, schema.KindRole, "r1")
	rules := map[string]struct {
		kind string
		mask Flags
	}{
		"pr-link": {schema.KindGroupLink, FlagView | FlagCreate | FlagEdit},
		"pr-user": {schema.KindUser, FlagView},
		"pr-grp":  {schema.KindGroup, groupMask},
	}
	for id, rule := range rules {
		pr := mustCreate(t, role, schema.KindPermissionRole, id)
		if err := pr.SetField("kind", rule.kind); err != nil {
			t.Fatal(err)
		}
		if err := pr.SetField("mask", rule.mask.String()); err != nil {
			t.Fatal(err)
		}
	}

	lic := mustCreate(t, corp, schema.KindLicense, "lic")
	u := mustCreate(t, lic, schema.KindUser, "u1")
	if err := u.SetField("srid", "r1"); err != nil {
		t.Fatal(err)
	}
	gl := mustCreate(t, u, schema.KindGroupLink, "gl1")
	if err := gl.SetField("sgid", "east"); err != nil {
		t.Fatal(err)
	}
	return tr
}

func TestApplyPatchShareCheckOnLinkRetarget(t *testing.T) {
	// A bare grouplink create followed by pointing it at a group is the
	// same grant as a linkgroup op and must clear the same share check.
	retarget := func(target string) *Patch {
		return &Patch{Ops: []Op{
			CreateOp{Kind: schema.KindGroupLink, ParentID: "u2", StaticID: "gl-x"},
			SetFieldOp{StaticID: "gl-x", Name: "sgid", Value: target},
		}}
	}

	tr := linkRetargetFixture(t, FlagView)
	if err := tr.SetUserPermissions("u1"); err != nil {
		t.Fatal(err)
	}
	err := tr.ApplyPatch(retarget("east-sub"))
	if _, ok := apperrors.IsPermissionDenied(err); !ok {
		t.Fatalf("retarget without administer = %v, want PermissionError", err)
	}

	tr = linkRetargetFixture(t, FlagView|FlagAdminister)
	if err := tr.SetUserPermissions("u1"); err != nil {
		t.Fatal(err)
	}
	err = tr.ApplyPatch(retarget("west"))
	if _, ok := apperrors.IsPermissionDenied(err); !ok {
		t.Fatalf("retarget outside subtree = %v, want PermissionError", err)
	}

	// With administer on a group inside the subtree the same patch is a
	// legitimate share.
	tr = linkRetargetFixture(t, FlagView|FlagAdminister)
	if err := tr.SetUserPermissions("u1"); err != nil {
		t.Fatal(err)
	}
	if err := tr.ApplyPatch(retarget("east-sub")); err != nil {
		t.Fatalf("permitted retarget rejected: %v", err)
	}
	if sgid, _ := tr.Node("gl-x").Field("sgid"); sgid != "east-sub" {
		t.Errorf("sgid = %q, want east-sub", sgid)
	}
}

func TestApplyPatchStructuralFailures(t *testing.T) {
	tr := permFixture(t)
	tr.SetRootPermissions()

	err := tr.ApplyPatch(&Patch{Ops: []Op{SetFieldOp{StaticID: "ghost", Name: "title", Value: "x"}}})
	if _, ok := apperrors.IsNotFound(err); !ok {
		t.Errorf("set on unknown node = %v, want NotFoundError", err)
	}

	err = tr.ApplyPatch(&Patch{Ops: []Op{
		CreateOp{Kind: schema.KindDevice, ParentID: "east", StaticID: "d-bad", Fields: map[string]string{"nope": "x"}},
	}})
	if _, ok := apperrors.IsMalformedPatch(err); !ok {
		t.Errorf("create with undeclared field = %v, want MalformedPatchError", err)
	}

	err = tr.ApplyPatch(&Patch{Ops: []Op{
		CreateOp{Kind: schema.KindUser, ParentID: "east", StaticID: "u-bad"},
	}})
	if _, ok := apperrors.IsMalformedPatch(err); !ok {
		t.Errorf("create violating parent rules = %v, want MalformedPatchError", err)
	}
}
