package repo

import (
	apperrors "navifleet.io/navifleet/internal/pkg/errors"
	"navifleet.io/navifleet/internal/repo/schema"
)

// ApplyPatch applies the patch to the tree in order, checking the bound
// viewer's permission before every operation. On error the tree is left
// partially modified; the caller must discard it and reload, never tag
// or persist it.
func (t *Tree) ApplyPatch(p *Patch) error {
	for _, op := range p.Ops {
		var err error
		switch o := op.(type) {
		case CreateOp:
			err = t.applyCreate(o)
		case SetFieldOp:
			err = t.applySetField(o)
		case DeleteOp:
			err = t.applyDelete(o)
		case LinkGroupOp:
			err = t.applyLinkGroup(o)
		default:
			err = apperrors.MalformedPatch("unknown op type", nil)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

func (t *Tree) applyCreate(o CreateOp) error {
	var parent *Node
	if o.ParentID != "" {
		parent = t.Node(o.ParentID)
		if parent == nil {
			return apperrors.NotFound("node", o.ParentID)
		}
	}
	if err := t.CheckCreatePermission(parent, o.Kind, o.StaticID); err != nil {
		return err
	}
	// Creating a grouplink hands out access to a subtree, which needs
	// administer on the target group on top of the create flag.
	if o.Kind == schema.KindGroupLink {
		if sgid := o.Fields["sgid"]; sgid != "" {
			if err := t.CheckSharePermission(sgid); err != nil {
				return err
			}
		}
	}

	var n *Node
	var err error
	if parent == nil {
		n, err = t.CreateRootChild(o.Kind, o.StaticID)
	} else {
		n, err = parent.CreateChild(o.Kind, o.StaticID)
	}
	if err != nil {
		return apperrors.MalformedPatch("create failed", err)
	}
	for name, value := range o.Fields {
		if err := n.SetField(name, value); err != nil {
			return apperrors.MalformedPatch("create failed", err)
		}
	}
	return nil
}

func (t *Tree) applySetField(o SetFieldOp) error {
	n := t.Node(o.StaticID)
	if n == nil {
		return apperrors.NotFound("node", o.StaticID)
	}
	if err := t.CheckPermission(n, FlagEdit); err != nil {
		return err
	}
	// Pointing a grouplink at a group hands out access to its subtree,
	// same as creating the link, so the share check fires here too.
	if n.Kind() == schema.KindGroupLink && o.Name == "sgid" && o.Value != "" {
		if err := t.CheckSharePermission(o.Value); err != nil {
			return err
		}
	}
	if err := n.SetField(o.Name, o.Value); err != nil {
		return apperrors.MalformedPatch("set failed", err)
	}
	return nil
}

func (t *Tree) applyDelete(o DeleteOp) error {
	n := t.Node(o.StaticID)
	if n == nil {
		return apperrors.NotFound("node", o.StaticID)
	}
	if err := t.CheckPermission(n, FlagAdminister); err != nil {
		return err
	}
	return t.Delete(n)
}

func (t *Tree) applyLinkGroup(o LinkGroupOp) error {
	user := t.Index(schema.KindUser).FindStaticID(o.UserStaticID)
	if user == nil {
		return apperrors.NotFound("user", o.UserStaticID)
	}
	if err := t.CheckCreatePermission(user, schema.KindGroupLink, o.StaticID); err != nil {
		return err
	}
	if err := t.CheckSharePermission(o.GroupStaticID); err != nil {
		return err
	}
	link, err := user.CreateChild(schema.KindGroupLink, o.StaticID)
	if err != nil {
		return apperrors.MalformedPatch("linkgroup failed", err)
	}
	if err := link.SetField("sgid", o.GroupStaticID); err != nil {
		return apperrors.MalformedPatch("linkgroup failed", err)
	}
	return nil
}
