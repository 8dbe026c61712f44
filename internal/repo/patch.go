package repo

import (
	"encoding/json"
	"strconv"

	apperrors "navifleet.io/navifleet/internal/pkg/errors"
)

// Op kinds on the wire.
const (
	opCreate    = "create"
	opSet       = "set"
	opDelete    = "delete"
	opLinkGroup = "linkgroup"
)

// Op is one patch operation.
type Op interface {
	opKind() string
}

// CreateOp creates a node of Kind with StaticID under ParentID ("" for a
// root child) and sets its initial fields.
type CreateOp struct {
	Kind     string
	ParentID string
	StaticID string
	Fields   map[string]string
}

// SetFieldOp sets one field on an existing node. An empty value unsets
// the field.
type SetFieldOp struct {
	StaticID string
	Name     string
	Value    string
}

// DeleteOp deletes a node and its subtree.
type DeleteOp struct {
	StaticID string
}

// LinkGroupOp grants a user access to a group's subtree. It carries both
// endpoints so the applier can run a share check on the group before
// materializing the grouplink node.
type LinkGroupOp struct {
	StaticID      string
	UserStaticID  string
	GroupStaticID string
}

func (CreateOp) opKind() string    { return opCreate }
func (SetFieldOp) opKind() string  { return opSet }
func (DeleteOp) opKind() string    { return opDelete }
func (LinkGroupOp) opKind() string { return opLinkGroup }

// Patch is an ordered operation sequence, applied all-or-nothing.
type Patch struct {
	Ops []Op
}

// Empty reports whether the patch carries no operations.
func (p *Patch) Empty() bool { return len(p.Ops) == 0 }

// wireOp is the JSON shape of one operation. Value is a pointer so an
// explicit empty string survives the round trip.
type wireOp struct {
	Op       string            `json:"op"`
	Kind     string            `json:"kind,omitempty"`
	ParentID string            `json:"parent,omitempty"`
	StaticID string            `json:"id,omitempty"`
	Fields   map[string]string `json:"fields,omitempty"`
	Name     string            `json:"name,omitempty"`
	Value    *string           `json:"value,omitempty"`
	User     string            `json:"user,omitempty"`
	Group    string            `json:"group,omitempty"`
}

type wirePatch struct {
	Ops []wireOp `json:"ops,omitempty"`
}

// ParsePatch decodes the wire form. Both "" and "{}" decode to the empty
// patch; anything else must be a valid operation document.
func ParsePatch(doc string) (*Patch, error) {
	if doc == "" || doc == "{}" {
		return &Patch{}, nil
	}
	var wire wirePatch
	if err := json.Unmarshal([]byte(doc), &wire); err != nil {
		return nil, apperrors.MalformedPatch("invalid json", err)
	}

	p := &Patch{Ops: make([]Op, 0, len(wire.Ops))}
	for _, w := range wire.Ops {
		switch w.Op {
		case opCreate:
			if w.StaticID == "" || w.Kind == "" {
				return nil, apperrors.MalformedPatch("create op requires id and kind", nil)
			}
			p.Ops = append(p.Ops, CreateOp{
				Kind:     w.Kind,
				ParentID: w.ParentID,
				StaticID: w.StaticID,
				Fields:   w.Fields,
			})
		case opSet:
			if w.StaticID == "" || w.Name == "" || w.Value == nil {
				return nil, apperrors.MalformedPatch("set op requires id, name and value", nil)
			}
			p.Ops = append(p.Ops, SetFieldOp{StaticID: w.StaticID, Name: w.Name, Value: *w.Value})
		case opDelete:
			if w.StaticID == "" {
				return nil, apperrors.MalformedPatch("delete op requires id", nil)
			}
			p.Ops = append(p.Ops, DeleteOp{StaticID: w.StaticID})
		case opLinkGroup:
			if w.StaticID == "" || w.User == "" || w.Group == "" {
				return nil, apperrors.MalformedPatch("linkgroup op requires id, user and group", nil)
			}
			p.Ops = append(p.Ops, LinkGroupOp{StaticID: w.StaticID, UserStaticID: w.User, GroupStaticID: w.Group})
		default:
			return nil, apperrors.MalformedPatch("unknown op "+strconv.Quote(w.Op), nil)
		}
	}
	return p, nil
}

// Serialize encodes the patch to its canonical wire form. The empty
// patch serializes to "{}"; field maps marshal with sorted keys, so equal
// patches serialize byte-identically.
func (p *Patch) Serialize() (string, error) {
	if p.Empty() {
		return "{}", nil
	}
	wire := wirePatch{Ops: make([]wireOp, 0, len(p.Ops))}
	for _, op := range p.Ops {
		switch o := op.(type) {
		case CreateOp:
			wire.Ops = append(wire.Ops, wireOp{
				Op:       opCreate,
				Kind:     o.Kind,
				ParentID: o.ParentID,
				StaticID: o.StaticID,
				Fields:   o.Fields,
			})
		case SetFieldOp:
			v := o.Value
			wire.Ops = append(wire.Ops, wireOp{Op: opSet, StaticID: o.StaticID, Name: o.Name, Value: &v})
		case DeleteOp:
			wire.Ops = append(wire.Ops, wireOp{Op: opDelete, StaticID: o.StaticID})
		case LinkGroupOp:
			wire.Ops = append(wire.Ops, wireOp{Op: opLinkGroup, StaticID: o.StaticID, User: o.UserStaticID, Group: o.GroupStaticID})
		default:
			return "", apperrors.MalformedPatch("unknown op type", nil)
		}
	}
	raw, err := json.Marshal(wire)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
