package domain

import (
	"fmt"
	"strings"
	"time"
)

// Identity is an account identifier as attributed by the signing layer.
// Identities compare case-insensitively; Normalize before using one as a key.
type Identity string

// Normalize lowercases and trims the identity.
func (id Identity) Normalize() Identity {
	return Identity(strings.ToLower(strings.TrimSpace(string(id))))
}

func (id Identity) Equal(other Identity) bool {
	return id.Normalize() == other.Normalize()
}

func (id Identity) IsZero() bool { return strings.TrimSpace(string(id)) == "" }

// Short renders 0x1234...abcd style abbreviations.
func (id Identity) Short() string {
	s := string(id)
	if len(s) <= 10 {
		return s
	}
	return s[:6] + "..." + s[len(s)-4:]
}

// Role is the tier assigned to an identity. The values match the numeric
// encoding used in role-assignment events.
type Role uint8

const (
	RoleNone Role = iota
	RoleStrategic
	RoleOperational
	RoleTactical
)

// Roles lists every tier, None included.
func Roles() []Role {
	return []Role{RoleNone, RoleStrategic, RoleOperational, RoleTactical}
}

func (r Role) String() string {
	switch r {
	case RoleNone:
		return "none"
	case RoleStrategic:
		return "strategic"
	case RoleOperational:
		return "operational"
	case RoleTactical:
		return "tactical"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Valid reports whether r is one of the known tiers.
func (r Role) Valid() bool {
	switch r {
	case RoleNone, RoleStrategic, RoleOperational, RoleTactical:
		return true
	}
	return false
}

// Subordinate reports whether r is a field tier.
func (r Role) Subordinate() bool {
	switch r {
	case RoleOperational, RoleTactical:
		return true
	case RoleNone, RoleStrategic:
		return false
	}
	return false
}

// TierName is the display name of the tier.
func (r Role) TierName() string {
	switch r {
	case RoleStrategic:
		return "Strategic Command"
	case RoleOperational:
		return "Operational Command"
	case RoleTactical:
		return "Tactical Unit"
	case RoleNone:
		return "Unknown"
	}
	return "Unknown"
}

// ParseRole accepts names ("strategic") or numbers ("1").
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none", "0":
		return RoleNone, nil
	case "strategic", "admin", "1":
		return RoleStrategic, nil
	case "operational", "2":
		return RoleOperational, nil
	case "tactical", "3":
		return RoleTactical, nil
	}
	return RoleNone, fmt.Errorf("invalid role %q", s)
}

// Kind names a ledger stream. Message kinds plus the role-assignment stream.
type Kind string

const (
	KindCommand        Kind = "command"
	KindIntelligence   Kind = "intelligence"
	KindFieldData      Kind = "fieldData"
	KindMaintenance    Kind = "maintenance"
	KindRoleAssignment Kind = "roleAssignment"
)

// MessageKinds lists the kinds that carry messages, in display order.
func MessageKinds() []Kind {
	return []Kind{KindCommand, KindIntelligence, KindFieldData, KindMaintenance}
}

func (k Kind) IsMessage() bool {
	switch k {
	case KindCommand, KindIntelligence, KindFieldData, KindMaintenance:
		return true
	}
	return false
}

// ParseKind accepts the stream name or a short alias.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "command", "commands", "cmd":
		return KindCommand, nil
	case "intelligence", "intel":
		return KindIntelligence, nil
	case "fielddata", "field", "field-data":
		return KindFieldData, nil
	case "maintenance", "maint":
		return KindMaintenance, nil
	case "roleassignment", "role":
		return KindRoleAssignment, nil
	}
	return "", fmt.Errorf("invalid kind %q", s)
}

// Group is a legacy recipient group.
type Group uint8

const (
	GroupNone Group = iota
	GroupCommandCenter
	GroupTacticalCommand
	GroupCoordinationCommand
	GroupIntelligenceCommand
)

func (g Group) Valid() bool { return g >= GroupCommandCenter && g <= GroupIntelligenceCommand }

func (g Group) String() string {
	switch g {
	case GroupCommandCenter:
		return "Command Center"
	case GroupTacticalCommand:
		return "Tactical Command"
	case GroupCoordinationCommand:
		return "Coordination Command"
	case GroupIntelligenceCommand:
		return "Intelligence Command"
	}
	return "None"
}

// Branch is a service branch used by legacy routing.
type Branch uint8

const (
	BranchNone Branch = iota
	BranchArmy
	BranchNavy
	BranchAirForce
)

func (b Branch) Valid() bool { return b >= BranchArmy && b <= BranchAirForce }

func (b Branch) String() string {
	switch b {
	case BranchArmy:
		return "Army"
	case BranchNavy:
		return "Navy"
	case BranchAirForce:
		return "Air Force"
	}
	return "None"
}

// Acknowledgment is set at most once per record.
type Acknowledgment struct {
	By Identity  `json:"by"`
	At time.Time `json:"at" format:"date-time"`
}

// Execution is the one-shot execution mark of a command.
type Execution struct {
	By Identity  `json:"by"`
	At time.Time `json:"at" format:"date-time"`
}

// Meta is the decoded "[Branch: b, Group: g]" tag. Both values are present or
// neither is.
type Meta struct {
	Branch string `json:"branch,omitempty"`
	Group  string `json:"group,omitempty"`
}

func (m Meta) Present() bool { return m.Branch != "" && m.Group != "" }

// ThreadRef points a reply at its parent record.
type ThreadRef struct {
	Kind     Kind   `json:"kind"`
	ParentID uint64 `json:"parent_id"`
}

// Record is the materialized state of one message.
type Record struct {
	Kind      Kind            `json:"kind"`
	ID        uint64          `json:"id"`
	Sender    Identity        `json:"sender"`
	Recipient Identity        `json:"recipient,omitempty"`
	Group     Group           `json:"recipient_group,omitempty"`
	Branch    Branch          `json:"branch,omitempty"`
	Layer     uint8           `json:"layer,omitempty"`
	AssetID   uint64          `json:"asset_id,omitempty"`
	Payload   string          `json:"payload"`
	Meta      Meta            `json:"meta"`
	Body      string          `json:"message"`
	Thread    *ThreadRef      `json:"thread,omitempty"`
	Timestamp time.Time       `json:"timestamp" format:"date-time"`
	Ack       *Acknowledgment `json:"acknowledgment,omitempty"`
	Execution *Execution      `json:"execution,omitempty"`
}

// Legacy reports whether the record is addressed by group+branch tag.
func (r *Record) Legacy() bool { return r.Recipient.IsZero() }

func (r *Record) Acknowledged() bool { return r.Ack != nil }

func (r *Record) Executed() bool { return r.Execution != nil }

// RoleAssignment is one entry of role history.
type RoleAssignment struct {
	Seq       int64     `json:"seq"`
	Identity  Identity  `json:"identity"`
	Role      Role      `json:"role"`
	By        Identity  `json:"by"`
	Timestamp time.Time `json:"timestamp" format:"date-time"`
}
