package domain

import (
	"fmt"
	"strings"
)

// Stage identifies a custody stage a packet can occupy. Harvest is tracked
// per batch and never appears as a packet stage.
type Stage string

// Packet custody stages in chain order.
const (
	StageProcessing  Stage = "processing"
	StageDistributor Stage = "distributor"
	StageSupplier    Stage = "supplier"
	StageShopkeeper  Stage = "shopkeeper"
)

var stageOrder = []Stage{StageProcessing, StageDistributor, StageSupplier, StageShopkeeper}

// Stages returns all packet stages in chain order.
func Stages() []Stage {
	out := make([]Stage, len(stageOrder))
	copy(out, stageOrder)
	return out
}

// ParseStage resolves a stage name, case-insensitively.
func ParseStage(raw string) (Stage, error) {
	candidate := Stage(strings.ToLower(strings.TrimSpace(raw)))
	if candidate.Valid() {
		return candidate, nil
	}
	return "", &ValidationError{Field: "stage", Message: fmt.Sprintf("unknown stage %q", raw)}
}

// Valid reports whether s is one of the four packet stages.
func (s Stage) Valid() bool {
	return s.index() >= 0
}

func (s Stage) index() int {
	for i, candidate := range stageOrder {
		if candidate == s {
			return i
		}
	}
	return -1
}

// Next returns the only stage a packet at s may move to.
func (s Stage) Next() (Stage, bool) {
	i := s.index()
	if i < 0 || i == len(stageOrder)-1 {
		return "", false
	}
	return stageOrder[i+1], true
}

// Previous returns the stage a packet must occupy before entering s.
func (s Stage) Previous() (Stage, bool) {
	i := s.index()
	if i <= 0 {
		return "", false
	}
	return stageOrder[i-1], true
}

// Terminal reports whether no further transition exists.
func (s Stage) Terminal() bool {
	return s == StageShopkeeper
}

// RequiredRole returns the ledger role allowed to record s.
func (s Stage) RequiredRole() Role {
	switch s {
	case StageProcessing:
		return RoleProcessor
	case StageDistributor:
		return RoleDistributor
	case StageSupplier:
		return RoleSupplier
	case StageShopkeeper:
		return RoleShopkeeper
	default:
		return ""
	}
}

// Role is an access-control role understood by the ledger contract.
type Role string

// Ledger roles.
const (
	RoleFarmer      Role = "FARMER_ROLE"
	RoleProcessor   Role = "PROCESSOR_ROLE"
	RoleDistributor Role = "DISTRIBUTOR_ROLE"
	RoleSupplier    Role = "SUPPLIER_ROLE"
	RoleShopkeeper  Role = "SHOPKEEPER_ROLE"
)

// Roles lists every ledger role, farmer first.
func Roles() []Role {
	return []Role{RoleFarmer, RoleProcessor, RoleDistributor, RoleSupplier, RoleShopkeeper}
}

var roleAliases = map[string]Role{
	"farmer":      RoleFarmer,
	"harvest":     RoleFarmer,
	"processor":   RoleProcessor,
	"processing":  RoleProcessor,
	"distributor": RoleDistributor,
	"supplier":    RoleSupplier,
	"shopkeeper":  RoleShopkeeper,
}

// ParseRole accepts the role constant, its short form or the stage that
// requires it, e.g. "PROCESSOR_ROLE", "processor" and "processing".
func ParseRole(raw string) (Role, error) {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.TrimSuffix(name, "_role")
	if role, ok := roleAliases[name]; ok {
		return role, nil
	}
	return "", &ValidationError{Field: "role", Message: fmt.Sprintf("unknown role %q", raw)}
}
