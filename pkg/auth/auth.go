// Package auth provides the injected authorization capability used by the
// ledger and router admin surfaces.
package auth

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Role names a grant on an admin surface.
type Role string

const (
	// RoleAdmin may mutate associations, registries and gas configuration
	RoleAdmin Role = "admin"

	// RolePauser may pause and unpause user entry points
	RolePauser Role = "pauser"
)

// Authorizer answers whether a caller holds a role.
type Authorizer interface {
	Allowed(caller common.Address, role Role) bool
}

// Static is a fixed grant table populated at construction time.
type Static struct {
	mu     sync.RWMutex
	grants map[Role]map[common.Address]bool
}

var _ Authorizer = (*Static)(nil)

// NewStatic creates an empty grant table.
func NewStatic() *Static {
	return &Static{grants: make(map[Role]map[common.Address]bool)}
}

// Grant gives the address a role.
func (s *Static) Grant(addr common.Address, role Role) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.grants[role]; !ok {
		s.grants[role] = make(map[common.Address]bool)
	}
	s.grants[role][addr] = true
	return s
}

// Allowed reports whether the address holds the role.
func (s *Static) Allowed(caller common.Address, role Role) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.grants[role][caller]
}

// Open allows every caller every role. Test and simulation use only.
type Open struct{}

var _ Authorizer = Open{}

func (Open) Allowed(common.Address, Role) bool { return true }
