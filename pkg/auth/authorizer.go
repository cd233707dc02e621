// Copyright 2025 The Analyst Copilot Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package auth

import (
	"context"
	"fmt"

	"github.com/MartinT518/Analyst-copilot-sub000/pkg/store"
)

// sensitivityGate maps each sensitivity tier to the permission required to
// read chunks at that tier. Public content needs none.
var sensitivityGate = map[string]string{
	store.SensitivityPublic:       "",
	store.SensitivityInternal:     store.PermDataViewSensitive,
	store.SensitivityConfidential: store.PermDataViewConfidential,
	store.SensitivityRestricted:   store.PermDataViewRestricted,
}

// RequiredPermission returns the permission gating a sensitivity tier, or
// empty when the tier is open. Unknown tiers gate at the restricted level.
func RequiredPermission(sensitivity string) string {
	perm, ok := sensitivityGate[sensitivity]
	if !ok {
		return store.PermDataViewRestricted
	}
	return perm
}

// Authorizer answers permission questions against the RBAC tables.
type Authorizer struct {
	store *store.Store
}

// NewAuthorizer creates an authorizer over the store.
func NewAuthorizer(s *store.Store) *Authorizer {
	return &Authorizer{store: s}
}

// Permissions returns the caller's effective permission set.
func (a *Authorizer) Permissions(ctx context.Context, userID string) (map[string]bool, error) {
	perms, err := a.store.PermissionsForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load permissions: %w", err)
	}
	set := make(map[string]bool, len(perms))
	for _, p := range perms {
		set[p] = true
	}
	return set, nil
}

// Require returns ErrForbidden unless the user holds the permission.
func (a *Authorizer) Require(ctx context.Context, userID, permission string) error {
	set, err := a.Permissions(ctx, userID)
	if err != nil {
		return err
	}
	if !set[permission] {
		return fmt.Errorf("%w: %s", ErrForbidden, permission)
	}
	return nil
}

// CanViewSensitivity checks a permission set against one tier.
func CanViewSensitivity(perms map[string]bool, sensitivity string) bool {
	required := RequiredPermission(sensitivity)
	return required == "" || perms[required]
}

// VisibleSensitivities lists the tiers a permission set can read. Search
// results outside this list are dropped before ranking.
func VisibleSensitivities(perms map[string]bool) []string {
	tiers := []string{
		store.SensitivityPublic,
		store.SensitivityInternal,
		store.SensitivityConfidential,
		store.SensitivityRestricted,
	}
	var visible []string
	for _, tier := range tiers {
		if CanViewSensitivity(perms, tier) {
			visible = append(visible, tier)
		}
	}
	return visible
}
