// Package plans holds the one authoritative plan-to-modules table,
// consulted by the server Validator and licensesvc. The client-side
// offline validator in pkg/licenseclient does not use it: it gates
// modules on the module list carried in the token's claims.
package plans

import "github.com/lumenguard/licensed/internal/domain"

// table is the single source of truth for plan -> module set.
var table = map[domain.Plan][]domain.Module{
	domain.PlanDemo: {
		domain.ModuleBasicFeatures,
	},
	domain.PlanBasic: {
		domain.ModuleBasicFeatures,
		domain.ModuleAdvancedSearch,
	},
	domain.PlanPremium: {
		domain.ModuleBasicFeatures,
		domain.ModuleAdvancedSearch,
		domain.ModuleAnalytics,
		domain.ModuleAPIAccess,
		domain.ModulePrioritySupport,
	},
	domain.PlanEnterprise: {
		domain.ModuleBasicFeatures,
		domain.ModuleAdvancedSearch,
		domain.ModuleAnalytics,
		domain.ModuleAPIAccess,
		domain.ModulePrioritySupport,
		domain.ModuleSSO,
		domain.ModuleAuditExport,
	},
}

// maxUsers is the plan->seat-cap table; enterprise is unlimited,
// represented as domain.MaxUsersUnlimited.
var maxUsers = map[domain.Plan]int{
	domain.PlanDemo:       1,
	domain.PlanBasic:      5,
	domain.PlanPremium:    50,
	domain.PlanEnterprise: domain.MaxUsersUnlimited,
}

// ModulesForPlan returns the closed set of modules a plan entitles,
// re-sliced so callers can't mutate the shared table.
func ModulesForPlan(p domain.Plan) []domain.Module {
	src := table[p]
	out := make([]domain.Module, len(src))
	copy(out, src)
	return out
}

// MaxUsersForPlan returns the seat cap for a plan, or MaxUsersUnlimited.
func MaxUsersForPlan(p domain.Plan) int {
	return maxUsers[p]
}

// EqualModules reports whether got is exactly ModulesForPlan(p), order
// independent. Used to detect module drift on active licenses.
func EqualModules(got []domain.Module, p domain.Plan) bool {
	want := table[p]
	if len(got) != len(want) {
		return false
	}
	seen := make(map[domain.Module]bool, len(want))
	for _, m := range want {
		seen[m] = true
	}
	for _, m := range got {
		if !seen[m] {
			return false
		}
		delete(seen, m)
	}
	return len(seen) == 0
}

// KnownModule reports whether m appears in any plan's table, used by the
// module-override path to reject unknown modules.
func KnownModule(m domain.Module) bool {
	for _, mods := range table {
		for _, x := range mods {
			if x == m {
				return true
			}
		}
	}
	return false
}

// BasicFeaturesOnly is the module set a License reduces to on expiry.
var BasicFeaturesOnly = []domain.Module{domain.ModuleBasicFeatures}
