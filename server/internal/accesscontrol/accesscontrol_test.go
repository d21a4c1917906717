package accesscontrol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ankaios-go/ankaios/shared/model"
)

func TestAuthorizeAllowsMatchingPath(t *testing.T) {
	rights := model.AccessRights{
		Allow: []model.AccessRule{
			{Operation: model.OpUnspecified, UpdateMask: []string{"workloads.nginx"}},
		},
	}
	oldState := model.NewState()
	newState := model.NewState()
	newState.Workloads["nginx"] = model.Workload{Agent: "agent_a"}

	err := Authorize(rights, oldState, newState, []string{"workloads.nginx"})
	assert.NoError(t, err)
}

// TestAuthorizeNoRightsConfiguredAdmits verifies spec §4.4's step 2: the
// Allow list only acts as a whitelist once it is actually configured. A
// workload with no AccessRights at all (the common case — see spec §8 end
// to end scenario 1, which never defines accessRights) must not be denied.
func TestAuthorizeNoRightsConfiguredAdmits(t *testing.T) {
	rights := model.AccessRights{}
	oldState := model.NewState()
	newState := model.NewState()
	newState.Workloads["nginx"] = model.Workload{Agent: "agent_a"}

	err := Authorize(rights, oldState, newState, []string{"workloads.nginx"})
	assert.NoError(t, err)
}

func TestAuthorizeConfiguredAllowListRejectsUnlistedPath(t *testing.T) {
	rights := model.AccessRights{
		Allow: []model.AccessRule{{UpdateMask: []string{"workloads.nginx.tags"}}},
	}
	oldState := model.NewState()
	newState := model.NewState()
	newState.Workloads["nginx"] = model.Workload{Agent: "agent_a"}

	err := Authorize(rights, oldState, newState, []string{"workloads.nginx.runtime"})
	require.Error(t, err)
	var denied *ErrDenied
	assert.ErrorAs(t, err, &denied)
}

// TestAuthorizeValueListMatchAdmits covers spec §4.4 step 1's "value list
// matches" clause: a rule whose Value list contains the patched leaf's
// actual value matches.
func TestAuthorizeValueListMatchAdmits(t *testing.T) {
	rights := model.AccessRights{
		Allow: []model.AccessRule{
			{UpdateMask: []string{"workloads.nginx.agent"}, Value: []string{"agent_a"}},
		},
	}
	oldState := model.NewState()
	newState := model.NewState()
	newState.Workloads["nginx"] = model.Workload{Agent: "agent_a"}

	err := Authorize(rights, oldState, newState, []string{"workloads.nginx.agent"})
	assert.NoError(t, err)
}

// TestAuthorizeValueListMismatchDenies covers the same clause's converse: a
// restrictive Value list does not match an out-of-list patched value, so the
// path falls back to "no Allow rule matched" and is denied.
func TestAuthorizeValueListMismatchDenies(t *testing.T) {
	rights := model.AccessRights{
		Allow: []model.AccessRule{
			{UpdateMask: []string{"workloads.nginx.agent"}, Value: []string{"agent_b"}},
		},
	}
	oldState := model.NewState()
	newState := model.NewState()
	newState.Workloads["nginx"] = model.Workload{Agent: "agent_a"}

	err := Authorize(rights, oldState, newState, []string{"workloads.nginx.agent"})
	require.Error(t, err)
	var denied *ErrDenied
	assert.ErrorAs(t, err, &denied)
}

func TestAuthorizeDenyOverridesAllow(t *testing.T) {
	rights := model.AccessRights{
		Allow: []model.AccessRule{{UpdateMask: []string{"workloads"}}},
		Deny:  []model.AccessRule{{UpdateMask: []string{"workloads.nginx"}}},
	}
	oldState := model.NewState()
	newState := model.NewState()
	newState.Workloads["nginx"] = model.Workload{Agent: "agent_a"}

	err := Authorize(rights, oldState, newState, []string{"workloads.nginx"})
	require.Error(t, err)
}

func TestAuthorizeOperationSpecificRule(t *testing.T) {
	rights := model.AccessRights{
		Allow: []model.AccessRule{
			{Operation: model.OpAdd, UpdateMask: []string{"workloads.nginx"}},
		},
	}
	oldState := model.NewState()
	oldState.Workloads["nginx"] = model.Workload{Agent: "agent_a"}
	newState := model.NewState()
	newState.Workloads["nginx"] = model.Workload{Agent: "agent_b"}

	// This is a REPLACE, not an ADD, so the ADD-only rule must not match.
	err := Authorize(rights, oldState, newState, []string{"workloads.nginx"})
	require.Error(t, err)
}

func TestPathCoversAncestor(t *testing.T) {
	assert.True(t, pathCovers("workloads.nginx", "workloads.nginx.tags.env"))
	assert.True(t, pathCovers("workloads.nginx", "workloads.nginx"))
	assert.False(t, pathCovers("workloads.nginx", "workloads.nginxx"))
}
