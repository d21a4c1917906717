// Package accesscontrol is the Access Control Filter (spec §4.4): it
// decides, for a set of requested patch paths and a given set of access
// rights (the caller passes those of the workload the paths address),
// whether each path's inferred operation (ADD/REMOVE/REPLACE) is permitted.
package accesscontrol

import (
	"fmt"
	"strings"

	"github.com/ankaios-go/ankaios/shared/fieldmask"
	"github.com/ankaios-go/ankaios/shared/model"
)

// ErrDenied is wrapped into the error returned for any path that is not
// permitted, whether because a Deny rule matched or because no Allow rule
// did (default deny).
type ErrDenied struct {
	Path string
	Op   model.AccessOperation
}

func (e *ErrDenied) Error() string {
	return fmt.Sprintf("accesscontrol: path %q (%s) denied", e.Path, e.Op)
}

// Authorize classifies each of paths against oldState/newState and checks
// it against rights' Allow/Deny rule lists. It returns the first denial
// encountered, or nil if every path is permitted.
//
// Precedence, evaluated per path (spec §4.4): an explicit Deny match always
// wins; otherwise, if an Allow list is configured at all and no entry in it
// matches, the path is denied; otherwise (no Deny match, and either no
// Allow list or a matching Allow entry) the path is admitted. A workload
// with no AccessRights configured at all is therefore unrestricted — spec
// §4.4 only makes Allow a whitelist once one is actually present, it is
// never an implicit requirement to enumerate every permitted path.
func Authorize(rights model.AccessRights, oldState, newState model.State, paths []string) error {
	for _, path := range paths {
		op, err := fieldmask.Classify(oldState, newState, path)
		if err != nil {
			return fmt.Errorf("accesscontrol: classify %q: %w", path, err)
		}
		value, hasValue := valueForOp(oldState, newState, op, path)

		if matchesAny(rights.Deny, path, op, value, hasValue) {
			return &ErrDenied{Path: path, Op: op}
		}
		if len(rights.Allow) > 0 && !matchesAny(rights.Allow, path, op, value, hasValue) {
			return &ErrDenied{Path: path, Op: op}
		}
	}
	return nil
}

// valueForOp resolves the value path represents, read from the state where
// it is actually present: newState for an ADD/REPLACE (the value being
// written), oldState for a REMOVE (the value being deleted).
func valueForOp(oldState, newState model.State, op model.AccessOperation, path string) (string, bool) {
	if op == model.OpRemove {
		return fieldmask.ValueAt(oldState, path)
	}
	return fieldmask.ValueAt(newState, path)
}

// matchesAny reports whether any rule in rules covers path under op. A rule
// whose Value list is non-empty also requires the path's patched value to
// be one of the listed values (spec §4.4 step 1); an empty Value list
// matches any value.
func matchesAny(rules []model.AccessRule, path string, op model.AccessOperation, value string, hasValue bool) bool {
	for _, rule := range rules {
		if rule.Operation != model.OpUnspecified && rule.Operation != op {
			continue
		}
		if len(rule.Value) > 0 && !(hasValue && containsString(rule.Value, value)) {
			continue
		}
		for _, mask := range rule.UpdateMask {
			if pathCovers(mask, path) {
				return true
			}
		}
	}
	return false
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

// pathCovers reports whether mask covers path: either an exact match, or
// mask names an ancestor object of path (e.g. "workloads.nginx" covers
// "workloads.nginx.tags.env").
func pathCovers(mask, path string) bool {
	if mask == path {
		return true
	}
	return strings.HasPrefix(path, mask+".")
}
