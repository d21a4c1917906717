package grpcapi

import (
	"github.com/ankaios-go/ankaios/shared/fieldmask"
	"github.com/ankaios-go/ankaios/shared/model"
)

// applyPreview computes what CurrentState would become after patch/mask
// without committing it, so the Access Control Filter can classify each
// path before the State Manager's own (separately serialized) apply runs.
func applyPreview(current, patch model.State, mask []string) (model.State, error) {
	return fieldmask.Apply(current, patch, mask)
}
