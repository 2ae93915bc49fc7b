package runtime

import (
	"net/http"

	"github.com/pithecene-io/spotter/types"
)

// Process exit codes for the detect command.
const (
	ExitCodeSuccess         = 0 // request completed
	ExitCodeWorkerFailure   = 1 // worker exited non-zero or request canceled
	ExitCodeInternal        = 2 // staging, spawn, invalid upload or internal fault
	ExitCodeTimeout         = 3 // worker exceeded its deadline
	ExitCodeMaterialization = 4 // worker succeeded without valid output
)

// ExitCodeFor maps a result to a process exit code.
func ExitCodeFor(res *Result) int {
	if res.Succeeded() {
		return ExitCodeSuccess
	}
	kind := types.KindInternal
	if res != nil && res.Error != nil {
		kind = res.Error.Kind
	}
	switch kind {
	case types.KindWorkerFailure:
		return ExitCodeWorkerFailure
	case types.KindTimeout:
		return ExitCodeTimeout
	case types.KindMaterialization:
		return ExitCodeMaterialization
	default:
		return ExitCodeInternal
	}
}

// HTTPStatusFor maps an error kind to a response status. Every pipeline
// failure, timeouts included, is a 500; only rejected uploads are 4xx.
func HTTPStatusFor(kind types.ErrorKind) int {
	if kind == types.KindInvalidUpload {
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
