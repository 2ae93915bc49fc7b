//go:build !unix

package runtime

import "os/exec"

// configureProcessGroup is a no-op; cancellation kills the worker process only.
func configureProcessGroup(_ *exec.Cmd) {}
