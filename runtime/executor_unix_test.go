//go:build unix

package runtime

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"testing"
	"time"

	"github.com/pithecene-io/spotter/types"
)

// processGone reports whether pid has exited. Zombies awaiting reaping by
// init count as gone.
func processGone(pid int) bool {
	if err := syscall.Kill(pid, 0); errors.Is(err, syscall.ESRCH) {
		return true
	}
	stat, err := os.ReadFile(fmt.Sprintf("/proc/%d/stat", pid))
	if err != nil {
		return false
	}
	// Format: pid (comm) state ...
	fields := strings.Fields(string(stat[strings.LastIndexByte(string(stat), ')')+1:]))
	return len(fields) > 0 && fields[0] == "Z"
}

func TestProcessInvoker_TimeoutKillsProcessGroup(t *testing.T) {
	sh := requireShell(t)
	pidFile := filepath.Join(t.TempDir(), "child.pid")
	script := writeScript(t, fmt.Sprintf(`sleep 30 & echo $! > %q; wait`, pidFile))

	inv := NewProcessInvoker(nil, 500*time.Millisecond)
	_, err := inv.Run(context.Background(), &types.WorkerJob{
		Command:   sh,
		Args:      []string{script},
		InputMode: types.InputPath,
		InputPath: "/dev/null",
		Timeout:   300 * time.Millisecond,
	})
	assertKind(t, err, types.KindTimeout)

	raw, err := os.ReadFile(pidFile)
	if err != nil {
		t.Fatalf("worker never recorded its child: %v", err)
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		t.Fatalf("bad pid %q", raw)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !processGone(pid) {
		if time.Now().After(deadline) {
			_ = syscall.Kill(pid, syscall.SIGKILL)
			t.Fatalf("grandchild %d survived the timeout", pid)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
