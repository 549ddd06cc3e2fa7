package supervisor

import (
	"fmt"
	"io"
	"os"
	"os/exec"

	"golang.org/x/sys/unix"
)

// childMarker is argv[0] of the re-executed supervisor binary.
const childMarker = "nrm-extra-child"

// Exit statuses of a child that never reached the workload.
const (
	exitAborted    = 125
	exitExecFailed = 127
)

// Descriptors inherited by the child through ExtraFiles.
const (
	gateFD   = 3
	statusFD = 4
)

// IsChild reports whether this process is a supervised child waiting
// for the handshake. Binaries check it before anything else in main and
// hand control to ChildMain.
func IsChild() bool {
	return len(os.Args) > 1 && os.Args[0] == childMarker
}

// ChildMain blocks on the handshake and then replaces the process with
// the workload given in os.Args[1:]. It never returns.
//
// If the parent closes the handshake without releasing it, the child
// exits without running the workload. If the workload cannot be
// executed, the reason is written to the status descriptor for the
// parent to report and the child exits with status 127.
func ChildMain() {
	gate := os.NewFile(gateFD, "handshake")
	status := os.NewFile(statusFD, "exec-status")
	unix.CloseOnExec(statusFD)

	var b [1]byte
	if n, _ := io.ReadFull(gate, b[:]); n == 0 {
		os.Exit(exitAborted)
	}
	gate.Close()

	if err := execWorkload(os.Args[1:]); err != nil {
		fmt.Fprint(status, err.Error())
	}
	status.Close()
	os.Exit(exitExecFailed)
}

func execWorkload(argv []string) error {
	path, err := exec.LookPath(argv[0])
	if err != nil {
		return err
	}
	if err := unix.Exec(path, argv, os.Environ()); err != nil {
		return fmt.Errorf("exec %s: %w", path, err)
	}
	return nil
}
