//go:build unix

package errors

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uspagent/agent/pkg/logger"
)

const abortChildEnv = "USP_AGENT_ABORT_CHILD_JOURNAL"

// TestTerminate_AbortsProcess re-executes the test binary so the real abort
// runs in a child, which must die from SIGABRT after logging and journaling.
func TestTerminate_AbortsProcess(t *testing.T) {
	if journalPath := os.Getenv(abortChildEnv); journalPath != "" {
		sys, err := New(Config{
			Sink:        logger.NewWithWriter(os.Stderr, "text", logger.VerbosityError, "errors", ""),
			Oracle:      Owner(),
			JournalPath: journalPath,
		})
		if err != nil {
			os.Exit(3)
		}
		sys.TerminateBadCase(Site{Func: "Dispatch", Line: 42}, 7)
		// Unreachable when the abort works
		os.Exit(4)
	}

	dir := t.TempDir()
	journalPath := filepath.Join(dir, "crashes.db")

	cmd := exec.Command(os.Args[0], "-test.run=^TestTerminate_AbortsProcess$")
	cmd.Env = append(os.Environ(), abortChildEnv+"="+journalPath)
	// A core file, if the system writes one, lands in the temp dir
	cmd.Dir = dir

	out, err := cmd.CombinedOutput()
	require.Error(t, err, "child exited cleanly:\n%s", out)

	var exitErr *exec.ExitError
	require.ErrorAs(t, err, &exitErr)
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	require.True(t, ok)
	require.True(t, status.Signaled(), "child was not killed by a signal:\n%s", out)
	assert.Equal(t, syscall.SIGABRT, status.Signal())

	assert.Contains(t, string(out), "Dispatch(42): Unexpected case (7) in switch")
	assert.Contains(t, string(out), "Exiting USP Agent")

	journal, err := NewCrashJournal(JournalConfig{Path: journalPath})
	require.NoError(t, err)
	defer journal.Close()

	rec, err := journal.Latest(context.Background(), true)
	require.NoError(t, err)
	assert.Equal(t, KindBadCase, rec.Kind)
	assert.Equal(t, "Dispatch(42): Unexpected case (7) in switch", rec.Message)
}
