package bridge

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestScanOutcomeCompleted(t *testing.T) {
	pane := startSentinel("t1") + "\nrunning...\nCOMPLETED:t1 all good\n"
	out := scanOutcome(pane, "t1")
	require.True(t, out.found)
	require.True(t, out.success)
	require.False(t, out.nonRetriable)
	require.Equal(t, "all good", out.text)
}

func TestScanOutcomeFailed(t *testing.T) {
	pane := startSentinel("t1") + "\nFAILED:t1 boom\n"
	out := scanOutcome(pane, "t1")
	require.True(t, out.found)
	require.False(t, out.success)
	require.False(t, out.nonRetriable)
}

func TestScanOutcomeNotYetFound(t *testing.T) {
	pane := startSentinel("t1") + "\nstill working\n"
	out := scanOutcome(pane, "t1")
	require.False(t, out.found)
}

func TestScanOutcomeEndSentinelFollowedByPrompt(t *testing.T) {
	pane := startSentinel("t1") + "\necho hello\n" + endSentinel("t1") + "\nhello\nuser@host:~$ \n"
	out := scanOutcome(pane, "t1")
	require.True(t, out.found)
	require.True(t, out.success)
	require.Equal(t, "hello", out.text)
}

func TestScanOutcomeEndSentinelWithoutPromptIsStillRunning(t *testing.T) {
	// The bridge's own END sentinel echo is not a completion signal;
	// the shell has not come back to a prompt yet.
	pane := startSentinel("t1") + "\nsleep 60\n" + endSentinel("t1") + "\n"
	out := scanOutcome(pane, "t1")
	require.False(t, out.found)
}

func TestScanOutcomeInterleavedSentinelIsNonRetriable(t *testing.T) {
	// Another task's marker lands inside this task's delivery window
	// before its own outcome is seen.
	pane := startSentinel("t1") + "\nCOMPLETED:t2 unrelated\nCOMPLETED:t1 real result\n"
	out := scanOutcome(pane, "t1")
	require.True(t, out.found)
	require.False(t, out.success)
	require.True(t, out.nonRetriable)
}

func TestScanOutcomeIgnoresPriorTaskHistoryBeforeOwnStart(t *testing.T) {
	// A previous task's sentinels remain in scrollback; they precede
	// this task's own start sentinel and must not trigger the
	// interleaving check.
	pane := "COMPLETED:t0 done earlier\n" + startSentinel("t1") + "\nCOMPLETED:t1 ok\n"
	out := scanOutcome(pane, "t1")
	require.True(t, out.found)
	require.True(t, out.success)
	require.False(t, out.nonRetriable)
}
