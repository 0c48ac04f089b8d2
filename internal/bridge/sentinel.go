package bridge

import (
	"fmt"
	"regexp"
	"strings"
)

// Sentinel formatting for the pane delivery protocol. Agents are
// contract-bound to echo these exactly; the format is fixed, not
// configurable.
func startSentinel(taskID string) string { return fmt.Sprintf("### TASK_START:%s", taskID) }
func endSentinel(taskID string) string   { return fmt.Sprintf("### TASK_END:%s", taskID) }

func completedMarker(taskID string) string { return "COMPLETED:" + taskID }
func failedMarker(taskID string) string    { return "FAILED:" + taskID }
func errorMarker(taskID string) string     { return "ERROR:" + taskID }

// sentinelIDPattern recognizes any of the protocol's framing markers
// and captures the task id it was stamped with, regardless of which
// task owns the pane being scanned.
var sentinelIDPattern = regexp.MustCompile(`(?:### TASK_(?:START|END):|COMPLETED:|FAILED:|ERROR:)(\S+)`)

// promptPattern matches a bare shell prompt line. The pane always
// echoes the END sentinel the bridge itself wrote, so the sentinel
// alone proves nothing; a fresh prompt after it is what signals the
// shell came back, with the task's output in between.
var promptPattern = regexp.MustCompile(`(?m)^[^\n]{0,64}[$#%]\s*$`)

// outcome describes what scanning a captured pane found for one task.
type outcome struct {
	found        bool
	success      bool
	text         string
	nonRetriable bool
}

// scanOutcome looks for the completion or failure markers in captured
// pane text and extracts the text that follows the matched marker as
// the result/error payload. Before matching, it checks the region of
// the pane from this task's own start sentinel onward for a marker
// stamped with a different task id: the agent is only ever supposed
// to be framing one task's output at a time, so a foreign id there
// means the pane got interleaved with another task's delivery, or the
// agent emitted a malformed marker. That is a protocol violation, not
// a task failure, and is reported as non-retriable.
func scanOutcome(pane, taskID string) outcome {
	// Anchor on the LAST start sentinel: retries reuse the task id, so
	// earlier attempts' markers are still in scrollback above it.
	region := pane
	if idx := strings.LastIndex(pane, startSentinel(taskID)); idx >= 0 {
		region = pane[idx:]
	}

	if foreignID, ok := foreignSentinelID(region, taskID); ok {
		return outcome{
			found:        true,
			success:      false,
			nonRetriable: true,
			text:         fmt.Sprintf("interleaved sentinel for task %s found while awaiting %s", foreignID, taskID),
		}
	}

	if idx := strings.Index(region, completedMarker(taskID)); idx >= 0 {
		return outcome{found: true, success: true, text: trailingText(region, idx, completedMarker(taskID))}
	}
	if idx := strings.Index(region, failedMarker(taskID)); idx >= 0 {
		return outcome{found: true, success: false, text: trailingText(region, idx, failedMarker(taskID))}
	}
	if idx := strings.Index(region, errorMarker(taskID)); idx >= 0 {
		return outcome{found: true, success: false, text: trailingText(region, idx, errorMarker(taskID))}
	}
	if idx := strings.Index(region, endSentinel(taskID)); idx >= 0 {
		rest := region[idx+len(endSentinel(taskID)):]
		if nl := strings.Index(rest, "\n"); nl >= 0 {
			rest = rest[nl+1:]
			if loc := promptPattern.FindStringIndex(rest); loc != nil {
				return outcome{found: true, success: true, text: strings.TrimSpace(rest[:loc[0]])}
			}
		}
	}
	return outcome{}
}

// foreignSentinelID reports the first sentinel-framed task id in
// region that does not match taskID.
func foreignSentinelID(region, taskID string) (string, bool) {
	for _, m := range sentinelIDPattern.FindAllStringSubmatch(region, -1) {
		if id := m[1]; id != taskID {
			return id, true
		}
	}
	return "", false
}

func trailingText(pane string, idx int, marker string) string {
	rest := pane[idx+len(marker):]
	return strings.TrimSpace(rest)
}
