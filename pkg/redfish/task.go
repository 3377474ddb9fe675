package redfish

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-logr/logr"
)

// taskPollInterval paces the poll loop. This is deliberately fixed rather
// than backed off: it paces expected-duration work, not error recovery.
const taskPollInterval = time.Second

// TaskState is the normalized lifecycle state of a remote task. The
// firmware's value set is only partially documented, so unrecognized
// strings map to StateUnknown with the raw value preserved on Operation.
type TaskState string

const (
	StateNew       TaskState = "New"
	StateStarting  TaskState = "Starting"
	StatePending   TaskState = "Pending"
	StateRunning   TaskState = "Running"
	StateStopping  TaskState = "Stopping"
	StateCompleted TaskState = "Completed"
	StateCancelled TaskState = "Cancelled"
	StateKilled    TaskState = "Killed"
	StateException TaskState = "Exception"
	StateUnknown   TaskState = "Unknown"
)

func parseTaskState(raw string) TaskState {
	switch TaskState(raw) {
	case StateNew, StateStarting, StatePending, StateRunning, StateStopping,
		StateCompleted, StateCancelled, StateKilled, StateException:
		return TaskState(raw)
	}

	return StateUnknown
}

// Terminal reports whether the state will never advance again. Unknown is
// non-terminal so new firmware states keep the poller polling instead of
// failing instantly.
func (s TaskState) Terminal() bool {
	switch s {
	case StateCompleted, StateCancelled, StateKilled, StateException:
		return true
	}

	return false
}

// Failed reports a terminal state other than Completed.
func (s TaskState) Failed() bool {
	return s.Terminal() && s != StateCompleted
}

// Operation is the client-side record of one long-running remote task. It
// is discarded once terminal; a cancelled task may still exist on the BMC,
// which only marks it killed and keeps it in a rolling history.
type Operation struct {
	// Location is the polled resource path.
	Location string
	// State is the normalized task state; RawState keeps the firmware's
	// literal string for the Unknown case.
	State    TaskState
	RawState string
	// Percent is the reported completion percentage, when present.
	Percent *int
	// Messages collects the human-readable strings the task accumulated.
	Messages []string
	// Started is when the client began tracking the operation.
	Started time.Time
}

// TaskResult is the normalized outcome of waiting on an async operation.
// Failures are data, not panics: the poller reports them structurally so
// callers decide severity.
type TaskResult struct {
	Success   bool
	Operation *Operation
	Err       error
}

// taskDocument is the wire shape of a task resource.
type taskDocument struct {
	ID         string `json:"Id"`
	ODataID    string `json:"@odata.id"`
	TaskState  string `json:"TaskState"`
	TaskStatus string `json:"TaskStatus"`
	Percent    *int   `json:"PercentComplete"`
	Messages   []struct {
		Message string `json:"Message"`
	} `json:"Messages"`
}

func (d *taskDocument) messageStrings() []string {
	var out []string
	for _, m := range d.Messages {
		if m.Message != "" {
			out = append(out, m.Message)
		}
	}

	return out
}

// WaitForTask polls the operation announced by initiating until it reaches
// a terminal state or the wall-clock timeout expires. A response that is
// not 202 Accepted is already complete and costs zero polls.
func (c *Client) WaitForTask(ctx context.Context, initiating *Response, timeout time.Duration) TaskResult {
	if !initiating.Accepted() {
		return TaskResult{Success: true}
	}

	location := taskLocation(initiating)
	if location == "" {
		return TaskResult{Err: protocolError("accepted response carries no task location")}
	}

	op := &Operation{
		Location: location,
		State:    StateNew,
		Started:  time.Now(),
	}
	log := c.log.WithValues("task", location)

	c.progress.Start("waiting for " + location)
	defer c.progress.Stop()

	deadline := time.Now().Add(timeout)
	lastPercent := -1
	for {
		if time.Now().After(deadline) {
			log.V(1).Info("task wait timed out", "timeout", timeout)
			return TaskResult{Operation: op, Err: fmt.Errorf("%w: %s did not finish within %s", ErrTaskTimeout, location, timeout)}
		}

		resp, err := c.Do(ctx, http.MethodGet, location, nil)
		if err != nil {
			return TaskResult{Operation: op, Err: err}
		}

		done, result := c.observe(log, op, resp, &lastPercent)
		if done {
			return result
		}

		if err := sleepCtx(ctx, taskPollInterval); err != nil {
			return TaskResult{Operation: op, Err: err}
		}
	}
}

// observe folds one poll response into the operation. The firmware answers
// with several distinct shapes, all of which must be tolerated.
func (c *Client) observe(log logr.Logger, op *Operation, resp *Response, lastPercent *int) (bool, TaskResult) {
	switch {
	case resp.Status == http.StatusNotFound:
		// The transient monitor URI is known to 404; once it does, it
		// never recovers, so polling on is pointless.
		return true, TaskResult{Operation: op, Err: protocolError("task monitor %s not found", op.Location)}

	case resp.Accepted() && len(resp.Body) == 0:
		// Still pending, nothing to fold in.
		return false, TaskResult{}
	}

	var doc taskDocument
	if err := resp.JSON(&doc); err != nil {
		if resp.Accepted() {
			// Partial or non-JSON body on a 202 still means pending.
			return false, TaskResult{}
		}
		return true, TaskResult{Operation: op, Err: err}
	}

	// A 400 that carries a task document is the firmware signaling
	// completion-with-error, not a protocol violation.
	op.RawState = doc.TaskState
	op.State = parseTaskState(doc.TaskState)
	op.Messages = doc.messageStrings()
	if doc.Percent != nil {
		op.Percent = doc.Percent
		if *doc.Percent != *lastPercent {
			*lastPercent = *doc.Percent
			log.V(1).Info("task progress", "percent", *doc.Percent, "state", doc.TaskState)
			c.progress.Update(fmt.Sprintf("%s %d%%", op.Location, *doc.Percent))
		}
	}

	if op.State == StateUnknown && doc.TaskState != "" {
		// Forward compatibility: unrecognized states are worth a log line
		// but keep the poll loop alive.
		log.Info("unrecognized task state, continuing to poll", "state", doc.TaskState)
		return false, TaskResult{}
	}

	if !op.State.Terminal() {
		return false, TaskResult{}
	}

	if op.State.Failed() {
		err := fmt.Errorf("task %s ended in state %s", op.Location, op.State)
		if len(op.Messages) > 0 {
			err = fmt.Errorf("task %s ended in state %s: %s", op.Location, op.State, op.Messages[0])
		}
		return true, TaskResult{Operation: op, Err: err}
	}

	return true, TaskResult{Success: true, Operation: op}
}

// taskLocation resolves the resource to poll. The body's self-identifying
// @odata.id wins over the Location monitor URI: the monitor has been seen
// returning 404 intermittently on this firmware while the task resource
// stays reachable.
func taskLocation(resp *Response) string {
	var doc taskDocument
	if err := resp.JSON(&doc); err == nil && doc.ODataID != "" {
		return pathOnly(doc.ODataID)
	}
	if loc := resp.Headers.Get(locationHeader); loc != "" {
		return pathOnly(loc)
	}

	return ""
}
