package job

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

const (
	EventStart   = "start"
	EventSucceed = "succeed"
	EventPartial = "partial"
	EventFail    = "fail"
	EventRequeue = "requeue"
)

var ErrInvalidTransition = errors.New("invalid job transition")

var lifecycle = fsm.Events{
	{Name: EventStart, Src: []string{string(StatusQueued)}, Dst: string(StatusRunning)},
	{Name: EventSucceed, Src: []string{string(StatusRunning)}, Dst: string(StatusSucceeded)},
	{Name: EventPartial, Src: []string{string(StatusRunning)}, Dst: string(StatusPartial)},
	// A queued job fails without running when its run cannot start.
	{Name: EventFail, Src: []string{string(StatusQueued), string(StatusRunning)}, Dst: string(StatusFailed)},
	{Name: EventRequeue, Src: []string{string(StatusRunning), string(StatusFailed), string(StatusPartial)}, Dst: string(StatusQueued)},
}

// Transition returns the status reached by applying event to from.
func Transition(ctx context.Context, from Status, event string) (Status, error) {
	m := fsm.NewFSM(string(from), lifecycle, fsm.Callbacks{})
	if err := m.Event(ctx, event); err != nil {
		return from, fmt.Errorf("%w: %s from %s: %v", ErrInvalidTransition, event, from, err)
	}
	return Status(m.Current()), nil
}

// Apply transitions j in place.
func Apply(ctx context.Context, j *Job, event string) error {
	next, err := Transition(ctx, j.Status, event)
	if err != nil {
		return err
	}
	j.Status = next
	return nil
}
