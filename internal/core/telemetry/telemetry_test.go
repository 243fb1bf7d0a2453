package telemetry

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

type fakeCounterSink struct {
	calls []fakeIncCall
}

type fakeIncCall struct {
	name   string
	labels map[string]string
}

func (f *fakeCounterSink) Inc(name string, labels map[string]string) {
	f.calls = append(f.calls, fakeIncCall{name: name, labels: labels})
}

func TestEmitRoutesAllocateToAllocationsCounter(t *testing.T) {
	sink := &fakeCounterSink{}
	e := New(nil, sink)

	e.Emit(Event{Name: EventAllocate, Outcome: "success"})

	assert.Len(t, sink.calls, 1)
	assert.Equal(t, "orchestrator_allocations_total", sink.calls[0].name)
	assert.Equal(t, "success", sink.calls[0].labels["outcome"])
}

func TestEmitRoutesInviteAttemptByErrorKind(t *testing.T) {
	sink := &fakeCounterSink{}
	e := New(nil, sink)

	e.Emit(Event{Name: EventInviteAttempt, ErrorKind: "FLOOD_WAIT"})

	assert.Equal(t, "orchestrator_invites_total", sink.calls[0].name)
	assert.Equal(t, "FLOOD_WAIT", sink.calls[0].labels["error_kind"])
}

func TestEmitUnknownEventNameDoesNotIncrement(t *testing.T) {
	sink := &fakeCounterSink{}
	e := New(nil, sink)

	e.Emit(Event{Name: "some_untracked_event"})

	assert.Empty(t, sink.calls)
}

func TestNewDefaultsNilSinkToNop(t *testing.T) {
	e := New(nil, nil)
	assert.NotPanics(t, func() {
		e.Emit(Event{Name: EventAllocate, Outcome: "success"})
	})
}
