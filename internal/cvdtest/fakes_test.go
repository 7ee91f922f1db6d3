package cvdtest

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFakeDispatcher_RecordsInvocationsInOrder(t *testing.T) {
	f := &FakeDispatcher{}
	f.Record(Invocation{Program: "status", Args: []string{"-print"}})
	f.Record(Invocation{Program: "stop", Args: []string{"--clear_instance_dirs"}})

	invs := f.Invocations()
	require.Len(t, invs, 2)
	assert.Equal(t, "status", invs[0].Program)
	assert.Equal(t, "stop", invs[1].Program)
	assert.Equal(t, 2, f.CallCount())
}

func TestFakeDispatcher_ReturnsCannedResponsesInOrder(t *testing.T) {
	f := &FakeDispatcher{Responses: []FakeResponse{
		{Stdout: "first"},
		{Err: errors.New("boom")},
	}}

	r1 := f.Record(Invocation{Program: "a"})
	r2 := f.Record(Invocation{Program: "b"})
	r3 := f.Record(Invocation{Program: "c"})

	assert.Equal(t, "first", r1.Stdout)
	assert.Error(t, r2.Err)
	assert.Equal(t, FakeResponse{}, r3)
}
