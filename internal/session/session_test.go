package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/orchestra/internal/inspector"
)

func TestStore_GetOrCreateReturnsSameSession(t *testing.T) {
	st := NewStore(time.Minute, nil, nil)
	a := st.GetOrCreate("s1")
	b := st.GetOrCreate("s1")
	assert.Same(t, a, b)
}

func TestSession_PauseBlocksAwaitResumeUntilResume(t *testing.T) {
	st := NewStore(time.Minute, nil, nil)
	s := st.GetOrCreate("s1")
	s.Pause()

	done := make(chan struct{})
	go func() {
		s.AwaitResume(context.Background())
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("AwaitResume returned before Resume was called")
	case <-time.After(20 * time.Millisecond):
	}

	s.Resume()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitResume did not return after Resume")
	}
}

func TestSession_CancelReleasesPause(t *testing.T) {
	st := NewStore(time.Minute, nil, nil)
	s := st.GetOrCreate("s1")
	s.Pause()

	done := make(chan struct{})
	go func() {
		s.AwaitResume(context.Background())
		close(done)
	}()

	s.Cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("AwaitResume did not return after Cancel")
	}
	assert.True(t, s.Cancelled())
}

func TestStore_CancelDeniesOnlyThatSessionsApprovals(t *testing.T) {
	insp := inspector.New(inspector.Config{ApprovalTimeout: time.Second}, nil, inspector.PermissionTable{})
	st := NewStore(time.Minute, nil, insp)
	st.GetOrCreate("s1")
	st.GetOrCreate("s2")

	var approvedS2 bool
	doneS1 := make(chan bool, 1)
	doneS2 := make(chan struct{})
	go func() { doneS1 <- insp.AwaitApproval(context.Background(), "s1:1") }()
	go func() {
		approvedS2 = insp.AwaitApproval(context.Background(), "s2:1")
		close(doneS2)
	}()

	time.Sleep(20 * time.Millisecond)
	st.Cancel("s1")

	require.False(t, <-doneS1)

	insp.Confirm("s2:1", true)
	<-doneS2
	assert.True(t, approvedS2)
}

func TestStore_SweepEvictsIdleSessions(t *testing.T) {
	st := NewStore(10*time.Millisecond, nil, nil)
	st.GetOrCreate("s1")
	assert.Equal(t, 1, st.Len())

	time.Sleep(20 * time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())
	go st.RunSweeper(ctx, 5*time.Millisecond)
	time.Sleep(30 * time.Millisecond)
	cancel()

	assert.Equal(t, 0, st.Len())
}
