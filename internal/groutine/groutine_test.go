package groutine

import (
	"context"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGo_PropagatesName(t *testing.T) {
	got := make(chan string, 1)
	Go(nil, "worker-42", func(ctx context.Context) {
		got <- Name(ctx)
	})

	select {
	case name := <-got:
		assert.Equal(t, "worker-42", name)
	case <-time.After(time.Second):
		t.Fatal("goroutine did not run")
	}
}

func TestName_Unlabelled(t *testing.T) {
	assert.Equal(t, "", Name(context.Background()))
	assert.Equal(t, "", Name(nil)) //nolint:staticcheck
}

func TestGoSafe_RecoversPanic(t *testing.T) {
	logger, hook := test.NewNullLogger()
	done := make(chan struct{})

	GoSafe(context.Background(), "boom", logger, func(ctx context.Context) {
		defer close(done)
		panic("kaboom")
	})

	<-done
	require.Eventually(t, func() bool { return len(hook.AllEntries()) == 1 }, time.Second, 5*time.Millisecond)
	entry := hook.LastEntry()
	assert.Equal(t, logrus.ErrorLevel, entry.Level)
	assert.Equal(t, "boom", entry.Data["goroutine"])
}
