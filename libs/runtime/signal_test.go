package runtime

import (
	"context"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFirstSignalDrainsSecondExits(t *testing.T) {
	sigs := make(chan os.Signal, 2)
	exited := make(chan int, 1)
	ctx, cancel := notifyContext(context.Background(), sigs, OrDiscard(nil), func(code int) { exited <- code })
	defer cancel()

	sigs <- syscall.SIGTERM
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled on first signal")
	}
	assert.Empty(t, exited)

	sigs <- syscall.SIGINT
	select {
	case code := <-exited:
		assert.Equal(t, 1, code)
	case <-time.After(time.Second):
		t.Fatal("second signal did not exit")
	}
}

func TestCancelWithoutSignalNeverExits(t *testing.T) {
	sigs := make(chan os.Signal, 1)
	parent, stopParent := context.WithCancel(context.Background())
	ctx, cancel := notifyContext(parent, sigs, OrDiscard(nil), func(int) { t.Error("exit called") })
	cancel()
	stopParent()

	require.Error(t, ctx.Err())
	time.Sleep(10 * time.Millisecond)
}
