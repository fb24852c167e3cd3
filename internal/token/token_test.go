package token

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCancelTokenInitialState(t *testing.T) {
	tok := New()
	require.False(t, tok.Cancelled())
	select {
	case <-tok.Done():
		t.Fatal("Done() closed before Cancel()")
	default:
	}
}

func TestCancelTokenCancelIsIdempotent(t *testing.T) {
	tok := New()
	tok.Cancel()
	require.True(t, tok.Cancelled())
	require.NotPanics(t, func() {
		tok.Cancel()
		tok.Cancel()
	})

	select {
	case <-tok.Done():
	case <-time.After(time.Second):
		t.Fatal("Done() never closed")
	}
}

func TestCancelTokenConcurrentCancel(t *testing.T) {
	tok := New()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tok.Cancel()
		}()
	}
	wg.Wait()
	require.True(t, tok.Cancelled())
}
