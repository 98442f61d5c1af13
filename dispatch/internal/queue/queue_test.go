// SPDX-FileCopyrightText: 2023 Richard Hansen <rhansen@rhansen.org> and contributors
// SPDX-License-Identifier: Apache-2.0

package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drainAll[T any](q *Queue[T]) []T {
	var got []T
	for {
		v, ok := q.TryDequeue()
		if !ok {
			return got
		}
		got = append(got, v)
	}
}

func TestFIFO(t *testing.T) {
	q := New[int](0)
	ctx := context.Background()
	for i := 0; i < 200; i++ {
		require.NoError(t, q.Enqueue(ctx, i))
		if i%3 == 0 {
			// Interleave consumption to exercise compaction.
			v, ok := q.TryDequeue()
			require.True(t, ok)
			assert.Equal(t, i/3, v)
		}
	}
	got := drainAll(q)
	if diff := cmp.Diff(200-67, len(got)); diff != "" {
		t.Errorf("remaining item count differs; diff from -want to +got:\n%s", diff)
	}
	for i := 1; i < len(got); i++ {
		assert.Less(t, got[i-1], got[i])
	}
	assert.Equal(t, 0, q.Len())
}

func TestTryDequeueEmpty(t *testing.T) {
	q := New[string](4)
	v, ok := q.TryDequeue()
	assert.False(t, ok)
	assert.Equal(t, "", v)
}

func TestReadyCoalesces(t *testing.T) {
	q := New[int](0)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		require.NoError(t, q.Enqueue(ctx, i))
	}
	select {
	case <-q.Ready():
	default:
		t.Fatalf("no ready notification after enqueue")
	}
	select {
	case <-q.Ready():
		t.Errorf("notifications did not coalesce")
	default:
	}
	assert.Equal(t, []int{0, 1, 2, 3, 4}, drainAll(q))
}

func TestBoundedBlocksUntilSpace(t *testing.T) {
	q := New[int](2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, 0))
	require.NoError(t, q.Enqueue(ctx, 1))
	done := make(chan error, 1)
	go func() { done <- q.Enqueue(ctx, 2) }()
	select {
	case err := <-done:
		t.Fatalf("Enqueue on full queue returned early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}
	v, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, 0, v)
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatalf("Enqueue did not unblock after space became available")
	}
	assert.Equal(t, []int{1, 2}, drainAll(q))
	assert.Equal(t, 2, q.Cap())
}

func TestBoundedEnqueueCanceled(t *testing.T) {
	q := New[int](1)
	require.NoError(t, q.Enqueue(context.Background(), 0))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := q.Enqueue(ctx, 1)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, q.Len())
}

func TestCloseWakesBlockedProducer(t *testing.T) {
	q := New[int](1)
	require.NoError(t, q.Enqueue(context.Background(), 0))
	done := make(chan error, 1)
	go func() { done <- q.Enqueue(context.Background(), 1) }()
	time.Sleep(10 * time.Millisecond)
	q.Close()
	select {
	case err := <-done:
		assert.True(t, errors.Is(err, ErrClosed), "got %v", err)
	case <-time.After(time.Second):
		t.Fatalf("blocked producer was not woken by Close")
	}
	assert.True(t, q.Closed())
	assert.Equal(t, []int{0}, q.Drain())
}

func TestEnqueueAfterClose(t *testing.T) {
	for _, capacity := range []int{0, 3} {
		q := New[int](capacity)
		require.NoError(t, q.Enqueue(context.Background(), 7))
		q.Close()
		q.Close()
		assert.ErrorIs(t, q.Enqueue(context.Background(), 8), ErrClosed)
		assert.Equal(t, []int{7}, q.Drain())
		assert.Empty(t, q.Drain())
	}
}

func TestDrainReleasesSpace(t *testing.T) {
	q := New[int](2)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, 0))
	require.NoError(t, q.Enqueue(ctx, 1))
	assert.Equal(t, []int{0, 1}, q.Drain())
	tctx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, q.Enqueue(tctx, 2))
	require.NoError(t, q.Enqueue(tctx, 3))
	assert.Equal(t, 2, q.Len())
}

func TestObserveLen(t *testing.T) {
	q := New[int](0)
	var got []int
	q.Observe(func(n int) { got = append(got, n) })
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, 0))
	require.NoError(t, q.Enqueue(ctx, 1))
	require.NoError(t, q.Enqueue(ctx, 2))
	_, ok := q.TryDequeue()
	require.True(t, ok)
	assert.Equal(t, []int{1, 2}, q.Drain())
	_, ok = q.TryDequeue()
	require.False(t, ok)
	if diff := cmp.Diff([]int{1, 2, 3, 2, 0}, got); diff != "" {
		t.Errorf("observed lengths differ; diff from -want to +got:\n%s", diff)
	}
}
