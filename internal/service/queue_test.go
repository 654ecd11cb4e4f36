package service_test

import (
	"testing"

	"github.com/CZERTAINLY/Sweeper/internal/service"

	"github.com/stretchr/testify/require"
)

func TestNewQueue(t *testing.T) {
	t.Parallel()
	_, err := service.NewQueue(0)
	require.ErrorIs(t, err, service.ErrInvalidConcurrency)

	q, err := service.NewQueue(3)
	require.NoError(t, err)
	require.Equal(t, 3, q.Max())
}

func TestQueueAdmit(t *testing.T) {
	t.Parallel()
	never := func(int64) bool { return false }

	t.Run("fifo up to capacity", func(t *testing.T) {
		q, err := service.NewQueue(2)
		require.NoError(t, err)
		for id := range int64(3) {
			q.Enqueue(id + 1)
		}
		var started []int64
		start := func(id int64) bool {
			started = append(started, id)
			return true
		}
		require.Equal(t, 2, q.Admit(never, start))
		require.Equal(t, []int64{1, 2}, started)
		require.Equal(t, 1, q.Len())
		require.Equal(t, 2, q.Running())

		require.Zero(t, q.Admit(never, start))

		q.Release()
		require.Equal(t, 1, q.Admit(never, start))
		require.Equal(t, []int64{1, 2, 3}, started)
		require.Zero(t, q.Len())
	})

	t.Run("cancelled jobs do not use a slot", func(t *testing.T) {
		q, err := service.NewQueue(1)
		require.NoError(t, err)
		q.Enqueue(1)
		q.Enqueue(2)
		var started []int64
		n := q.Admit(
			func(id int64) bool { return id == 1 },
			func(id int64) bool {
				started = append(started, id)
				return true
			},
		)
		require.Equal(t, 1, n)
		require.Equal(t, []int64{2}, started)
	})

	t.Run("failed start keeps the slot free", func(t *testing.T) {
		q, err := service.NewQueue(1)
		require.NoError(t, err)
		q.Enqueue(1)
		q.Enqueue(2)
		n := q.Admit(never, func(id int64) bool { return id == 2 })
		require.Equal(t, 1, n)
		require.Equal(t, 1, q.Running())
		require.Zero(t, q.Len())
	})

	t.Run("enqueue during admit", func(t *testing.T) {
		q, err := service.NewQueue(5)
		require.NoError(t, err)
		q.Enqueue(1)
		n := q.Admit(never, func(id int64) bool {
			q.Enqueue(id + 1)
			return false
		})
		require.Zero(t, n)
		require.Equal(t, 1, q.Len())
	})

	t.Run("drain and release", func(t *testing.T) {
		q, err := service.NewQueue(1)
		require.NoError(t, err)
		q.Release()
		require.Zero(t, q.Running())
		q.Enqueue(7)
		q.Enqueue(8)
		require.Equal(t, []int64{7, 8}, q.Drain())
		require.Zero(t, q.Len())
	})
}
