package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestManager_RunsInReverseOrder(t *testing.T) {
	m := New(time.Second, zap.NewNop())
	var order []string
	for _, name := range []string{"db", "dispatcher", "http"} {
		name := name
		m.Add(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}

	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"http", "dispatcher", "db"}, order)

	// Steps run once.
	require.NoError(t, m.Shutdown())
	assert.Len(t, order, 3)
}

func TestManager_CollectsErrorsAndKeepsGoing(t *testing.T) {
	m := New(10*time.Millisecond, zap.NewNop())
	boom := errors.New("boom")
	ran := false
	m.Add("first", func(context.Context) error { ran = true; return nil })
	m.Add("slow", func(ctx context.Context) error {
		<-ctx.Done()
		return ctx.Err()
	})
	m.Add("broken", func(context.Context) error { return boom })

	err := m.Shutdown()
	require.ErrorIs(t, err, boom)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.True(t, ran)
}
