package importer

import (
	"context"
	"testing"
	"time"

	"github.com/khankhulgun/offlinemap/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func progress(soFar int64) models.ProgressMessage {
	return models.ProgressMessage{Type: models.MessageProgress, ImportID: "imp", SoFar: soFar, Total: 1000}
}

func drain(t *testing.T, s *Subscription) []models.ProgressMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	var out []models.ProgressMessage
	for {
		m, ok := s.Next(ctx)
		if !ok {
			require.NoError(t, ctx.Err())
			return out
		}
		out = append(out, m)
	}
}

func TestBrokerDoesNotWaitForSlowSubscribers(t *testing.T) {
	b := newBroker()
	slow := b.subscribe()
	fast := b.subscribe()

	done := make(chan struct{})
	go func() {
		for i := int64(1); i <= 1000; i++ {
			b.publish(progress(i))
		}
		b.publish(models.ProgressMessage{Type: models.MessageComplete, ImportID: "imp", SoFar: 1000, Total: 1000})
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on subscribers")
	}

	assert.Len(t, drain(t, fast), 1001)
	got := drain(t, slow)
	require.Len(t, got, 1001)
	assert.Equal(t, models.MessageComplete, got[1000].Type)
}

func TestBrokerReplaysTerminalToLateSubscribers(t *testing.T) {
	b := newBroker()
	b.publish(progress(1))
	errMsg := models.ProgressMessage{Type: models.MessageError, ImportID: "imp", SoFar: 1, Total: 1000}
	b.publish(errMsg)
	b.publish(progress(2))

	assert.Equal(t, []models.ProgressMessage{errMsg}, drain(t, b.subscribe()))
	assert.Equal(t, []models.ProgressMessage{errMsg}, drain(t, b.subscribe()))

	m, ok := b.finished()
	require.True(t, ok)
	assert.Equal(t, errMsg, m)
}

func TestSubscriptionStopsWithContext(t *testing.T) {
	b := newBroker()
	s := b.subscribe()
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, ok := s.Next(ctx)
	assert.False(t, ok)
}
