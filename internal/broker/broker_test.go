package broker

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lessonsync/pkg/protocol"
)

func TestMemoryPublishReachesAllSubscribers(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	var got1, got2 []string
	b.Subscribe(func(lessonID string, env *protocol.Envelope) {
		got1 = append(got1, lessonID+":"+env.Type)
	})
	b.Subscribe(func(lessonID string, env *protocol.Envelope) {
		got2 = append(got2, lessonID+":"+env.Type)
	})

	env := &protocol.Envelope{
		Type:      protocol.EventSectionChanged,
		Data:      json.RawMessage(`{"section_index":2}`),
		Timestamp: time.Now(),
		Seq:       1,
	}
	require.NoError(t, b.Publish(context.Background(), "L1", env))

	assert.Equal(t, []string{"L1:section_changed"}, got1)
	assert.Equal(t, []string{"L1:section_changed"}, got2)
}

func TestMemoryPublishAfterClose(t *testing.T) {
	b := NewMemory()
	require.NoError(t, b.Close())

	err := b.Publish(context.Background(), "L1", &protocol.Envelope{Type: protocol.EventUserLeft})
	assert.ErrorIs(t, err, ErrBrokerClosed)
}

func TestMemorySubscriberSeesEnvelopeSeq(t *testing.T) {
	b := NewMemory()
	defer b.Close()

	var seqs []int64
	b.Subscribe(func(_ string, env *protocol.Envelope) {
		seqs = append(seqs, env.Seq)
	})

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, b.Publish(context.Background(), "L1", &protocol.Envelope{
			Type: protocol.EventLessonStateChanged, Seq: i, Timestamp: time.Now(),
		}))
	}
	assert.Equal(t, []int64{1, 2, 3}, seqs)
}
