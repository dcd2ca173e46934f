package events

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mattjoyce/crmq/internal/metrics"
)

func TestHubPublishSubscribe(t *testing.T) {
	h := NewHub(10)
	ch, cancel := h.Subscribe()
	defer cancel()

	h.Publish(JobSucceeded, map[string]string{"job_id": "j1"})

	select {
	case ev := <-ch:
		assert.Equal(t, int64(1), ev.ID)
		assert.Equal(t, JobSucceeded, ev.Type)
		var data map[string]string
		require.NoError(t, json.Unmarshal(ev.Data, &data))
		assert.Equal(t, "j1", data["job_id"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestHubRingBufferKeepsNewest(t *testing.T) {
	h := NewHub(3)
	for i := 0; i < 5; i++ {
		h.Publish(JobClaimed, nil)
	}

	all := h.SnapshotSince(0)
	require.Len(t, all, 3)
	assert.Equal(t, []int64{3, 4, 5}, []int64{all[0].ID, all[1].ID, all[2].ID})
	assert.JSONEq(t, `{}`, string(all[0].Data))

	since := h.SnapshotSince(4)
	require.Len(t, since, 1)
	assert.Equal(t, int64(5), since[0].ID)
}

func TestHubCancelClosesChannel(t *testing.T) {
	h := NewHub(1)
	ch, cancel := h.Subscribe()
	cancel()
	cancel()

	_, ok := <-ch
	assert.False(t, ok)
	h.Publish(JobFailed, nil)
}

func TestHubSlowSubscriberDoesNotBlock(t *testing.T) {
	h := NewHub(1)
	_, cancel := h.Subscribe()
	defer cancel()
	before := testutil.ToFloat64(metrics.EventsDropped)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 500; i++ {
			h.Publish(JobRequeued, nil)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Equal(t, before+float64(500-subscriberBuffer), testutil.ToFloat64(metrics.EventsDropped))
}

func TestHubSnapshotSinceEvictedID(t *testing.T) {
	h := NewHub(2)
	assert.Empty(t, h.SnapshotSince(0))
	assert.Equal(t, int64(0), h.LastID())

	for i := 0; i < 4; i++ {
		h.Publish(JobClaimed, nil)
	}
	assert.Equal(t, int64(4), h.LastID())

	// A client that fell behind the backlog gets everything still held.
	got := h.SnapshotSince(1)
	require.Len(t, got, 2)
	assert.Equal(t, int64(3), got[0].ID)

	assert.Empty(t, h.SnapshotSince(4))
	assert.Empty(t, h.SnapshotSince(9))
}
