package notify

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kmaeshima/documentanalysisflow/internal/models"
)

func TestHubDeliversToWorkflowSubscribers(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("wf-1")
	defer sub.Close()
	other := h.Subscribe("wf-2")
	defer other.Close()

	h.Broadcast(models.ProgressEvent{WorkflowID: "wf-1", Message: "hello"})

	select {
	case event := <-sub.C:
		assert.Equal(t, "hello", event.Message)
	default:
		t.Fatal("expected a delivered event")
	}
	select {
	case <-other.C:
		t.Fatal("event leaked to another workflow's subscriber")
	default:
	}
}

func TestHubPrunesFullSubscribers(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("wf-1")

	// Fill the buffer without draining, then overflow it.
	for i := 0; i < 17; i++ {
		h.Broadcast(models.ProgressEvent{WorkflowID: "wf-1"})
	}

	assert.Equal(t, 0, h.SubscriberCount("wf-1"), "a non-draining subscriber is pruned")

	// The channel was closed by the prune; draining eventually observes it.
	for i := 0; i < 17; i++ {
		if _, ok := <-sub.C; !ok {
			return
		}
	}
	t.Fatal("expected the pruned subscriber's channel to be closed")
}

func TestHubCloseIsIdempotent(t *testing.T) {
	h := NewHub()
	sub := h.Subscribe("wf-1")
	require.Equal(t, 1, h.SubscriberCount("wf-1"))

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, h.SubscriberCount("wf-1"))

	// Broadcasting to a workflow with no subscribers is a no-op.
	h.Broadcast(models.ProgressEvent{WorkflowID: "wf-1"})
}
