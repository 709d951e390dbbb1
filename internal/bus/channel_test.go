package bus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/opensource-crm/shrike/internal/domain"
)

const tenantID = "tenant-001"

// collector gathers asynchronously delivered messages.
type collector struct {
	mu   sync.Mutex
	msgs []*domain.Message
}

func (c *collector) handler(ctx context.Context, msg *domain.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
	return nil
}

func (c *collector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.msgs)
}

func (c *collector) waitFor(t *testing.T, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if c.count() >= n {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d messages, got %d", n, c.count())
}

func TestChannelBusPublishSubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewChannelBus(100)
	defer b.Close()

	var got collector
	if _, err := b.Subscribe(ctx, tenantID, domain.TopicDuplicateFound, got.handler); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := b.Publish(ctx, tenantID, domain.TopicDuplicateFound, []byte(`{"recordId":"rec-1"}`)); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got.waitFor(t, 1)

	got.mu.Lock()
	msg := got.msgs[0]
	got.mu.Unlock()

	if msg.Topic != domain.TopicDuplicateFound {
		t.Errorf("unexpected topic: %s", msg.Topic)
	}
	if msg.TenantID != tenantID {
		t.Errorf("unexpected tenant: %s", msg.TenantID)
	}
	if string(msg.Payload) != `{"recordId":"rec-1"}` {
		t.Errorf("unexpected payload: %s", msg.Payload)
	}
}

func TestChannelBusTenantIsolation(t *testing.T) {
	ctx := context.Background()
	b := NewChannelBus(100)
	defer b.Close()

	var a, other collector
	b.Subscribe(ctx, "tenant-a", domain.TopicMergeCompleted, a.handler)
	b.Subscribe(ctx, "tenant-b", domain.TopicMergeCompleted, other.handler)

	b.Publish(ctx, "tenant-a", domain.TopicMergeCompleted, []byte("x"))

	a.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)

	if other.count() != 0 {
		t.Errorf("message leaked across tenants: %d", other.count())
	}
}

func TestChannelBusTopicIsolation(t *testing.T) {
	ctx := context.Background()
	b := NewChannelBus(100)
	defer b.Close()

	var found, merged collector
	b.Subscribe(ctx, tenantID, domain.TopicDuplicateFound, found.handler)
	b.Subscribe(ctx, tenantID, domain.TopicMergeCompleted, merged.handler)

	b.Publish(ctx, tenantID, domain.TopicDuplicateFound, []byte("x"))

	found.waitFor(t, 1)
	time.Sleep(50 * time.Millisecond)

	if merged.count() != 0 {
		t.Errorf("message leaked across topics: %d", merged.count())
	}
}

func TestChannelBusMultipleSubscribers(t *testing.T) {
	ctx := context.Background()
	b := NewChannelBus(100)
	defer b.Close()

	var first, second collector
	b.Subscribe(ctx, tenantID, domain.TopicGroupCreated, first.handler)
	b.Subscribe(ctx, tenantID, domain.TopicGroupCreated, second.handler)

	b.Publish(ctx, tenantID, domain.TopicGroupCreated, []byte("x"))

	first.waitFor(t, 1)
	second.waitFor(t, 1)
}

func TestChannelBusUnsubscribe(t *testing.T) {
	ctx := context.Background()
	b := NewChannelBus(100)
	defer b.Close()

	var got collector
	sub, err := b.Subscribe(ctx, tenantID, domain.TopicConfigUpdated, got.handler)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	b.Publish(ctx, tenantID, domain.TopicConfigUpdated, []byte("before"))
	got.waitFor(t, 1)

	if err := sub.Unsubscribe(); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	b.Publish(ctx, tenantID, domain.TopicConfigUpdated, []byte("after"))
	time.Sleep(50 * time.Millisecond)

	if got.count() != 1 {
		t.Errorf("received after unsubscribe: %d messages", got.count())
	}
}

func TestChannelBusClose(t *testing.T) {
	ctx := context.Background()
	b := NewChannelBus(100)

	if err := b.Ping(ctx); err != nil {
		t.Errorf("ping failed on open bus: %v", err)
	}

	if err := b.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	if err := b.Ping(ctx); err == nil {
		t.Error("expected ping failure on closed bus")
	}
	if err := b.Publish(ctx, tenantID, domain.TopicNotification, []byte("x")); err == nil {
		t.Error("expected publish failure on closed bus")
	}
	if _, err := b.Subscribe(ctx, tenantID, domain.TopicNotification, nil); err == nil {
		t.Error("expected subscribe failure on closed bus")
	}

	// Close twice is fine
	if err := b.Close(); err != nil {
		t.Errorf("second close failed: %v", err)
	}
}

func TestChannelBusMissingTenant(t *testing.T) {
	ctx := context.Background()
	b := NewChannelBus(100)
	defer b.Close()

	if err := b.Publish(ctx, "", domain.TopicNotification, []byte("x")); err == nil {
		t.Error("expected error for empty tenantID")
	}
	if _, err := b.Subscribe(ctx, "", domain.TopicNotification, nil); err == nil {
		t.Error("expected error for empty tenantID")
	}
}
