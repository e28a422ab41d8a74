package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ggoodman/mcp-tenant-gateway/broker"
)

// ToolsetTopic carries toolset change announcements between replicas.
const ToolsetTopic = "tenants.toolset"

type toolsetEvent struct {
	TenantID string `json:"tenantId"`
}

// PublishToolsetChanged announces that the toolsets of tenantIDs changed.
func PublishToolsetChanged(ctx context.Context, b broker.Broker, tenantIDs ...string) error {
	for _, id := range tenantIDs {
		data, err := json.Marshal(toolsetEvent{TenantID: id})
		if err != nil {
			return err
		}
		if _, err := b.Publish(ctx, ToolsetTopic, data); err != nil {
			return fmt.Errorf("publish toolset change for %s: %w", id, err)
		}
	}
	return nil
}

// FollowToolsetChanges pushes tools/list_changed to local sessions for every
// announced change until ctx is done. Broker failures are retried.
func (r *Registry) FollowToolsetChanges(ctx context.Context, b broker.Broker) error {
	var lastID string
	for {
		err := b.Subscribe(ctx, ToolsetTopic, lastID, func(ctx context.Context, env broker.Envelope) error {
			lastID = env.ID

			var ev toolsetEvent
			if err := json.Unmarshal(env.Data, &ev); err != nil || ev.TenantID == "" {
				r.log.WarnContext(ctx, "session.toolset_event.invalid", slog.String("event_id", env.ID))
				return nil
			}
			n := r.ToolsetChanged(ev.TenantID)
			r.log.DebugContext(ctx, "session.toolset_event", slog.String("tenant_id", ev.TenantID), slog.Int("notified", n))
			return nil
		})
		if ctx.Err() != nil || errors.Is(err, context.Canceled) {
			return nil
		}
		r.log.WarnContext(ctx, "session.toolset_follow.fail", slog.Any("err", err))

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}
