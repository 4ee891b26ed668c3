package main

import (
	"context"
	"log/slog"
	"time"

	"chatbox/server/internal/core"
	"chatbox/server/internal/ws"
)

// RunMetrics logs server stats every interval until ctx is canceled.
// Idle ticks are skipped.
func RunMetrics(ctx context.Context, coord *core.Coordinator, hub *ws.Hub, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var lastSent uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := coord.Stats()
			if st.Connections == 0 && st.MessagesSent == lastSent {
				continue
			}
			slog.Info("metrics",
				"connections", st.Connections,
				"online_users", st.OnlineUsers,
				"rooms", st.Rooms,
				"retained_messages", st.TotalMessages,
				"messages_sent", st.MessagesSent,
				"msg_per_sec", float64(st.MessagesSent-lastSent)/interval.Seconds(),
				"queues", hub.Count(),
				"uptime", st.Uptime.Round(time.Second),
			)
			lastSent = st.MessagesSent
		}
	}
}
