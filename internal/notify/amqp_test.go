package notify

import (
	"context"
	"os"
	"testing"
	"time"

	"go.uber.org/zap"
)

func TestNewEvent(t *testing.T) {
	now := time.Date(2026, 5, 1, 8, 0, 0, 0, time.FixedZone("X", 3600))
	ev := newEvent("a@b.c", "s", "b", now)
	if ev.Type != "uptime.notification" || ev.To != "a@b.c" || ev.SentAt.Location() != time.UTC {
		t.Fatalf("unexpected event: %+v", ev)
	}
	if ev.ID == newEvent("a@b.c", "s", "b", now).ID {
		t.Fatal("event ids must be unique")
	}
}

func TestAMQP_PublishWithConfirm(t *testing.T) {
	url := os.Getenv("AMQP_URL")
	if url == "" {
		t.Skip("AMQP_URL not set; skipping RabbitMQ integration test")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	conn, err := DialAMQP(ctx, url, 1, zap.NewNop())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	cfg := AMQPConfig{Exchange: "uptimewatch.test", Queue: "uptimewatch.test.notifications", RoutingKey: "notify"}
	if err := SetupTopology(conn, cfg); err != nil {
		t.Fatalf("topology: %v", err)
	}
	pub, err := NewAMQP(conn, cfg)
	if err != nil {
		t.Fatalf("publisher: %v", err)
	}
	defer pub.Close()

	for i := 0; i < 3; i++ {
		if ok, err := pub.Send(ctx, "a@b.c", "subject", "body"); !ok || err != nil {
			t.Fatalf("publish %d: ok=%v err=%v", i, ok, err)
		}
	}
}
