package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"

	"github.com/trsang/smarttrash-core/internal/infrastructure/config"
)

func TestConnect(t *testing.T) {
	mr := miniredis.RunT(t)

	client, err := Connect(context.Background(), config.RedisConfig{Addr: mr.Addr()})
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	defer client.Close() //nolint:errcheck // Test cleanup

	if err := client.HealthCheck(context.Background()); err != nil {
		t.Errorf("HealthCheck() error = %v", err)
	}

	mr.Close()
	if err := client.HealthCheck(context.Background()); err == nil {
		t.Error("HealthCheck() should fail once the server is gone")
	}
}

func TestConnect_AuthRequired(t *testing.T) {
	mr := miniredis.RunT(t)
	mr.RequireAuth("s3cret")

	if _, err := Connect(context.Background(), config.RedisConfig{Addr: mr.Addr()}); !errors.Is(err, ErrConnectionFailed) {
		t.Errorf("Connect(no password) error = %v, want ErrConnectionFailed", err)
	}

	client, err := Connect(context.Background(), config.RedisConfig{Addr: mr.Addr(), Password: "s3cret"})
	if err != nil {
		t.Fatalf("Connect(password) error = %v", err)
	}
	client.Close() //nolint:errcheck // Test cleanup
}
