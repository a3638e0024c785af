package services

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newLoopOnlyGateway(opTimeout time.Duration) *DiscordGateway {
	g := &DiscordGateway{
		ops:       make(chan gatewayOp),
		stop:      make(chan struct{}),
		opTimeout: opTimeout,
	}
	go g.loop()
	return g
}

func TestSubmitRunsOperationOnLoop(t *testing.T) {
	g := newLoopOnlyGateway(1 * time.Second)
	defer close(g.stop)

	value, err := g.submit("test op", func() (string, error) {
		return "channel-123", nil
	})

	assert.NoError(t, err)
	assert.Equal(t, "channel-123", value)
}

func TestSubmitPropagatesOperationError(t *testing.T) {
	g := newLoopOnlyGateway(1 * time.Second)
	defer close(g.stop)

	_, err := g.submit("test op", func() (string, error) {
		return "", errors.New("discord says no")
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "discord says no")
}

func TestSubmitTimesOutOnSlowOperation(t *testing.T) {
	g := newLoopOnlyGateway(50 * time.Millisecond)
	defer close(g.stop)

	_, err := g.submit("slow op", func() (string, error) {
		time.Sleep(300 * time.Millisecond)
		return "too late", nil
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "timeout")
}

func TestSubmitFailsAfterStop(t *testing.T) {
	g := newLoopOnlyGateway(1 * time.Second)
	close(g.stop)

	_, err := g.submit("after stop", func() (string, error) {
		return "unreachable", nil
	})

	assert.Error(t, err)
	assert.Contains(t, err.Error(), "stopped")
}

func TestNewDiscordGatewayRequiresToken(t *testing.T) {
	_, err := NewDiscordGateway("", "guild1")
	assert.Error(t, err)

	g, err := NewDiscordGateway("test-token", "guild1")
	assert.NoError(t, err)
	assert.NotNil(t, g.session)
}
