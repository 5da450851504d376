package plugin_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xraph/tokenledger/cycle"
	"github.com/xraph/tokenledger/entry"
	"github.com/xraph/tokenledger/plugin"
)

type counter struct {
	name     string
	received atomic.Int32
	opened   atomic.Int32
	appended atomic.Int32
	err      error
	delay    time.Duration
}

func (c *counter) Name() string { return c.name }

func (c *counter) OnEventReceived(context.Context, string, string) error {
	c.received.Add(1)
	return c.err
}

func (c *counter) OnCycleOpened(context.Context, *cycle.BillingCycle) error {
	c.opened.Add(1)
	return c.err
}

func (c *counter) OnEntryAppended(context.Context, *entry.Entry) error {
	if c.delay > 0 {
		time.Sleep(c.delay)
	}
	c.appended.Add(1)
	return c.err
}

type bare struct{ name string }

func (b bare) Name() string { return b.name }

func newRegistry() *plugin.Registry {
	return plugin.NewRegistry().WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestRegisterRejectsDuplicateNames(t *testing.T) {
	r := newRegistry()
	require.NoError(t, r.Register(&counter{name: "metrics"}))
	require.NoError(t, r.Register(bare{name: "audit"}))

	err := r.Register(bare{name: "metrics"})
	assert.Error(t, err)
	assert.Equal(t, 2, r.Count())

	assert.NotNil(t, r.Get("audit"))
	assert.Nil(t, r.Get("missing"))
	assert.Len(t, r.List(), 2)
}

func TestEmitOnlyReachesImplementers(t *testing.T) {
	r := newRegistry()
	c := &counter{name: "c"}
	require.NoError(t, r.Register(c))
	require.NoError(t, r.Register(bare{name: "b"}))

	ctx := context.Background()
	r.EmitEventReceived(ctx, "evt_1", "invoice.paid")
	r.EmitCycleOpened(ctx, &cycle.BillingCycle{})
	r.EmitEntryAppended(ctx, &entry.Entry{})
	r.EmitEventDuplicate(ctx, "evt_1", "invoice.paid")

	assert.Equal(t, int32(1), c.received.Load())
	assert.Equal(t, int32(1), c.opened.Load())
	assert.Equal(t, int32(1), c.appended.Load())
}

func TestHookErrorsDoNotStopOtherPlugins(t *testing.T) {
	r := newRegistry()
	failing := &counter{name: "failing", err: errors.New("boom")}
	healthy := &counter{name: "healthy"}
	require.NoError(t, r.Register(failing))
	require.NoError(t, r.Register(healthy))

	r.EmitEventReceived(context.Background(), "evt_1", "invoice.paid")

	assert.Equal(t, int32(1), failing.received.Load())
	assert.Equal(t, int32(1), healthy.received.Load())
}

func TestSlowHookIsBoundedByTimeout(t *testing.T) {
	r := newRegistry().WithTimeout(20 * time.Millisecond)
	slow := &counter{name: "slow", delay: 500 * time.Millisecond}
	require.NoError(t, r.Register(slow))

	start := time.Now()
	r.EmitEntryAppended(context.Background(), &entry.Entry{})
	assert.Less(t, time.Since(start), 400*time.Millisecond)
}
