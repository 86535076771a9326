package alert

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"exec-alpha-go/internal/clock"
	"exec-alpha-go/internal/events"
)

func TestSendAlertStampsAndFansOut(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	m1, m2 := NewMockChannel("m1"), NewMockChannel("m2")
	mgr := NewManager([]Channel{m1, m2}, time.Minute, fc)

	require.NoError(t, mgr.Warn("router", "", "slow fill", map[string]interface{}{"task": "t1"}))
	assert.Equal(t, 1, m1.Count())
	assert.Equal(t, 1, m2.Count())

	got := m1.GetAlerts()[0]
	assert.Equal(t, LevelWarning, got.Level)
	assert.Equal(t, "router", got.Source)
	assert.Equal(t, fc.Now(), got.Timestamp)
	assert.Equal(t, "t1", got.Fields["task"])
	assert.Equal(t, []string{"m1", "m2"}, mgr.GetChannels())
}

func TestThrottlingUsesClock(t *testing.T) {
	fc := clock.NewFake(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	mock := NewMockChannel("mock")
	mgr := NewManager([]Channel{mock}, time.Minute, fc)

	for i := 0; i < 3; i++ {
		require.NoError(t, mgr.Warn("slippage", "BTCUSDT", "high slippage", nil))
	}
	assert.Equal(t, 1, mock.Count())

	// 不同 key 不受影响
	require.NoError(t, mgr.Warn("slippage", "ETHUSDT", "high slippage", nil))
	assert.Equal(t, 2, mock.Count())

	fc.Advance(time.Minute)
	require.NoError(t, mgr.Warn("slippage", "BTCUSDT", "high slippage", nil))
	assert.Equal(t, 3, mock.Count())

	mgr.ResetThrottle()
	require.NoError(t, mgr.Warn("slippage", "BTCUSDT", "high slippage", nil))
	assert.Equal(t, 4, mock.Count())
}

func TestChannelFailures(t *testing.T) {
	bad, good := NewMockChannel("bad"), NewMockChannel("good")
	bad.SetShouldError(true)

	mgr := NewManager([]Channel{bad}, 0, nil)
	assert.Error(t, mgr.Error("iceberg", "", "boom", nil))

	mgr.AddChannel(good)
	assert.NoError(t, mgr.Error("iceberg", "", "boom again", nil))
	assert.Equal(t, 1, good.Count())

	mgr.RemoveChannel("bad")
	assert.Equal(t, []string{"good"}, mgr.GetChannels())

	var nilMgr *Manager
	assert.NoError(t, nilMgr.Critical("x", "", "ignored", nil))
}

func TestThrottlerResetKey(t *testing.T) {
	th := NewThrottler(time.Hour, clock.NewFake(time.Now()))
	assert.True(t, th.Allow("a"))
	assert.False(t, th.Allow("a"))
	th.Reset("a")
	assert.True(t, th.Allow("a"))
	th.Clear()
	assert.True(t, th.Allow("a"))
}

func TestLogChannelAcceptsAllLevels(t *testing.T) {
	ch := NewLogChannel("log", nil)
	for _, lvl := range []string{LevelInfo, LevelWarning, LevelError, LevelCritical} {
		assert.NoError(t, ch.Send(Alert{Level: lvl, Message: "m", Fields: map[string]interface{}{"k": 1}}))
	}
	assert.Equal(t, "log", ch.Name())
}

func TestBusChannelPublishes(t *testing.T) {
	bus := events.NewBus(nil)
	sub, cancel := bus.Subscribe(2, events.EmergencyStop)
	defer cancel()

	ch := NewBusChannel(bus, events.EmergencyStop)
	require.NoError(t, ch.Send(Alert{Level: LevelCritical, Key: "task-1", Message: "stop"}))

	select {
	case ev := <-sub:
		assert.Equal(t, "task-1", ev.ID)
		assert.Equal(t, "alert", ev.Source)
	case <-time.After(time.Second):
		t.Fatal("expected event")
	}

	assert.Error(t, NewBusChannel(nil, events.EmergencyStop).Send(Alert{}))
}
