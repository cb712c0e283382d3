package risk

import (
	"testing"
	"time"

	"github.com/aristath/weatheredge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func baseParams() Params {
	return Params{
		Bankroll:              1000,
		MaxTradeRiskPct:       0.02,
		MaxCityExposurePct:    0.03,
		MaxClusterExposurePct: 0.05,
		MaxDailyLossPct:       0.05,
		MaxContractsPerTrade:  500,
		RejectBurstWindow:     time.Minute,
		RejectBurstThreshold:  3,
	}
}

func testCity() domain.CityConfig {
	return domain.CityConfig{Code: "NYC", Cluster: domain.ClusterNE}
}

func TestSize_ApprovesWithinCaps(t *testing.T) {
	e := New(baseParams())
	d := e.Size(testCity(), 5, 50)
	assert.True(t, d.Approved)
	assert.Equal(t, 5, d.Quantity)
}

func TestSize_ClampsToTradeCap(t *testing.T) {
	e := New(baseParams()) // trade cap = 1000*0.02*100 = 2000 cents
	d := e.Size(testCity(), 1000, 50)
	assert.True(t, d.Approved)
	assert.Equal(t, 40, d.Quantity) // 2000/50
}

func TestSize_ClampsToCityCap(t *testing.T) {
	e := New(baseParams()) // city cap = 1000*0.03*100 = 3000 cents
	e.cityExposure["NYC"] = 2900
	d := e.Size(testCity(), 10, 50)
	assert.True(t, d.Approved)
	assert.Equal(t, 2, d.Quantity) // remaining 100 / 50
}

func TestSize_RefusesWhenCityCapExhausted(t *testing.T) {
	e := New(baseParams())
	e.cityExposure["NYC"] = 3000
	d := e.Size(testCity(), 10, 50)
	assert.False(t, d.Approved)
	require.NotNil(t, d.Event)
	assert.Equal(t, domain.RiskEventCityCapHit, d.Event.EventType)
}

func TestSize_RefusesWhenClusterCapExhausted(t *testing.T) {
	e := New(baseParams())
	e.clusterExposure["NE"] = 5000 // cluster cap = 1000*0.05*100 = 5000
	d := e.Size(testCity(), 10, 50)
	assert.False(t, d.Approved)
	require.NotNil(t, d.Event)
	assert.Equal(t, domain.RiskEventClusterCapHit, d.Event.EventType)
}

func TestSize_RefusesWhenDailyLossHalted(t *testing.T) {
	e := New(baseParams())
	e.RecordFill(-5000) // bankroll*0.05*100 = 5000, triggers halt
	d := e.Size(testCity(), 5, 50)
	assert.False(t, d.Approved)
	require.NotNil(t, d.Event)
	assert.Equal(t, domain.RiskEventDailyLossHit, d.Event.EventType)
}

func TestRecordFill_HaltsOnlyOnFirstBreach(t *testing.T) {
	e := New(baseParams())
	ev1 := e.RecordFill(-5000)
	require.NotNil(t, ev1)
	ev2 := e.RecordFill(-100)
	assert.Nil(t, ev2, "halt event should only fire once")
}

func TestUpdateUnrealizedPnL_TripsOnlyWhenCombinedWithRealizedBreachesCap(t *testing.T) {
	params := baseParams()
	params.Bankroll = 49.61 / (params.MaxDailyLossPct * 100) // daily loss cap = 49.61
	e := New(params)

	ev := e.RecordFill(-40)
	assert.Nil(t, ev, "realized loss alone must not trip the breaker")

	ev = e.SetUnrealizedPnL("NYC-75-ABOVE-20260801", -12)
	require.NotNil(t, ev, "realized+unrealized crossing the cap must trip the breaker")
	assert.Equal(t, domain.RiskEventDailyLossHit, ev.EventType)

	d := e.Size(testCity(), 5, 50)
	assert.False(t, d.Approved)
}

func TestResetDaily_ClearsHalt(t *testing.T) {
	e := New(baseParams())
	e.RecordFill(-5000)
	e.ResetDaily()
	d := e.Size(testCity(), 1, 50)
	assert.True(t, d.Approved)
}

func TestResetCycle_ClearsExposure(t *testing.T) {
	e := New(baseParams())
	e.cityExposure["NYC"] = 3000
	e.ResetCycle()
	d := e.Size(testCity(), 1, 50)
	assert.True(t, d.Approved)
}

func TestRecordRejection_FiresBurstEventAtThreshold(t *testing.T) {
	e := New(baseParams())
	now := time.Now()
	assert.Nil(t, e.RecordRejection(now))
	assert.Nil(t, e.RecordRejection(now.Add(time.Second)))
	ev := e.RecordRejection(now.Add(2 * time.Second))
	require.NotNil(t, ev)
	assert.Equal(t, domain.RiskEventRejectBurst, ev.EventType)
}

func TestRecordRejection_OldRejectionsExpireFromWindow(t *testing.T) {
	e := New(baseParams())
	now := time.Now()
	e.RecordRejection(now)
	e.RecordRejection(now.Add(time.Second))
	// third rejection arrives after the window has elapsed for the first two
	ev := e.RecordRejection(now.Add(2 * time.Minute))
	assert.Nil(t, ev)
}
