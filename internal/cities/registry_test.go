package cities

import (
	"testing"

	"github.com/aristath/weatheredge/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistry_ExhaustiveTenCities(t *testing.T) {
	r := New()
	assert.Len(t, r.Codes(), 10)
}

func TestRegistry_EveryCityHasAClusterAndStation(t *testing.T) {
	r := New()
	for _, c := range r.All() {
		assert.NotEmpty(t, c.Cluster, "city %s missing cluster", c.Code)
		assert.NotEmpty(t, c.SettlementStation, "city %s missing station", c.Code)
		assert.NotEmpty(t, c.Timezone, "city %s missing timezone", c.Code)
	}
}

func TestRegistry_Get(t *testing.T) {
	r := New()
	c, ok := r.Get("NYC")
	require.True(t, ok)
	assert.Equal(t, domain.ClusterNE, c.Cluster)

	_, ok = r.Get("XXX")
	assert.False(t, ok)
}

func TestRegistry_ClustersCoverAllFive(t *testing.T) {
	r := New()
	seen := map[domain.Cluster]bool{}
	for _, c := range r.All() {
		seen[c.Cluster] = true
	}
	for _, want := range []domain.Cluster{domain.ClusterNE, domain.ClusterSE, domain.ClusterMidwest, domain.ClusterMountain, domain.ClusterWest} {
		assert.True(t, seen[want], "no city registered in cluster %s", want)
	}
}
