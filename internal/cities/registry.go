// Package cities holds the immutable ten-city registry: timezone,
// forecast grid, settlement station, and correlation cluster for each
// tradable city. The registry is built once at boot and never mutated.
package cities

import "github.com/aristath/weatheredge/internal/domain"

// Registry is a read-only lookup of CityConfig by code.
type Registry struct {
	byCode map[string]domain.CityConfig
	codes  []string
}

// New builds the registry from the static ten-city table.
func New() *Registry {
	r := &Registry{byCode: make(map[string]domain.CityConfig, len(all))}
	for _, c := range all {
		r.byCode[c.Code] = c
		r.codes = append(r.codes, c.Code)
	}
	return r
}

// Get returns the CityConfig for code and whether it was found.
func (r *Registry) Get(code string) (domain.CityConfig, bool) {
	c, ok := r.byCode[code]
	return c, ok
}

// Codes returns the codes of every registered city, in registration order.
func (r *Registry) Codes() []string {
	out := make([]string, len(r.codes))
	copy(out, r.codes)
	return out
}

// All returns a copy of every CityConfig in the registry.
func (r *Registry) All() []domain.CityConfig {
	out := make([]domain.CityConfig, 0, len(all))
	for _, c := range all {
		out = append(out, c)
	}
	return out
}

// all is the exhaustive ten-city table required by spec.md REDESIGN
// FLAGS #2: every city's cluster membership is enumerated explicitly,
// never inferred.
var all = []domain.CityConfig{
	{Code: "NYC", DisplayName: "New York", Timezone: "America/New_York", Cluster: domain.ClusterNE, ForecastOffice: "OKX", ForecastGridX: 33, ForecastGridY: 37, SettlementStation: "KNYC"},
	{Code: "BOS", DisplayName: "Boston", Timezone: "America/New_York", Cluster: domain.ClusterNE, ForecastOffice: "BOX", ForecastGridX: 71, ForecastGridY: 90, SettlementStation: "KBOS"},
	{Code: "MIA", DisplayName: "Miami", Timezone: "America/New_York", Cluster: domain.ClusterSE, ForecastOffice: "MFL", ForecastGridX: 109, ForecastGridY: 50, SettlementStation: "KMIA"},
	{Code: "ATL", DisplayName: "Atlanta", Timezone: "America/New_York", Cluster: domain.ClusterSE, ForecastOffice: "FFC", ForecastGridX: 52, ForecastGridY: 87, SettlementStation: "KATL"},
	{Code: "CHI", DisplayName: "Chicago", Timezone: "America/Chicago", Cluster: domain.ClusterMidwest, ForecastOffice: "LOT", ForecastGridX: 74, ForecastGridY: 71, SettlementStation: "KORD"},
	{Code: "MIN", DisplayName: "Minneapolis", Timezone: "America/Chicago", Cluster: domain.ClusterMidwest, ForecastOffice: "MPX", ForecastGridX: 107, ForecastGridY: 71, SettlementStation: "KMSP"},
	{Code: "DEN", DisplayName: "Denver", Timezone: "America/Denver", Cluster: domain.ClusterMountain, ForecastOffice: "BOU", ForecastGridX: 62, ForecastGridY: 61, SettlementStation: "KDEN"},
	{Code: "PHX", DisplayName: "Phoenix", Timezone: "America/Phoenix", Cluster: domain.ClusterMountain, ForecastOffice: "PSR", ForecastGridX: 159, ForecastGridY: 58, SettlementStation: "KPHX"},
	{Code: "LAX", DisplayName: "Los Angeles", Timezone: "America/Los_Angeles", Cluster: domain.ClusterWest, ForecastOffice: "LOX", ForecastGridX: 155, ForecastGridY: 45, SettlementStation: "KLAX"},
	{Code: "SEA", DisplayName: "Seattle", Timezone: "America/Los_Angeles", Cluster: domain.ClusterWest, ForecastOffice: "SEW", ForecastGridX: 124, ForecastGridY: 67, SettlementStation: "KSEA"},
}
