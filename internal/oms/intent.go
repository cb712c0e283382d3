// Package oms is the order management system: it turns a Signal into a
// deterministically-keyed Intent, drives the order state machine, and
// reconciles local state against the exchange.
package oms

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"

	"github.com/aristath/weatheredge/internal/domain"
)

// IntentKey deterministically identifies a desired position so that a
// restart never double-submits the same trade. The key is a sha256 hash
// of the canonical tuple (city_code, ticker, side, strategy_name,
// event_date_iso) — never a random or time-based value.
func IntentKey(intent domain.Intent) string {
	canonical := fmt.Sprintf("%s|%s|%s|%s|%s",
		intent.CityCode,
		intent.Ticker,
		intent.Side,
		intent.StrategyName,
		intent.EventDate.Format("2006-01-02"),
	)
	sum := sha256.Sum256([]byte(canonical))
	return hex.EncodeToString(sum[:])
}

// ClientOrderID deterministically derives the exchange-facing order
// identity from an intent key and version so that a crash-and-restart
// resubmission of the same intent/version is recognized as a duplicate
// by the exchange's own idempotency key, not just by local state.
func ClientOrderID(intentKey string, version int) string {
	return intentKey + "#" + strconv.Itoa(version)
}
