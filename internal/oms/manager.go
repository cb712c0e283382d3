package oms

import (
	"context"
	"fmt"
	"time"

	"github.com/aristath/weatheredge/internal/domain"
	"github.com/aristath/weatheredge/internal/errs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Store is the subset of persistence the OMS needs: looking up an
// existing order by intent key or exchange order ID, and persisting
// new/updated orders.
type Store interface {
	GetOrderByIntentKey(ctx context.Context, intentKey string) (*domain.Order, error)
	GetOrderByExchangeOrderID(ctx context.Context, exchangeOrderID string) (*domain.Order, error)
	SaveOrder(ctx context.Context, order domain.Order) error
}

// Manager drives intents to orders, enforcing idempotency on
// (intent_key, intent_version) so that re-evaluating the same intent
// within its version never submits a duplicate order.
type Manager struct {
	exchange Exchange
	store    Store
	logger   zerolog.Logger
}

// New builds a Manager.
func New(exchange Exchange, store Store, logger zerolog.Logger) *Manager {
	return &Manager{exchange: exchange, store: store, logger: logger.With().Str("component", "oms").Logger()}
}

// Submit places a new order for intent at the given quantity and limit
// price, or returns the existing order unchanged if one already exists
// for this intent key and version — idempotent resubmission is always
// safe.
func (m *Manager) Submit(ctx context.Context, intent domain.Intent, version, quantity, limitPriceCents int) (domain.Order, error) {
	return m.submit(ctx, IntentKey(intent), intent, version, quantity, limitPriceCents)
}

func (m *Manager) submit(ctx context.Context, key string, intent domain.Intent, version, quantity, limitPriceCents int) (domain.Order, error) {
	existing, err := m.store.GetOrderByIntentKey(ctx, key)
	if err != nil {
		return domain.Order{}, err
	}
	if existing != nil && existing.IntentVersion >= version {
		return *existing, nil
	}

	clientOrderID := ClientOrderID(key, version)
	now := time.Now()
	order := domain.Order{
		ID:              uuid.NewString(),
		IntentKey:       key,
		IntentVersion:   version,
		CityCode:        intent.CityCode,
		Ticker:          intent.Ticker,
		Side:            intent.Side,
		Quantity:        quantity,
		LimitPriceCents: limitPriceCents,
		Status:          domain.OrderNew,
		ClientOrderID:   clientOrderID,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	exch, err := m.exchange.PlaceLimitOrder(ctx, clientOrderID, intent.Ticker, string(intent.Side), quantity, limitPriceCents)
	if err != nil {
		if tErr := Transition(&order, domain.OrderRejected); tErr != nil {
			m.logger.Error().Err(tErr).Msg("unreachable: NEW->REJECTED must always be valid")
		}
		order.Reason = err.Error()
		order.UpdatedAt = time.Now()
		_ = m.store.SaveOrder(ctx, order)
		return order, fmt.Errorf("%w: placing order for %s: %v", errs.ErrTransientNetwork, intent.Ticker, err)
	}

	order.ExchangeOrderID = &exch.ExchangeOrderID
	if err := Transition(&order, domain.OrderSubmitted); err != nil {
		return order, err
	}
	order.UpdatedAt = time.Now()

	if err := m.store.SaveOrder(ctx, order); err != nil {
		return order, err
	}
	return order, nil
}

// Cancel cancels order's resting exchange order and transitions its
// local state to CANCELED.
func (m *Manager) Cancel(ctx context.Context, order domain.Order) (domain.Order, error) {
	if order.ExchangeOrderID == nil {
		return order, fmt.Errorf("%w: order %s has no exchange order id", errs.ErrDataValidation, order.ID)
	}
	if err := m.exchange.CancelOrder(ctx, *order.ExchangeOrderID); err != nil {
		return order, fmt.Errorf("%w: canceling order %s: %v", errs.ErrTransientNetwork, order.ID, err)
	}
	if err := Transition(&order, domain.OrderCanceled); err != nil {
		return order, err
	}
	order.UpdatedAt = time.Now()
	return order, m.store.SaveOrder(ctx, order)
}

// Reprice cancels a resting order and resubmits at a new limit price as
// the intent's next version, used by the trading loop's reprice interval
// to chase a moving market. Each step is bounded by maxChaseCents
// against order's current limit price; movement made by earlier
// reprices of the same intent is not counted toward that bound.
func (m *Manager) Reprice(ctx context.Context, order domain.Order, newLimitPriceCents, maxChaseCents int) (domain.Order, error) {
	chase := newLimitPriceCents - order.LimitPriceCents
	if chase < 0 {
		chase = -chase
	}
	if chase > maxChaseCents {
		return order, fmt.Errorf("%w: reprice of %d cents exceeds max chase %d", errs.ErrRiskCapExceeded, chase, maxChaseCents)
	}

	canceled, err := m.Cancel(ctx, order)
	if err != nil {
		return canceled, err
	}

	intent := domain.Intent{CityCode: canceled.CityCode, Ticker: canceled.Ticker, Side: canceled.Side}
	return m.submit(ctx, canceled.IntentKey, intent, canceled.IntentVersion+1, canceled.Quantity, newLimitPriceCents)
}

// ReconcileImportStrategy tags the synthetic intent key of an order
// discovered on the exchange with no matching local record, so it is
// never mistaken for a strategy-originated position.
const ReconcileImportStrategy = "RECONCILE_IMPORT"

// ReconcileStaleReason tags a local order canceled because the exchange
// no longer has any record of it.
const ReconcileStaleReason = "RECONCILE_STALE"

// Reconcile compares local RESTING/SUBMITTED/PARTIAL orders against the
// exchange's open-orders list, corrects any mismatch, and imports any
// exchange-resident order with no local counterpart as an orphan so it
// is never silently ignored. Returns every order it created or
// adjusted, and a risk event per imported orphan for the caller to
// persist and alert on. Run at startup and once per cycle.
func (m *Manager) Reconcile(ctx context.Context, localOpen []domain.Order) ([]domain.Order, []domain.RiskEvent, error) {
	exchOpen, err := m.exchange.ListOpenOrders(ctx)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: listing open orders: %v", errs.ErrTransientNetwork, err)
	}

	byExchID := make(map[string]ExchangeOrder, len(exchOpen))
	for _, eo := range exchOpen {
		byExchID[eo.ExchangeOrderID] = eo
	}

	seen := make(map[string]bool, len(localOpen))
	var adjusted []domain.Order
	for _, o := range localOpen {
		if o.ExchangeOrderID == nil {
			continue
		}
		seen[*o.ExchangeOrderID] = true

		remote, found := byExchID[*o.ExchangeOrderID]
		if !found {
			// The exchange has no record of an order we believe is open:
			// treat it as externally canceled rather than silently trusting
			// stale local state.
			if err := Transition(&o, domain.OrderCanceled); err == nil {
				o.Reason = ReconcileStaleReason
				o.UpdatedAt = time.Now()
				if err := m.store.SaveOrder(ctx, o); err != nil {
					return adjusted, nil, err
				}
				adjusted = append(adjusted, o)
			}
			continue
		}

		mapped := mapExchangeStatus(remote.Status)
		if mapped != o.Status {
			if err := Transition(&o, mapped); err != nil {
				return adjusted, nil, fmt.Errorf("%w: reconciling order %s: %v", errs.ErrReconcileMismatch, o.ID, err)
			}
			o.UpdatedAt = time.Now()
			if err := m.store.SaveOrder(ctx, o); err != nil {
				return adjusted, nil, err
			}
			adjusted = append(adjusted, o)
		}
	}

	var events []domain.RiskEvent
	for _, eo := range exchOpen {
		if seen[eo.ExchangeOrderID] {
			continue
		}
		imported, ev := importOrphan(eo)
		if err := m.store.SaveOrder(ctx, imported); err != nil {
			return adjusted, events, err
		}
		adjusted = append(adjusted, imported)
		events = append(events, ev)
		m.logger.Warn().Str("exchange_order_id", eo.ExchangeOrderID).Str("ticker", eo.Ticker).Msg("imported orphan exchange order with no local record")
	}

	return adjusted, events, nil
}

// importOrphan builds the local RESTING record for an exchange order
// reconciliation found with no matching local order, tagging its
// intent key as a RECONCILE_IMPORT so strategy/OMS code never treats it
// as one of its own intents.
func importOrphan(eo ExchangeOrder) (domain.Order, domain.RiskEvent) {
	now := time.Now()
	exchID := eo.ExchangeOrderID
	order := domain.Order{
		ID:              uuid.NewString(),
		IntentKey:       ReconcileImportStrategy + "#" + eo.ExchangeOrderID,
		IntentVersion:   1,
		ExchangeOrderID: &exchID,
		Ticker:          eo.Ticker,
		Side:            domain.Side(eo.Side),
		Quantity:        eo.Quantity,
		LimitPriceCents: eo.PriceCents,
		Status:          domain.OrderResting,
		ClientOrderID:   eo.ClientOrderID,
		Reason:          ReconcileImportStrategy,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	ev := domain.RiskEvent{
		EventType: domain.RiskEventReconcileImport,
		Severity:  domain.SeverityWarning,
		Payload:   map[string]any{"exchange_order_id": eo.ExchangeOrderID, "ticker": eo.Ticker},
		CreatedAt: now,
	}
	return order, ev
}

// ReconcileFills fetches every exchange fill since the given cursor,
// joins each one back to the local order that placed it, and transitions
// that order's status through the state machine according to the
// exchange's authoritative order status. Fills whose order this
// engine never tracked locally are skipped: they belong to manual or
// pre-engine activity on the account. Mandatory at the start of every
// cycle, before risk checks, per the spec's in-cycle fill reconciliation.
func (m *Manager) ReconcileFills(ctx context.Context, since time.Time) ([]domain.Fill, []domain.Order, error) {
	exchFills, err := m.exchange.ListFills(ctx, since)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: listing fills: %v", errs.ErrTransientNetwork, err)
	}

	var fills []domain.Fill
	var touched []domain.Order
	for _, ef := range exchFills {
		order, err := m.store.GetOrderByExchangeOrderID(ctx, ef.OrderID)
		if err != nil {
			return fills, touched, err
		}
		if order == nil {
			m.logger.Warn().Str("exchange_order_id", ef.OrderID).Msg("fill for an order with no local record, skipping")
			continue
		}

		fills = append(fills, domain.Fill{
			ID:         ef.FillID,
			OrderRef:   order.ID,
			FilledAt:   ef.FilledAt,
			Quantity:   ef.Quantity,
			PriceCents: ef.PriceCents,
			FeesCents:  ef.FeesCents,
		})

		remote, err := m.exchange.GetOrder(ctx, ef.OrderID)
		if err != nil {
			return fills, touched, fmt.Errorf("%w: fetching order %s for fill reconciliation: %v", errs.ErrTransientNetwork, ef.OrderID, err)
		}
		mapped := mapExchangeStatus(remote.Status)
		if mapped != order.Status {
			if err := Transition(order, mapped); err != nil {
				return fills, touched, fmt.Errorf("%w: reconciling fill for order %s: %v", errs.ErrReconcileMismatch, order.ID, err)
			}
			order.UpdatedAt = time.Now()
			if err := m.store.SaveOrder(ctx, *order); err != nil {
				return fills, touched, err
			}
			touched = append(touched, *order)
		}
	}

	return fills, touched, nil
}

// Positions returns the exchange's current view of every open position.
func (m *Manager) Positions(ctx context.Context) ([]ExchangePosition, error) {
	positions, err := m.exchange.ListPositions(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: listing positions: %v", errs.ErrTransientNetwork, err)
	}
	return positions, nil
}

func mapExchangeStatus(s string) domain.OrderStatus {
	switch s {
	case "resting", "open":
		return domain.OrderResting
	case "partial", "partially_filled":
		return domain.OrderPartial
	case "filled":
		return domain.OrderFilled
	case "canceled", "cancelled":
		return domain.OrderCanceled
	case "rejected":
		return domain.OrderRejected
	default:
		return domain.OrderResting
	}
}
