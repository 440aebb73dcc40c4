package accrual

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/accruals/internal/sales"
	"github.com/odyssey-erp/accruals/internal/shared"
)

// errAccruedInWindow reports a record written for the order after the batch
// collected its state.
var errAccruedInWindow = errors.New("accrual: order accrued in window")

// batchOrder is the per-order state gathered before a batch runs.
type batchOrder struct {
	order    sales.Order
	existing []Record
	history  []Record
}

func (b batchOrder) posted() []Record {
	var out []Record
	for _, r := range b.existing {
		if r.State.Posted() {
			out = append(out, r)
		}
	}
	return out
}

// RunBatch applies a scenario to a set of orders. Scenario validation is all
// or nothing: when any order is incompatible a *ScenarioError is returned and
// nothing is created.
func (s *Service) RunBatch(ctx context.Context, in BatchInput) (BatchResult, error) {
	if !in.Scenario.Valid() {
		return BatchResult{}, fmt.Errorf("accrual: unknown scenario %q", in.Scenario)
	}
	if len(in.OrderIDs) == 0 {
		return BatchResult{}, errors.New("accrual: at least one order required")
	}
	window, err := batchWindow(in.CompanyID, in.OrderIDs, in.Date, in.ReversalDate)
	if err != nil {
		return BatchResult{}, err
	}
	if in.Actor == "" {
		in.Actor = shared.ActorFromContext(ctx)
	}
	orders, err := s.collect(ctx, window, in.Scenario == ScenarioAdjustment)
	if err != nil {
		return BatchResult{}, err
	}
	if err := s.validateScenario(ctx, in, window, orders); err != nil {
		return BatchResult{}, err
	}

	result := BatchResult{Scenario: in.Scenario}
	for _, id := range in.OrderIDs {
		b := orders[id]
		if in.Scenario == ScenarioDefault {
			if !b.order.Eligible() {
				result.Skipped = append(result.Skipped, BatchSkip{OrderID: id, OrderName: b.order.Name,
					Reason: fmt.Sprintf("%s (status: %s)", ReasonInvalidStatus, b.order.CEStatus)})
				continue
			}
			if len(b.existing) > 0 {
				result.Skipped = append(result.Skipped, BatchSkip{OrderID: id, OrderName: b.order.Name, Reason: ReasonAlreadyAccrued})
				continue
			}
		}
		err := s.withOrderLock(ctx, id, func(ctx context.Context) error {
			current, err := s.reload(ctx, window, id)
			if err != nil {
				return err
			}
			switch in.Scenario {
			case ScenarioDefault, ScenarioOverride:
				if len(current.existing) > 0 {
					return errAccruedInWindow
				}
			case ScenarioCancelReplace:
				amount, err := s.proposedAmount(ctx, current.order, window.From, false, nil)
				if err != nil {
					return err
				}
				if !amount.IsPositive() {
					return ErrNothingToAccrue
				}
				for _, r := range current.posted() {
					if _, err := s.cancel(ctx, r.ID, "replaced by batch", in.Actor); err != nil {
						return err
					}
					result.Replaced = append(result.Replaced, r.ID)
				}
			}
			record, err := s.create(ctx, CreateInput{
				CompanyID:    in.CompanyID,
				OrderID:      id,
				Date:         window.From,
				ReversalDate: in.ReversalDate,
				Scenario:     in.Scenario,
				AutoPost:     in.AutoPost,
				Actor:        in.Actor,
			})
			if err != nil {
				return err
			}
			result.Created = append(result.Created, record)
			return nil
		})
		switch {
		case err == nil:
		case errors.Is(err, errAccruedInWindow):
			result.Skipped = append(result.Skipped, BatchSkip{OrderID: id, OrderName: b.order.Name, Reason: ReasonAlreadyAccrued})
		case errors.Is(err, ErrNothingToAccrue):
			reason := ReasonNoLines
			if in.Scenario == ScenarioAdjustment {
				reason = ReasonNoAmount
			}
			result.Skipped = append(result.Skipped, BatchSkip{OrderID: id, OrderName: b.order.Name, Reason: reason})
		default:
			s.logger.Error("batch accrual failed",
				slog.Int64("order_id", id),
				slog.String("scenario", string(in.Scenario)),
				slog.Any("error", err))
			result.Failed = append(result.Failed, BatchFailure{OrderID: id, OrderName: b.order.Name, Message: err.Error()})
		}
	}
	s.logger.Info("accrual batch complete",
		slog.String("scenario", string(in.Scenario)),
		slog.Int("created", len(result.Created)),
		slog.Int("replaced", len(result.Replaced)),
		slog.Int("skipped", len(result.Skipped)),
		slog.Int("failed", len(result.Failed)))
	return result, nil
}

func batchWindow(companyID int64, orderIDs []int64, date time.Time, reversal *time.Time) (Window, error) {
	if date.IsZero() {
		return Window{}, errors.New("accrual: date required")
	}
	from := dateOnly(date)
	to := from.AddDate(0, 0, 1)
	if reversal != nil && !reversal.IsZero() {
		to = dateOnly(*reversal)
		if !to.After(from) {
			return Window{}, ErrReversalDate
		}
	}
	return Window{CompanyID: companyID, OrderIDs: orderIDs, From: from, To: to}, nil
}

// collect loads orders, their active records in the window and, for
// adjustments, their full posted history.
func (s *Service) collect(ctx context.Context, window Window, withHistory bool) (map[int64]batchOrder, error) {
	orders, err := s.orders.ListOrders(ctx, window.CompanyID, window.OrderIDs)
	if err != nil {
		return nil, err
	}
	out := make(map[int64]batchOrder, len(orders))
	for _, o := range orders {
		out[o.ID] = batchOrder{order: o}
	}
	from, to := window.From, window.To
	err = s.repo.WithTx(ctx, func(ctx context.Context, tx TxRepository) error {
		existing, _, err := tx.ListRecords(ctx, Filter{
			CompanyID: window.CompanyID,
			OrderIDs:  window.OrderIDs,
			States:    []State{StateDraft, StateAccrued, StateReversed},
			From:      &from,
			To:        &to,
		}, false)
		if err != nil {
			return err
		}
		for _, r := range existing {
			b, ok := out[r.OrderID]
			if !ok {
				continue
			}
			b.existing = append(b.existing, r)
			out[r.OrderID] = b
		}
		if !withHistory {
			return nil
		}
		history, _, err := tx.ListRecords(ctx, Filter{
			CompanyID: window.CompanyID,
			OrderIDs:  window.OrderIDs,
			States:    []State{StateAccrued, StateReversed},
		}, true)
		if err != nil {
			return err
		}
		for _, r := range history {
			b, ok := out[r.OrderID]
			if !ok {
				continue
			}
			b.history = append(b.history, r)
			out[r.OrderID] = b
		}
		return nil
	})
	return out, err
}

// reload re-reads one order and its window records once its lock is held.
func (s *Service) reload(ctx context.Context, window Window, orderID int64) (batchOrder, error) {
	window.OrderIDs = []int64{orderID}
	orders, err := s.collect(ctx, window, false)
	if err != nil {
		return batchOrder{}, err
	}
	b, ok := orders[orderID]
	if !ok {
		return batchOrder{}, fmt.Errorf("%w: order #%d", sales.ErrNotFound, orderID)
	}
	return b, nil
}

func (s *Service) validateScenario(ctx context.Context, in BatchInput, window Window, orders map[int64]batchOrder) error {
	verr := &ScenarioError{Scenario: in.Scenario}
	for _, id := range in.OrderIDs {
		b, ok := orders[id]
		if !ok {
			verr.Add(ReasonOrderNotFound, fmt.Sprintf("#%d", id))
			continue
		}
		name := b.order.Name
		switch in.Scenario {
		case ScenarioOverride:
			if len(b.existing) > 0 {
				verr.Add(ReasonHasExisting, name)
			}
		case ScenarioCancelReplace:
			if len(b.posted()) == 0 {
				verr.Add(ReasonNoAccrued, name)
			}
		case ScenarioAdjustment:
			if len(b.existing) == 0 {
				verr.Add(ReasonNoHistory, name)
				continue
			}
			if len(b.posted()) == 0 {
				verr.Add(ReasonNoAccrued, name)
				continue
			}
			amount, err := s.proposedAmount(ctx, b.order, window.From, true, PreviousAmounts(b.history))
			if err != nil {
				return err
			}
			if !amount.IsPositive() {
				verr.Add(ReasonNoAmount, name)
			}
		}
	}
	if verr.Empty() {
		return nil
	}
	return verr
}

func (s *Service) proposedAmount(ctx context.Context, order sales.Order, date time.Time, adjustment bool, previous map[int64]decimal.Decimal) (decimal.Decimal, error) {
	params, err := s.buildParams(ctx, order, date)
	if err != nil {
		return decimal.Zero, err
	}
	params.Adjustment = adjustment
	params.Previous = previous
	lines, err := BuildLines(params)
	if err != nil {
		return decimal.Zero, err
	}
	return LinesTotal(lines), nil
}

// Preview reports, for each order, the accruals already present in the
// period and the amount a new accrual would carry. Without order ids every
// eligible order is previewed.
func (s *Service) Preview(ctx context.Context, in PreviewInput) ([]PreviewItem, error) {
	ids := in.OrderIDs
	if len(ids) == 0 {
		eligible, err := s.orders.ListEligibleOrders(ctx, in.CompanyID)
		if err != nil {
			return nil, err
		}
		for _, o := range eligible {
			ids = append(ids, o.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}
	window, err := batchWindow(in.CompanyID, ids, in.Date, in.ReversalDate)
	if err != nil {
		return nil, err
	}
	orders, err := s.collect(ctx, window, false)
	if err != nil {
		return nil, err
	}
	items := make([]PreviewItem, 0, len(ids))
	for _, id := range ids {
		b, ok := orders[id]
		if !ok {
			continue
		}
		amount, err := s.proposedAmount(ctx, b.order, window.From, false, nil)
		if err != nil {
			return nil, fmt.Errorf("accrual: preview %s: %w", b.order.Name, err)
		}
		existingTotal := decimal.Zero
		for _, r := range b.existing {
			existingTotal = existingTotal.Add(r.Total)
		}
		items = append(items, PreviewItem{
			OrderID:        b.order.ID,
			OrderName:      b.order.Name,
			PartnerName:    b.order.PartnerName,
			CECode:         b.order.CECode,
			CEStatus:       string(b.order.CEStatus),
			Currency:       b.order.Currency,
			Eligible:       b.order.Eligible(),
			ProposedAmount: amount,
			Existing:       b.existing,
			ExistingTotal:  existingTotal,
			HasExisting:    len(b.existing) > 0,
		})
	}
	return items, nil
}

// Sync creates system accruals for every eligible order of the company.
// Orders already accrued in the period are skipped.
func (s *Service) Sync(ctx context.Context, companyID int64, date time.Time, autoPost bool) (BatchResult, error) {
	eligible, err := s.orders.ListEligibleOrders(ctx, companyID)
	if err != nil {
		return BatchResult{}, err
	}
	if len(eligible) == 0 {
		return BatchResult{Scenario: ScenarioDefault}, nil
	}
	ids := make([]int64, 0, len(eligible))
	for _, o := range eligible {
		ids = append(ids, o.ID)
	}
	return s.RunBatch(ctx, BatchInput{
		CompanyID: companyID,
		Scenario:  ScenarioDefault,
		OrderIDs:  ids,
		Date:      date,
		AutoPost:  autoPost,
		Actor:     shared.SystemActor,
	})
}
