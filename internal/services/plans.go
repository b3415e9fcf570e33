package services

import (
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	MonthlyDays = 30
	YearlyDays  = 365

	CustomPlanName = "Custom Plan"
)

type Plan struct {
	Name         string          `json:"name"`
	Price        decimal.Decimal `json:"price"`
	DurationDays int             `json:"durationDays"`
}

// AvailablePlans 固定价目表，按金额精确匹配
var AvailablePlans = []Plan{
	{Name: "Monthly Pro I", Price: decimal.NewFromInt(2), DurationDays: MonthlyDays},
	{Name: "Monthly Pro II", Price: decimal.NewFromInt(10), DurationDays: MonthlyDays},
	{Name: "Yearly Pro I", Price: decimal.NewFromInt(20), DurationDays: YearlyDays},
	{Name: "Yearly Pro II", Price: decimal.NewFromInt(100), DurationDays: YearlyDays},
}

// PlanRules 金额到时长的阈值规则
type PlanRules struct {
	Minimum          decimal.Decimal
	MonthlyThreshold decimal.Decimal
	YearlyThreshold  decimal.Decimal
}

func DefaultPlanRules() PlanRules {
	return PlanRules{
		Minimum:          decimal.NewFromInt(2),
		MonthlyThreshold: decimal.NewFromInt(2),
		YearlyThreshold:  decimal.NewFromInt(20),
	}
}

func NewPlanRules(minimum, monthly, yearly string) (PlanRules, error) {
	var r PlanRules
	var err error
	if r.Minimum, err = decimal.NewFromString(minimum); err != nil {
		return r, fmt.Errorf("plans.minimum_amount: %w", err)
	}
	if r.MonthlyThreshold, err = decimal.NewFromString(monthly); err != nil {
		return r, fmt.Errorf("plans.monthly_threshold: %w", err)
	}
	if r.YearlyThreshold, err = decimal.NewFromString(yearly); err != nil {
		return r, fmt.Errorf("plans.yearly_threshold: %w", err)
	}
	if r.YearlyThreshold.LessThan(r.MonthlyThreshold) {
		return r, fmt.Errorf("plans.yearly_threshold %s below monthly threshold %s", r.YearlyThreshold, r.MonthlyThreshold)
	}
	return r, nil
}

// Resolve 金额 -> 套餐，纯函数
func (r PlanRules) Resolve(amount decimal.Decimal) (Plan, error) {
	if amount.LessThan(r.Minimum) {
		return Plan{}, fmt.Errorf("%w: %s is below the minimum of %s", ErrAmountTooLow, amount, r.Minimum)
	}
	var days int
	switch {
	case amount.GreaterThanOrEqual(r.YearlyThreshold):
		days = YearlyDays
	case amount.GreaterThanOrEqual(r.MonthlyThreshold):
		days = MonthlyDays
	default:
		return Plan{}, fmt.Errorf("%w: %s is below the monthly price of %s", ErrAmountTooLow, amount, r.MonthlyThreshold)
	}

	name := CustomPlanName
	for _, p := range AvailablePlans {
		if p.Price.Equal(amount) {
			name = p.Name
			break
		}
	}
	return Plan{Name: name, Price: amount, DurationDays: days}, nil
}
