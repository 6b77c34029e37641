package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type (
	PayFrequency        string
	RepeatFrequencyType string
)

const (
	PayWeekly      PayFrequency = "Weekly"
	PayEvery2Weeks PayFrequency = "Every 2 Weeks"
	PayMonthly     PayFrequency = "Monthly"

	RepeatMonths RepeatFrequencyType = "Months"
	RepeatYears  RepeatFrequencyType = "Years"
)

// paychecksPerMonth maps each supported pay frequency to the number of
// paychecks a monthly amount is split across.
var paychecksPerMonth = map[PayFrequency]int64{
	PayWeekly:      4,
	PayEvery2Weeks: 2,
	PayMonthly:     1,
}

func (p PayFrequency) IsValid() bool {
	_, ok := paychecksPerMonth[p]
	return ok
}

// PerPaycheck converts a monthly amount into the amount set aside per paycheck.
func (p PayFrequency) PerPaycheck(monthly decimal.Decimal) (decimal.Decimal, error) {
	n, ok := paychecksPerMonth[p]
	if !ok {
		return decimal.Zero, &ValidationError{Field: "pay_frequency", Reason: fmt.Sprintf("unsupported value %q", string(p))}
	}
	return monthly.Div(decimal.NewFromInt(n)), nil
}

// Next returns the paydate following t.
func (p PayFrequency) Next(t time.Time) time.Time {
	switch p {
	case PayWeekly:
		return t.AddDate(0, 0, 7)
	case PayEvery2Weeks:
		return t.AddDate(0, 0, 14)
	default:
		return t.AddDate(0, 1, 0)
	}
}

func (r RepeatFrequencyType) IsValid() bool {
	return r == RepeatMonths || r == RepeatYears
}

// FrequencyMonths is the repeat interval of a recurring expense in months.
func (d RegularExpenseDetails) FrequencyMonths() int {
	if d.RepeatFreqType == RepeatYears {
		return d.RepeatFreqNum * 12
	}
	return d.RepeatFreqNum
}
