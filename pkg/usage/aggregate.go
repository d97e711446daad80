// Package usage turns raw API payloads into the normalized domain model.
// It only passes through or arithmetically combines values; absent data
// stays absent and is never synthesized into zeros.
package usage

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/tedwatch/tedwatch/pkg/types"
)

// syncDateFormats are the layouts the last-sync endpoint has been seen to
// use, in order of preference.
var syncDateFormats = []string{"02/01/2006", "2006-01-02"}

// ParseMonthYear parses upstream's "M.YYYY" month identifier.
func ParseMonthYear(s string) (types.MonthKey, error) {
	parts := strings.Split(s, ".")
	if len(parts) != 2 {
		return types.MonthKey{}, &types.ValidationError{Field: "monthYear", Message: fmt.Sprintf("malformed value %q", s)}
	}
	month, err := strconv.Atoi(parts[0])
	if err != nil || month < 1 || month > 12 {
		return types.MonthKey{}, &types.ValidationError{Field: "monthYear", Message: fmt.Sprintf("month out of range in %q", s)}
	}
	year, err := strconv.Atoi(parts[1])
	if err != nil || year < 1 {
		return types.MonthKey{}, &types.ValidationError{Field: "monthYear", Message: fmt.Sprintf("bad year in %q", s)}
	}
	return types.MonthKey{Year: year, Month: month}, nil
}

// MonthlyRecords maps the usage-by-year payload to records, verbatim.
// Months not present in the array are simply absent, never zero-filled.
// A future month reported as {total: 0, average: null} is the server's
// placeholder for "no data yet"; its total becomes nil so it cannot be
// mistaken for a genuinely zero month.
func MonthlyRecords(payload types.UsageByYear, now time.Time) ([]types.MonthlyUsageRecord, error) {
	current := types.MonthKeyOf(now)

	records := make([]types.MonthlyUsageRecord, 0, len(payload.MonthlyEnergyUsages))
	for _, m := range payload.MonthlyEnergyUsages {
		key, err := ParseMonthYear(m.MonthYear)
		if err != nil {
			return nil, err
		}

		rec := types.MonthlyUsageRecord{
			Year:               key.Year,
			Month:              key.Month,
			TotalUsage:         types.Float64Ptr(m.TotalEnergyUsage),
			Unit:               m.UnitOfMeasurement,
			BillingUnitAverage: m.AverageEnergyUseForBillingUnit,
		}
		if current.Before(key) && m.TotalEnergyUsage == 0 && m.AverageEnergyUseForBillingUnit == nil {
			rec.TotalUsage = nil
		}
		records = append(records, rec)
	}
	return records, nil
}

// SumRooms groups the parallel rooms/values arrays by label, summing values
// for labels that repeat. The result is sorted by label; upstream order
// carries no meaning.
func SumRooms(rooms []string, values []float64) ([]types.RoomUsage, error) {
	if len(rooms) != len(values) {
		return nil, &types.ValidationError{
			Field:   "rooms",
			Message: fmt.Sprintf("rooms (%d) and values (%d) differ in length", len(rooms), len(values)),
		}
	}

	sums := make(map[string]float64, len(rooms))
	for i, room := range rooms {
		sums[room] += values[i]
	}

	out := make([]types.RoomUsage, 0, len(sums))
	for room, value := range sums {
		out = append(out, types.RoomUsage{Room: room, Value: value})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out, nil
}

// TotalReading sums the cumulative counter over all active devices.
func TotalReading(devices []types.DeviceReading) float64 {
	var total float64
	for _, d := range devices {
		if d.Deactivated() {
			continue
		}
		total += d.CurrentReadingValue
	}
	return total
}

// UsageSoFar derives the current month's consumption from the cumulative
// counter total and the prior month-end baseline. Nil when no baseline
// exists; a first run reports "unavailable", not a misleading spike.
// In January, or whenever the counter dropped below the baseline, the
// meters have been reset and the raw total is the month's usage.
func UsageSoFar(total float64, baseline *float64, month int) *float64 {
	if month == 1 {
		return types.Float64Ptr(total)
	}
	if baseline == nil {
		return nil
	}
	if total < *baseline {
		return types.Float64Ptr(total)
	}
	return types.Float64Ptr(total - *baseline)
}

// ResolveLastYear picks the year-over-year comparison figure. The upstream
// block reflects the authoritative billing record and wins over cached
// history when both exist.
func ResolveLastYear(upstream, cached *float64) *float64 {
	if upstream != nil {
		return upstream
	}
	return cached
}

// ParseSyncDate parses the last-sync date in the formats upstream uses.
func ParseSyncDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range syncDateFormats {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized sync date %q", s)
}
