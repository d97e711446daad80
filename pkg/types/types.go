package types

import (
	"fmt"
	"time"
)

// TokenValidityMargin is how long before the recorded expiry a token is
// already considered unusable. Covers clock skew between us and the
// authorization server.
const TokenValidityMargin = 60 * time.Second

// Token holds the credentials issued by the authorization server for one
// configured installation. Refresh tokens rotate: every refresh may replace
// RefreshToken, and the replacement must be persisted before anything else
// sees it.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	IDToken      string    `json:"id_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at"`
	// RefreshExpiresAt is zero when the server did not report a refresh
	// token lifetime.
	RefreshExpiresAt time.Time `json:"refresh_token_expires_at,omitempty"`
}

// Valid reports whether the access token can still be used at now,
// accounting for the safety margin.
func (t Token) Valid(now time.Time) bool {
	if t.AccessToken == "" || t.ExpiresAt.IsZero() {
		return false
	}
	return now.Add(TokenValidityMargin).Before(t.ExpiresAt)
}

// MonthKey identifies one calendar month of one year. It is the identity key
// of the monthly cache.
type MonthKey struct {
	Year  int `json:"year"`
	Month int `json:"month"`
}

// String formats the key as "YYYY-MM", the storage key format.
func (k MonthKey) String() string {
	return fmt.Sprintf("%d-%02d", k.Year, k.Month)
}

// Before reports whether k is chronologically before other.
func (k MonthKey) Before(other MonthKey) bool {
	if k.Year != other.Year {
		return k.Year < other.Year
	}
	return k.Month < other.Month
}

// AddMonths returns the key n months after k (n may be negative).
func (k MonthKey) AddMonths(n int) MonthKey {
	m := k.Year*12 + (k.Month - 1) + n
	return MonthKey{Year: m / 12, Month: m%12 + 1}
}

// MonthKeyOf returns the MonthKey containing t.
func MonthKeyOf(t time.Time) MonthKey {
	return MonthKey{Year: t.Year(), Month: int(t.Month())}
}

// MonthlyUsageRecord is the normalized per-month aggregate. TotalUsage and
// BillingUnitAverage are pointers because upstream distinguishes "no data
// yet" from a genuinely zero month; the two must never collapse.
type MonthlyUsageRecord struct {
	Year               int      `json:"year"`
	Month              int      `json:"month"`
	TotalUsage         *float64 `json:"total_usage,omitempty"`
	Unit               string   `json:"unit,omitempty"`
	BillingUnitAverage *float64 `json:"billing_unit_average,omitempty"`
}

// Key returns the record's identity key.
func (r MonthlyUsageRecord) Key() MonthKey {
	return MonthKey{Year: r.Year, Month: r.Month}
}

// RoomUsage is the usage attributed to one distinct room label after
// duplicate labels from upstream have been summed.
type RoomUsage struct {
	Room  string  `json:"room"`
	Value float64 `json:"value"`
}

// DeviceReading mirrors one entry of the deviceStatuses payload. The
// reading is a cumulative counter, not a monthly delta.
type DeviceReading struct {
	MeasurementDeviceID int     `json:"measurementDeviceId"`
	Room                string  `json:"room"`
	DeviceID            int     `json:"deviceId"`
	DeviceNumber        string  `json:"deviceNumber"`
	CurrentReadingValue float64 `json:"currentReadingValue"`
	UnitOfMeasure       string  `json:"unitOfMeasure"`
	DeactivationDate    string  `json:"deactivationDate,omitempty"`
	RadiographicMeter   bool    `json:"radiographicMeter"`
}

// Deactivated reports whether the device has been taken out of service and
// should be excluded from totals.
func (d DeviceReading) Deactivated() bool {
	return d.DeactivationDate != ""
}

// MonthlyEnergyUsage is the wire shape of one month inside the usage-by-year
// response. MonthYear is "M.YYYY".
type MonthlyEnergyUsage struct {
	TotalEnergyUsage               float64  `json:"totalEnergyUsage"`
	MonthYear                      string   `json:"monthYear"`
	UnitOfMeasurement              string   `json:"unitOfMeasurement"`
	AverageEnergyUseForBillingUnit *float64 `json:"averageEnergyUseForBillingUnit"`
}

// UsageByYear is the usage-by-year response.
type UsageByYear struct {
	MonthlyEnergyUsages            []MonthlyEnergyUsage `json:"monthlyEnergyUsages"`
	AverageEnergyUseForBillingUnit *float64             `json:"averageEnergyUseForBillingUnit"`
}

// YearValues is one year block of the usage-per-room response. Values is
// index-aligned with UsagePerRoom.Rooms.
type YearValues struct {
	Year   int       `json:"year"`
	Values []float64 `json:"values"`
}

// UsagePerRoom is the usage-per-room response. Rooms may repeat a label when
// a room has several devices.
type UsagePerRoom struct {
	Rooms       []string    `json:"rooms"`
	Units       string      `json:"units"`
	LastYear    *YearValues `json:"lastYear,omitempty"`
	CurrentYear *YearValues `json:"currentYear,omitempty"`
	NextYear    *YearValues `json:"nextYear,omitempty"`
}

// UsageInsight is the usage-insight response.
type UsageInsight struct {
	UnitType                string   `json:"unitType"`
	Usage                   *float64 `json:"usage"`
	BillingUnitAverageUsage *float64 `json:"billingUnitAverageUsage"`
	UsageDifference         *float64 `json:"usageDifference"`
	DeviceModel             string   `json:"deviceModel"`
}

// ResidentialUnitDetail is the residential-unit-detail response.
type ResidentialUnitDetail struct {
	ID                        string `json:"id"`
	BillingUnitID             string `json:"billingUnitId"`
	AppartmentNo              string `json:"appartmentNo"`
	Street                    string `json:"street"`
	ZipCode                   string `json:"zipCode"`
	ResidentName              string `json:"residentName"`
	HasRegistration           bool   `json:"hasRegistration"`
	RegistrationID            string `json:"registrationId"`
	RegistrationComplete      bool   `json:"registrationComplete"`
	IsMeterValuesExportActive bool   `json:"isMeterValuesExportActive"`
}

// Snapshot is the read-only view published after a poll cycle. Presentation
// consumes it and never mutates it; slices are fresh copies each cycle.
type Snapshot struct {
	ResidentialUnit string                 `json:"residential_unit"`
	Detail          *ResidentialUnitDetail `json:"detail,omitempty"`
	DeliveryType    int                    `json:"delivery_type"`

	// Months is the monthly cache contents, chronologically ascending.
	Months []MonthlyUsageRecord `json:"months"`
	// Rooms has duplicate labels already summed, sorted by label.
	Rooms   []RoomUsage     `json:"rooms,omitempty"`
	Devices []DeviceReading `json:"devices,omitempty"`
	Insight *UsageInsight   `json:"insight,omitempty"`

	ActiveModel string    `json:"active_model,omitempty"`
	LastSync    time.Time `json:"last_sync,omitempty"`

	// UsageSoFar is the derived current-month figure; nil when no baseline
	// exists yet (first run), which is different from zero usage.
	UsageSoFar *float64 `json:"usage_so_far,omitempty"`
	// LastYearUsage is the comparison figure for the same month last year.
	LastYearUsage *float64 `json:"last_year_usage,omitempty"`

	// LastSuccessfulSync only advances when a cycle fully succeeds;
	// LastAttemptedSync advances on every cycle. The gap between them is
	// how presentation shows staleness without hiding good data.
	LastSuccessfulSync time.Time `json:"last_successful_sync,omitempty"`
	LastAttemptedSync  time.Time `json:"last_attempted_sync,omitempty"`
}

// CacheEntry is the monthly cache's unit of storage: one record plus the
// time it was last refreshed from upstream.
type CacheEntry struct {
	Record        MonthlyUsageRecord `json:"record"`
	LastRefreshed time.Time          `json:"last_refreshed"`
	// MonthEndReading is the cumulative device counter total observed while
	// this month was current. The next month's "usage so far" is measured
	// against it.
	MonthEndReading *float64 `json:"month_end_reading,omitempty"`
}

// Float64Ptr returns a pointer to v. Convenience for building records with
// optional fields.
func Float64Ptr(v float64) *float64 {
	return &v
}
