package recurring

import (
	"time"

	"github.com/google/uuid"
)

// Pattern is an auto-detected recurring invoice cadence for a vendor.
// One row per vendor, upserted by the weekly detection job.
type Pattern struct {
	ID             uuid.UUID
	VendorID       uuid.UUID
	FrequencyDays  int
	AvgAmount      float64
	TolerancePct   float64
	AutoFastTrack  bool
	LastDetectedAt *time.Time
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ApprovedInvoice is the per-invoice slice of data the detector needs.
type ApprovedInvoice struct {
	VendorID    uuid.UUID
	InvoiceDate time.Time
	Amount      float64
}

// Candidate cadences in days. Intervals must cluster around one of
// these for a vendor to be considered recurring.
var CanonicalFrequencies = []int{7, 14, 30, 60, 90}

const (
	// IntervalTolerance is the relative band around a canonical
	// frequency an interval may fall in and still count as a match.
	IntervalTolerance = 0.20

	// ClusterShare is the fraction of intervals that must match a
	// single canonical frequency.
	ClusterShare = 0.6

	// MinInvoices is the smallest approved-invoice history that can
	// establish a pattern.
	MinInvoices = 3

	// DefaultTolerancePct is stored on newly created patterns and
	// governs downstream amount checks against the average.
	DefaultTolerancePct = 0.10
)

// DetectFrequency returns the first canonical frequency that at least
// ClusterShare of the intervals fall within, or false when none does.
func DetectFrequency(intervals []int) (int, bool) {
	if len(intervals) == 0 {
		return 0, false
	}
	for _, freq := range CanonicalFrequencies {
		low := float64(freq) * (1 - IntervalTolerance)
		high := float64(freq) * (1 + IntervalTolerance)
		matching := 0
		for _, iv := range intervals {
			if float64(iv) >= low && float64(iv) <= high {
				matching++
			}
		}
		if float64(matching) >= float64(len(intervals))*ClusterShare {
			return freq, true
		}
	}
	return 0, false
}

// DayIntervals computes the day gaps between consecutive dates. Dates
// must be sorted ascending; times of day are ignored.
func DayIntervals(dates []time.Time) []int {
	if len(dates) < 2 {
		return nil
	}
	intervals := make([]int, 0, len(dates)-1)
	for i := 1; i < len(dates); i++ {
		prev := truncateDay(dates[i-1])
		cur := truncateDay(dates[i])
		intervals = append(intervals, int(cur.Sub(prev)/(24*time.Hour)))
	}
	return intervals
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
