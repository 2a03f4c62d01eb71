// Package analytics summarizes token history for dashboards. It only reads.
package analytics

import (
	"time"

	"smartq/token-service/internal/models"
)

type Summary struct {
	Total                 int                     `json:"total"`
	ByStatus              map[models.Status]int   `json:"by_status"`
	ByPriority            map[models.Priority]int `json:"by_priority"`
	CheckedIn             int                     `json:"checked_in"`
	AverageWaitSeconds    float64                 `json:"average_wait_seconds"`
	AverageServiceSeconds float64                 `json:"average_service_seconds"`
	BookingsByHour        [24]int                 `json:"bookings_by_hour"`
	// PeakHour is the busiest booking hour, -1 with no bookings.
	PeakHour int `json:"peak_hour"`
}

// Summarize aggregates tokens. Wait is calledAt minus createdAt over called
// tokens; service time is completedAt minus calledAt over completed ones.
// Hours are taken in loc.
func Summarize(tokens []models.Token, loc *time.Location) Summary {
	if loc == nil {
		loc = time.Local
	}
	summary := Summary{
		ByStatus:   make(map[models.Status]int),
		ByPriority: make(map[models.Priority]int),
		PeakHour:   -1,
	}

	var waitTotal, serviceTotal time.Duration
	var waited, served int
	for _, token := range tokens {
		summary.Total++
		summary.ByStatus[token.Status]++
		summary.ByPriority[token.Priority]++
		if token.IsCheckedIn {
			summary.CheckedIn++
		}
		summary.BookingsByHour[token.CreatedAt.In(loc).Hour()]++

		if token.CalledAt != nil {
			waitTotal += token.CalledAt.Sub(token.CreatedAt)
			waited++
			if token.CompletedAt != nil {
				serviceTotal += token.CompletedAt.Sub(*token.CalledAt)
				served++
			}
		}
	}

	if waited > 0 {
		summary.AverageWaitSeconds = (waitTotal / time.Duration(waited)).Seconds()
	}
	if served > 0 {
		summary.AverageServiceSeconds = (serviceTotal / time.Duration(served)).Seconds()
	}
	best := 0
	for hour, count := range summary.BookingsByHour {
		if count > best {
			best = count
			summary.PeakHour = hour
		}
	}
	return summary
}
