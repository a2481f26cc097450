// Package categorizer classifies dead-letter reasons into failure categories.
package categorizer

import (
	"strings"

	"github.com/Ramsey-B/fern/pkg/models"
)

type heuristic struct {
	category   models.FailureCategory
	confidence float64
	keywords   []string
}

// heuristics are evaluated in order; the first keyword hit wins.
var heuristics = []heuristic{
	{
		category:   models.FailureCategoryMaxDelivery,
		confidence: 0.95,
		keywords:   []string{"maxdelivery", "max delivery", "delivery count exceeded", "deliverycountexceeded"},
	},
	{
		category:   models.FailureCategoryExpired,
		confidence: 0.90,
		keywords:   []string{"ttlexpired", "ttl expired", "time to live", "timetolive", "expired", "expiry", "expiration"},
	},
	{
		category:   models.FailureCategoryTransient,
		confidence: 0.80,
		keywords: []string{
			"timeout", "timed out", "time out", "connection", "database",
			"service unavailable", "serviceunavailable", "temporarily unavailable",
		},
	},
	{
		category:   models.FailureCategoryDataQuality,
		confidence: 0.80,
		keywords:   []string{"schema", "validation", "validat", "deserializ", "parse", "parsing", "malformed"},
	},
	{
		category:   models.FailureCategoryAuthorization,
		confidence: 0.85,
		keywords:   []string{"unauthorized", "unauthorised", "forbidden", "permission", "access denied"},
	},
	{
		category:   models.FailureCategoryResourceNotFound,
		confidence: 0.75,
		keywords:   []string{"not found", "notfound", "does not exist", "no such"},
	},
	{
		category:   models.FailureCategoryQuotaExceeded,
		confidence: 0.80,
		keywords:   []string{"quota", "size exceeded", "sizeexceeded", "too large", "limit exceeded"},
	},
	{
		category:   models.FailureCategoryProcessingError,
		confidence: 0.50,
		keywords:   []string{"exception", "error", "failed", "failure"},
	},
}

// Result is a category with the heuristic's confidence in [0,1].
type Result struct {
	Category   models.FailureCategory `json:"category"`
	Confidence float64                `json:"confidence"`
}

// Categorize is pure and total. The third argument is the broker's delivery
// count; callers pass everything the broker reports, but no heuristic reads it.
func Categorize(reason, description string, _ int) Result {
	text := strings.ToLower(reason + " " + description)
	for _, h := range heuristics {
		for _, keyword := range h.keywords {
			if strings.Contains(text, keyword) {
				return Result{Category: h.category, Confidence: h.confidence}
			}
		}
	}
	return Result{Category: models.FailureCategoryUnknown, Confidence: 0.0}
}
