package webhooks

import (
	"strings"

	"github.com/n1ur0/off-the-grid/internal/model"
)

// Known event types. The bus matches on plain strings, so other values are accepted too.
const (
	EventGridCreated           = "grid.created"
	EventGridRedeemed          = "grid.redeemed"
	EventGridOrderFilled       = "grid.order_filled"
	EventGridStatusChanged     = "grid.status_changed"
	EventGridProfitThreshold   = "grid.profit_threshold"
	EventUserProgressUpdate    = "user.progress_update"
	EventUserAchievementEarned = "user.achievement_earned"
	EventUserCertificationDone = "user.certification_completed"
	EventSystemMaintenance     = "system.maintenance"
	EventSystemError           = "system.error"
	EventTokenPriceAlert       = "token.price_alert"
	EventBotRateLimitExceeded  = "bot.rate_limit_exceeded"
	EventBotAPIError           = "bot.api_error"
)

var knownEventTypes = []string{
	EventGridCreated,
	EventGridRedeemed,
	EventGridOrderFilled,
	EventGridStatusChanged,
	EventGridProfitThreshold,
	EventUserProgressUpdate,
	EventUserAchievementEarned,
	EventUserCertificationDone,
	EventSystemMaintenance,
	EventSystemError,
	EventTokenPriceAlert,
	EventBotRateLimitExceeded,
	EventBotAPIError,
}

var categoryDescriptions = map[string]string{
	"grid":   "Grid trading related event",
	"user":   "User progress/activity event",
	"system": "System notification event",
	"token":  "Token/market data event",
	"bot":    "Bot API related event",
}

// EventTypes lists the catalog served to clients choosing subscriptions.
func EventTypes() []model.EventTypeInfo {
	out := make([]model.EventTypeInfo, 0, len(knownEventTypes))
	for _, et := range knownEventTypes {
		cat := EventCategory(et)
		out = append(out, model.EventTypeInfo{EventType: et, Category: cat, Description: categoryDescriptions[cat]})
	}
	return out
}

// EventCategory is the prefix before the first dot.
func EventCategory(eventType string) string {
	cat, _, _ := strings.Cut(eventType, ".")
	return cat
}

// IsKnownEventType reports whether eventType is in the catalog.
func IsKnownEventType(eventType string) bool {
	for _, et := range knownEventTypes {
		if et == eventType {
			return true
		}
	}
	return false
}
