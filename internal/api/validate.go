package api

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/n1ur0/off-the-grid/internal/model"
)

// intQuery parses an optional integer query parameter within [lo, hi].
func intQuery(r *http.Request, name string, def, lo, hi int) (int, error) {
	v := strings.TrimSpace(r.URL.Query().Get(name))
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if n < lo || n > hi {
		return 0, fmt.Errorf("%s must be between %d and %d", name, lo, hi)
	}
	return n, nil
}

func webhookStatusQuery(r *http.Request) (model.WebhookStatus, error) {
	st := model.WebhookStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	if st != "" && !st.Valid() {
		return "", fmt.Errorf("unknown webhook status %q", st)
	}
	return st, nil
}

func deliveryStatusQuery(r *http.Request) (model.DeliveryStatus, error) {
	st := model.DeliveryStatus(strings.TrimSpace(r.URL.Query().Get("status")))
	switch st {
	case "", model.DeliveryPending, model.DeliverySuccess, model.DeliveryFailed, model.DeliveryRetrying, model.DeliveryAbandoned:
		return st, nil
	}
	return "", fmt.Errorf("unknown delivery status %q", st)
}
