package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/iago/conversation-insights/internal/domain"
	"github.com/iago/conversation-insights/internal/service"
)

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
	"2006-01-02",
}

type timeWindow struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

type insightsMetadata struct {
	TotalCount    int        `json:"total_count"`
	ReturnedCount int        `json:"returned_count"`
	TimeWindow    timeWindow `json:"time_window"`
}

type insightsResponse struct {
	Metadata insightsMetadata `json:"metadata"`
	Data     []domain.Insight `json:"data"`
}

func (api *API) ListInsights(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, r, http.StatusMethodNotAllowed, "method_not_allowed", "method not allowed")
		return
	}

	filter, err := parseInsightFilter(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	page, err := api.insights.Query(r.Context(), filter)
	if err != nil {
		if errors.Is(err, service.ErrValidation) {
			writeError(w, r, http.StatusUnprocessableEntity, "validation_failed", validationMessage(err))
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to query insights")
		return
	}

	data := page.Items
	if data == nil {
		data = []domain.Insight{}
	}
	writeJSON(w, http.StatusOK, insightsResponse{
		Metadata: insightsMetadata{
			TotalCount:    page.Total,
			ReturnedCount: page.Returned,
			TimeWindow:    timeWindow{Start: page.Start, End: page.End},
		},
		Data: data,
	})
}

func parseInsightFilter(r *http.Request) (domain.InsightFilter, error) {
	query := r.URL.Query()
	filter := domain.InsightFilter{}

	startRaw := strings.TrimSpace(query.Get("start_time"))
	endRaw := strings.TrimSpace(query.Get("end_time"))
	if startRaw == "" || endRaw == "" {
		return filter, errors.New("start_time and end_time are required")
	}
	start, err := parseTimestamp(startRaw)
	if err != nil {
		return filter, errors.New("start_time must be an ISO 8601 timestamp")
	}
	end, err := parseTimestamp(endRaw)
	if err != nil {
		return filter, errors.New("end_time must be an ISO 8601 timestamp")
	}
	filter.StartTime = start
	filter.EndTime = end

	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil {
			return filter, errors.New("limit must be an integer")
		}
		if limit <= 0 {
			// Explicit zero is rejected like a negative limit.
			limit = -1
		}
		filter.Limit = limit
	}

	if raw := strings.TrimSpace(query.Get("min_confidence")); raw != "" {
		minConfidence, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return filter, errors.New("min_confidence must be a number")
		}
		filter.MinConfidence = &minConfidence
	}

	if raw := strings.TrimSpace(query.Get("sentiment")); raw != "" {
		filter.Sentiment = domain.SentimentBucket(strings.ToLower(raw))
	}
	return filter, nil
}

func parseTimestamp(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range timeLayouts {
		parsed, err := time.Parse(layout, value)
		if err == nil {
			return parsed.UTC(), nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}
