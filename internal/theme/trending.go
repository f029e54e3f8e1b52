// Package theme computes trending themes: conversation counts per
// theme over a time window, ranked, with the delta against the
// preceding window of the same length.
package theme

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/feedforward/internal/store"
)

// Trend directions.
const (
	TrendUp   = "up"
	TrendDown = "down"
	TrendFlat = "flat"
	TrendNew  = "new"
)

// TrendingTheme is one row of the trending list.
type TrendingTheme struct {
	Rank        int    `json:"rank"`
	ThemeID     string `json:"theme_id"`
	Label       string `json:"label"`
	ProductArea string `json:"product_area"`

	// Count is conversations in the requested window.
	Count int `json:"count"`

	// PreviousCount is conversations in the window immediately
	// before the requested one.
	PreviousCount int `json:"previous_count"`

	// Delta is Count - PreviousCount. A theme absent from the
	// previous window is marked "new" and its delta equals Count.
	Delta int    `json:"delta"`
	Trend string `json:"trend"`
}

// Config controls which themes the trending list surfaces.
type Config struct {
	// MinMemberCount hides themes whose cluster has fewer members.
	// Zero or negative disables the filter.
	MinMemberCount int
}

// Service computes trending themes from the store.
type Service struct {
	config Config
	store  *store.Store
	logger *zap.Logger
	tracer trace.Tracer
}

// NewService creates a trending service.
func NewService(cfg Config, st *store.Store, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{
		config: cfg,
		store:  st,
		logger: logger,
		tracer: otel.Tracer("feedforward.theme"),
	}
}

var windowPattern = regexp.MustCompile(`^(\d+)([hdw])$`)

// ParseWindow parses window strings like "24h", "7d", "2w".
func ParseWindow(s string) (time.Duration, error) {
	m := windowPattern.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid window %q: want forms like 24h, 7d, 2w", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid window %q", s)
	}

	switch m[2] {
	case "h":
		return time.Duration(n) * time.Hour, nil
	case "d":
		return time.Duration(n) * 24 * time.Hour, nil
	default:
		return time.Duration(n) * 7 * 24 * time.Hour, nil
	}
}

// Trending returns the top themes by conversation count for the
// window ending now, with deltas against the preceding window.
func (s *Service) Trending(ctx context.Context, window time.Duration, limit int) ([]TrendingTheme, error) {
	ctx, span := s.tracer.Start(ctx, "theme.Trending",
		trace.WithAttributes(
			attribute.String("window", window.String()),
			attribute.Int("limit", limit),
		))
	defer span.End()

	if window <= 0 {
		return nil, fmt.Errorf("window must be positive")
	}
	if limit <= 0 {
		limit = 10
	}

	now := time.Now().UTC()
	current, err := s.store.ThemeCounts(ctx, now.Add(-window), now)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	previous, err := s.store.ThemeCounts(ctx, now.Add(-2*window), now.Add(-window))
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	prevByID := make(map[string]int, len(previous))
	for _, tc := range previous {
		prevByID[tc.ThemeID] = tc.Count
	}

	trending := make([]TrendingTheme, 0, limit)
	for _, tc := range current {
		if len(trending) >= limit {
			break
		}
		if s.config.MinMemberCount > 0 && tc.MemberCount < s.config.MinMemberCount {
			continue
		}
		prev, seen := prevByID[tc.ThemeID]
		row := TrendingTheme{
			Rank:          len(trending) + 1,
			ThemeID:       tc.ThemeID,
			Label:         tc.Label,
			ProductArea:   tc.ProductArea,
			Count:         tc.Count,
			PreviousCount: prev,
			Delta:         tc.Count - prev,
		}
		switch {
		case !seen:
			row.Trend = TrendNew
		case row.Delta > 0:
			row.Trend = TrendUp
		case row.Delta < 0:
			row.Trend = TrendDown
		default:
			row.Trend = TrendFlat
		}
		trending = append(trending, row)
	}

	span.SetAttributes(attribute.Int("themes", len(trending)))
	return trending, nil
}
