package cache

import (
	"context"
	"time"

	"colosso/backend/internal/domain"
)

// ReportCache holds rendered dashboard payloads keyed by section. Writes
// that move revenue (checkout, return, payment) invalidate every section.
type ReportCache interface {
	Get(ctx context.Context, section string) (*domain.DashboardResponse, bool, error)
	Set(ctx context.Context, section string, value *domain.DashboardResponse, ttl time.Duration) error
	Invalidate(ctx context.Context) error
}

type NoopReportCache struct{}

func (NoopReportCache) Get(_ context.Context, _ string) (*domain.DashboardResponse, bool, error) {
	return nil, false, nil
}

func (NoopReportCache) Set(_ context.Context, _ string, _ *domain.DashboardResponse, _ time.Duration) error {
	return nil
}

func (NoopReportCache) Invalidate(_ context.Context) error {
	return nil
}
