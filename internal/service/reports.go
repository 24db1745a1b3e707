package service

import (
	"context"
	"log"
	"strings"
	"time"

	"colosso/backend/internal/domain"
	"colosso/backend/internal/report"
	"colosso/backend/internal/store"
)

// GetDashboard returns the stat cards plus the four sales/profit series for
// the requested section (all, new or used). Responses are cached per section
// until the next write invalidates them.
func (s *Service) GetDashboard(ctx context.Context, section string) (*domain.DashboardResponse, error) {
	section = strings.ToLower(strings.TrimSpace(section))
	if section == "" {
		section = domain.SectionAll
	}
	switch section {
	case domain.SectionAll, domain.SectionNew, domain.SectionUsed:
	default:
		return nil, store.Validationf("section", "must be all, new or used")
	}

	if cached, ok, err := s.reports.Get(ctx, section); err != nil {
		log.Printf("[service] WARN: report cache read failed: %v", err)
	} else if ok {
		return cached, nil
	}

	now := time.Now()
	stats, err := s.repo.GetDashboardStats(ctx, section, now)
	if err != nil {
		return nil, err
	}

	window := store.ReportWindow{}
	cashLines, err := s.repo.ListCashSaleLines(ctx, window)
	if err != nil {
		return nil, err
	}
	cashReturns, err := s.repo.ListCashReturnImpacts(ctx, window)
	if err != nil {
		return nil, err
	}
	payments, err := s.repo.ListCreditPayments(ctx, window)
	if err != nil {
		return nil, err
	}
	creditReturns, err := s.repo.ListCreditReturnImpacts(ctx, window)
	if err != nil {
		return nil, err
	}
	totals, err := s.repo.CreditConditionTotals(ctx)
	if err != nil {
		return nil, err
	}

	// Profit is always condition-filtered; the combined view reports the
	// new-equipment margin.
	profitCondition := section
	if profitCondition == domain.SectionAll {
		profitCondition = domain.ConditionNew
	}
	profit, err := s.repo.ListProfitLines(ctx, window, profitCondition)
	if err != nil {
		return nil, err
	}

	chart := report.BuildSalesChart(now, section, report.Inputs{
		CashLines:      cashLines,
		CashReturns:    cashReturns,
		CreditPayments: payments,
		CreditReturns:  creditReturns,
		Ratios:         report.Ratios(totals),
		Profit:         profit,
	})

	resp := &domain.DashboardResponse{Stats: *stats, SalesChart: chart}
	// Today's sales card reports recognized revenue for the section: cash
	// subtotals minus refunds plus ratio-weighted credit collections. That
	// is exactly the last daily bucket, so reuse it instead of summing raw
	// sale totals (which would count uncollected credit at face value).
	if n := len(chart.Diario); n > 0 {
		resp.Stats.VentasHoy = chart.Diario[n-1].Ventas
	}
	if err := s.reports.Set(ctx, section, resp, s.cacheTTL); err != nil {
		log.Printf("[service] WARN: report cache write failed: %v", err)
	}
	return resp, nil
}
