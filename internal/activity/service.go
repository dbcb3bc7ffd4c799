package activity

import (
	"context"
	"fmt"
)

const (
	defaultPageSize = 20
	maxPageSize     = 50
)

// WindowParams describes one repository page fetch. LimitRows is requested
// one row past the page so the service can detect a following page.
type WindowParams struct {
	From       TimelineFilters
	OffsetRows int
	LimitRows  int
}

// Repository provides access to the activity store.
type Repository interface {
	InvoiceTimeline(ctx context.Context, tenantID, invoiceID int64, params WindowParams) ([]Entry, error)
}

// Service coordinates activity timeline reads. Writes never go through here;
// entries are appended only inside reconciliation transactions.
type Service struct {
	repo Repository
}

// NewService builds a timeline service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// InvoiceTimeline returns the paged activity trail for one invoice, newest
// first.
func (s *Service) InvoiceTimeline(ctx context.Context, tenantID, invoiceID int64, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("activity: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	if pageSize > maxPageSize {
		pageSize = maxPageSize
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}

	rows, err := s.repo.InvoiceTimeline(ctx, tenantID, invoiceID, WindowParams{
		From:       filters,
		OffsetRows: (page - 1) * pageSize,
		LimitRows:  pageSize + 1,
	})
	if err != nil {
		return Result{}, err
	}

	hasNext := len(rows) > pageSize
	if hasNext {
		rows = rows[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Rows: rows, Paging: paging}, nil
}
