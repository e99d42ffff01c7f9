package service

import (
	"context"
	"fmt"
	"strings"

	"github.com/noah-isme/service-portal-api/internal/models"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
)

const (
	defaultPageLimit = 10
	maxPageLimit     = 100
	// keeps (page-1)*limit well inside int range
	maxPage = 1_000_000
)

type submissionSearcher interface {
	Search(ctx context.Context, filter models.SubmissionFilter) ([]models.SubmissionSummary, int, error)
}

type formCatalog interface {
	FormTypes() []models.FormType
}

// QueryService serves the staff listing of submissions.
type QueryService struct {
	repo  submissionSearcher
	forms formCatalog
}

// NewQueryService constructs a QueryService.
func NewQueryService(repo submissionSearcher, forms formCatalog) *QueryService {
	return &QueryService{repo: repo, forms: forms}
}

// List returns one page of summaries. Total and pages come from the same snapshot as items.
func (s *QueryService) List(ctx context.Context, filter models.SubmissionFilter, actor models.Actor) (*models.SubmissionList, error) {
	if err := ensureStaff(actor); err != nil {
		return nil, err
	}
	filter, err := normalizeFilter(filter, s.forms)
	if err != nil {
		return nil, err
	}
	items, total, err := s.repo.Search(ctx, filter)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to list submissions")
	}
	if items == nil {
		items = []models.SubmissionSummary{}
	}
	return &models.SubmissionList{
		Items: items,
		Total: total,
		Page:  filter.Page,
		Pages: pageCount(total, filter.Limit),
		Limit: filter.Limit,
	}, nil
}

func normalizeFilter(filter models.SubmissionFilter, forms formCatalog) (models.SubmissionFilter, error) {
	filter.Status = models.SubmissionStatus(strings.TrimSpace(string(filter.Status)))
	if filter.Status != "" && !filter.Status.Valid() {
		return filter, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown status %q", filter.Status))
	}
	filter.FormType = models.FormType(strings.TrimSpace(string(filter.FormType)))
	if filter.FormType != "" && forms != nil && !knownFormType(forms, filter.FormType) {
		return filter, appErrors.Clone(appErrors.ErrUnknownFormType, fmt.Sprintf("unknown form type %q", filter.FormType))
	}
	filter.Service = strings.TrimSpace(filter.Service)
	filter.SubService = strings.TrimSpace(filter.SubService)
	filter.Search = strings.TrimSpace(filter.Search)
	switch {
	case filter.Page < 1:
		filter.Page = 1
	case filter.Page > maxPage:
		filter.Page = maxPage
	}
	switch {
	case filter.Limit <= 0:
		filter.Limit = defaultPageLimit
	case filter.Limit > maxPageLimit:
		filter.Limit = maxPageLimit
	}
	return filter, nil
}

func knownFormType(forms formCatalog, formType models.FormType) bool {
	for _, ft := range forms.FormTypes() {
		if ft == formType {
			return true
		}
	}
	return false
}

func pageCount(total, limit int) int {
	if total <= 0 || limit <= 0 {
		return 0
	}
	return (total + limit - 1) / limit
}

func ensureStaff(actor models.Actor) error {
	if actor.ID == "" {
		return appErrors.ErrUnauthorized
	}
	if !actor.IsStaff() {
		return appErrors.ErrForbidden
	}
	return nil
}
