package service

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/service-portal-api/internal/dto"
	"github.com/noah-isme/service-portal-api/internal/models"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
)

func seedReportsForms(t *testing.T, f *workflowFixture, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		_, err := f.service.Create(context.Background(), dto.CreateSubmissionRequest{
			FormType: models.FormTypeReports,
			Payload:  json.RawMessage(`{"reportType":"MIS","period":"Q1 FY25"}`),
		}, customerActor)
		require.NoError(t, err)
	}
}

func TestQueryListReportsPaginationScenario(t *testing.T) {
	f := newWorkflowFixture()
	seedReportsForms(t, f, 15)
	f.createCompany(t, customerActor)
	reviewed := f.createCompany(t, otherCustomer)
	f.submissions.rows[reviewed.ID].Status = models.StatusReviewed

	svc := NewQueryService(f.submissions, f.registry)
	list, err := svc.List(context.Background(), models.SubmissionFilter{
		Status:  models.StatusPending,
		Service: "Reports",
		Page:    2,
		Limit:   10,
	}, staffActor)
	require.NoError(t, err)
	assert.Len(t, list.Items, 5)
	assert.Equal(t, 15, list.Total)
	assert.Equal(t, 2, list.Pages)
	assert.Equal(t, 2, list.Page)
}

func TestQueryPagesConcatenateToFullResult(t *testing.T) {
	f := newWorkflowFixture()
	seedReportsForms(t, f, 23)
	svc := NewQueryService(f.submissions, f.registry)

	for _, limit := range []int{1, 4, 7, 10, 23, 50} {
		seen := make(map[string]struct{})
		var ordered []string
		first, err := svc.List(context.Background(), models.SubmissionFilter{Page: 1, Limit: limit}, staffActor)
		require.NoError(t, err)
		for page := 1; page <= first.Pages; page++ {
			list, err := svc.List(context.Background(), models.SubmissionFilter{Page: page, Limit: limit}, staffActor)
			require.NoError(t, err)
			for _, item := range list.Items {
				_, dup := seen[item.ID]
				require.False(t, dup, "item %s returned twice at limit %d", item.ID, limit)
				seen[item.ID] = struct{}{}
				ordered = append(ordered, item.ID)
			}
		}
		assert.Len(t, ordered, 23, "limit %d", limit)

		all, err := f.submissions.SearchAll(context.Background(), models.SubmissionFilter{}, 100)
		require.NoError(t, err)
		for i := range all {
			assert.Equal(t, all[i].ID, ordered[i])
		}
	}
}

func TestQueryListDefaultsAndValidation(t *testing.T) {
	f := newWorkflowFixture()
	seedReportsForms(t, f, 3)
	svc := NewQueryService(f.submissions, f.registry)

	list, err := svc.List(context.Background(), models.SubmissionFilter{Limit: 1000}, staffActor)
	require.NoError(t, err)
	assert.Equal(t, 1, list.Page)
	assert.Equal(t, maxPageLimit, list.Limit)
	assert.Equal(t, 1, list.Pages)

	list, err = svc.List(context.Background(), models.SubmissionFilter{Page: 9}, staffActor)
	require.NoError(t, err)
	assert.Equal(t, defaultPageLimit, list.Limit)
	assert.NotNil(t, list.Items)
	assert.Empty(t, list.Items)
	assert.Equal(t, 3, list.Total)

	_, err = svc.List(context.Background(), models.SubmissionFilter{Status: "pending"}, staffActor)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = svc.List(context.Background(), models.SubmissionFilter{FormType: "GSTForm"}, staffActor)
	assert.True(t, errors.Is(err, appErrors.ErrUnknownFormType))

	_, err = svc.List(context.Background(), models.SubmissionFilter{}, customerActor)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
}

func TestQuerySearchMatchesEnvelopeOnly(t *testing.T) {
	f := newWorkflowFixture()
	f.createCompany(t, customerActor)
	f.createCompany(t, otherCustomer)
	svc := NewQueryService(f.submissions, f.registry)

	list, err := svc.List(context.Background(), models.SubmissionFilter{Search: "RAVI"}, staffActor)
	require.NoError(t, err)
	require.Len(t, list.Items, 1)
	assert.Equal(t, "Ravi Kumar", list.Items[0].FullName)

	// companyName lives in the payload and is not searchable.
	list, err = svc.List(context.Background(), models.SubmissionFilter{Search: "Acme"}, staffActor)
	require.NoError(t, err)
	assert.Empty(t, list.Items)
}

func TestExportCSV(t *testing.T) {
	f := newWorkflowFixture()
	seedReportsForms(t, f, 2)
	svc := NewExportService(f.submissions, f.registry, nil, nil, nil)

	file, err := svc.Export(context.Background(), models.SubmissionFilter{Service: "Reports"}, "CSV", staffActor)
	require.NoError(t, err)
	assert.Equal(t, "text/csv", file.ContentType)
	assert.Contains(t, file.Filename, ".csv")

	records, err := csv.NewReader(bytes.NewReader(file.Data)).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 3)
	assert.Equal(t, "ID", records[0][0])
	assert.Equal(t, "Reports", records[1][5])
	assert.Equal(t, "Pending", records[1][8])
}

func TestExportPDFAndValidation(t *testing.T) {
	f := newWorkflowFixture()
	seedReportsForms(t, f, 1)
	svc := NewExportService(f.submissions, f.registry, nil, nil, nil)

	file, err := svc.Export(context.Background(), models.SubmissionFilter{}, "pdf", staffActor)
	require.NoError(t, err)
	assert.Equal(t, "application/pdf", file.ContentType)
	assert.True(t, bytes.HasPrefix(file.Data, []byte("%PDF")))

	_, err = svc.Export(context.Background(), models.SubmissionFilter{}, "xlsx", staffActor)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = svc.Export(context.Background(), models.SubmissionFilter{}, "csv", customerActor)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
}

func TestQueryListClampsHugePage(t *testing.T) {
	f := newWorkflowFixture()
	seedReportsForms(t, f, 2)
	svc := NewQueryService(f.submissions, f.registry)

	list, err := svc.List(context.Background(), models.SubmissionFilter{Page: int(^uint(0) >> 1), Limit: maxPageLimit}, staffActor)
	require.NoError(t, err)
	assert.Equal(t, maxPage, list.Page)
	assert.Empty(t, list.Items)
	assert.Equal(t, 2, list.Total)

	filter, err := normalizeFilter(models.SubmissionFilter{Page: maxPage + 1, Limit: maxPageLimit}, nil)
	require.NoError(t, err)
	assert.Equal(t, maxPage, filter.Page)
	assert.Positive(t, (filter.Page-1)*filter.Limit)
}
