package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/service-portal-api/internal/dto"
	"github.com/noah-isme/service-portal-api/internal/forms"
	"github.com/noah-isme/service-portal-api/internal/models"
	"github.com/noah-isme/service-portal-api/internal/repository"
	appErrors "github.com/noah-isme/service-portal-api/pkg/errors"
)

// memSubmissionRepo mimics the conditional writes of SubmissionRepository in memory.
type memSubmissionRepo struct {
	mu    sync.Mutex
	rows  map[string]*models.Submission
	edits map[string][]models.EditRecord
	notes map[string][]models.StatusNote
	clock time.Time

	createErr error
	// beforeTransition runs outside the lock so tests can interleave a competing writer.
	beforeTransition func(id string)
}

func newMemSubmissionRepo() *memSubmissionRepo {
	return &memSubmissionRepo{
		rows:  make(map[string]*models.Submission),
		edits: make(map[string][]models.EditRecord),
		notes: make(map[string][]models.StatusNote),
		clock: time.Date(2024, 6, 1, 9, 0, 0, 0, time.UTC),
	}
}

func (r *memSubmissionRepo) tick() time.Time {
	r.clock = r.clock.Add(time.Minute)
	return r.clock
}

func (r *memSubmissionRepo) Create(ctx context.Context, submission *models.Submission) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if submission.ID == "" {
		submission.ID = uuid.NewString()
	}
	if submission.CreatedAt.IsZero() {
		submission.CreatedAt = r.tick()
	}
	submission.UpdatedAt = submission.CreatedAt
	stored := *submission
	r.rows[submission.ID] = &stored
	return nil
}

func (r *memSubmissionRepo) GetByID(ctx context.Context, id string) (*models.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return nil, sql.ErrNoRows
	}
	copied := *row
	return &copied, nil
}

func (r *memSubmissionRepo) ListByOwner(ctx context.Context, ownerID string) ([]models.Submission, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Submission
	for _, row := range r.rows {
		if row.OwnerID == ownerID {
			out = append(out, *row)
		}
	}
	sortNewestFirst(out, func(i int) (time.Time, string) { return out[i].CreatedAt, out[i].ID })
	return out, nil
}

func (r *memSubmissionRepo) TransitionStatus(ctx context.Context, id string, from, to models.SubmissionStatus, note *models.StatusNote) error {
	if r.beforeTransition != nil {
		r.beforeTransition(id)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok || row.Status != from {
		return repository.ErrStatusChanged
	}
	row.Status = to
	row.UpdatedAt = r.tick()
	note.ID = uuid.NewString()
	note.SubmissionID = id
	note.FromStatus = from
	note.ToStatus = to
	note.CreatedAt = row.UpdatedAt
	r.notes[id] = append(r.notes[id], *note)
	return nil
}

func (r *memSubmissionRepo) ReplacePayload(ctx context.Context, id string, payload json.RawMessage, record *models.EditRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	row, ok := r.rows[id]
	if !ok {
		return sql.ErrNoRows
	}
	if row.Status != models.StatusPending || row.EditCount >= models.MaxEdits {
		return repository.ErrEditLocked
	}
	record.ID = uuid.NewString()
	record.SubmissionID = id
	record.PreviousPayload = row.Payload
	record.Timestamp = r.tick()
	r.edits[id] = append(r.edits[id], *record)
	row.Payload = payload
	row.EditCount++
	return nil
}

func (r *memSubmissionRepo) ListEdits(ctx context.Context, submissionID string) ([]models.EditRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.EditRecord(nil), r.edits[submissionID]...), nil
}

func (r *memSubmissionRepo) ListStatusNotes(ctx context.Context, submissionID string) ([]models.StatusNote, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]models.StatusNote(nil), r.notes[submissionID]...), nil
}

func (r *memSubmissionRepo) matching(filter models.SubmissionFilter) []models.SubmissionSummary {
	r.mu.Lock()
	defer r.mu.Unlock()
	needle := strings.ToLower(filter.Search)
	var out []models.SubmissionSummary
	for _, row := range r.rows {
		if filter.Status != "" && row.Status != filter.Status {
			continue
		}
		if filter.Service != "" && row.Service != filter.Service {
			continue
		}
		if filter.FormType != "" && row.FormType != filter.FormType {
			continue
		}
		subService := ""
		if row.SubService != nil {
			subService = *row.SubService
		}
		if filter.SubService != "" && subService != filter.SubService {
			continue
		}
		if needle != "" {
			haystack := strings.ToLower(strings.Join([]string{row.FullName, row.Email, row.Phone, row.Service, subService, string(row.Status), string(row.FormType)}, "\x00"))
			if !strings.Contains(haystack, needle) {
				continue
			}
		}
		out = append(out, models.SubmissionSummary{
			ID: row.ID, FormType: row.FormType, FullName: row.FullName, Email: row.Email, Phone: row.Phone,
			Service: row.Service, SubService: row.SubService, Status: row.Status, CreatedAt: row.CreatedAt, UpdatedAt: row.UpdatedAt,
		})
	}
	sortNewestFirst(out, func(i int) (time.Time, string) { return out[i].CreatedAt, out[i].ID })
	return out
}

func (r *memSubmissionRepo) Search(ctx context.Context, filter models.SubmissionFilter) ([]models.SubmissionSummary, int, error) {
	all := r.matching(filter)
	offset := (filter.Page - 1) * filter.Limit
	if offset >= len(all) {
		return nil, len(all), nil
	}
	end := offset + filter.Limit
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], len(all), nil
}

func (r *memSubmissionRepo) SearchAll(ctx context.Context, filter models.SubmissionFilter, max int) ([]models.SubmissionSummary, error) {
	all := r.matching(filter)
	if len(all) > max {
		all = all[:max]
	}
	return all, nil
}

func sortNewestFirst[T any](items []T, key func(int) (time.Time, string)) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, idi := key(i)
		tj, idj := key(j)
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return idi > idj
	})
}

// memDocumentRepo resolves keys with the same accessor chain as the SQL query.
type memDocumentRepo struct {
	mu        sync.Mutex
	docs      []models.Document
	createErr error
}

func (r *memDocumentRepo) Create(ctx context.Context, doc *models.Document) error {
	if r.createErr != nil {
		return r.createErr
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if doc.ID == "" {
		doc.ID = uuid.NewString()
	}
	if doc.UploadedAt.IsZero() {
		doc.UploadedAt = time.Now().UTC()
	}
	r.docs = append(r.docs, *doc)
	return nil
}

func (r *memDocumentRepo) ListBySubmission(ctx context.Context, submissionID string) ([]models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Document
	for _, doc := range r.docs {
		if doc.SubmissionID == submissionID {
			out = append(out, doc)
		}
	}
	return out, nil
}

func (r *memDocumentRepo) ListBySubmissions(ctx context.Context, submissionIDs []string) (map[string][]models.Document, error) {
	out := make(map[string][]models.Document)
	for _, id := range submissionIDs {
		docs, _ := r.ListBySubmission(ctx, id)
		if len(docs) > 0 {
			out[id] = docs
		}
	}
	return out, nil
}

// Resolve tries each accessor across all documents so an id match always beats a legacy match.
func (r *memDocumentRepo) Resolve(ctx context.Context, key string) (*models.Document, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if key == "" {
		return nil, sql.ErrNoRows
	}
	for _, accessor := range models.DocumentKeyAccessors {
		for _, doc := range r.docs {
			if accessor.Get(doc) == key {
				copied := doc
				return &copied, nil
			}
		}
	}
	return nil, sql.ErrNoRows
}

func (r *memDocumentRepo) Delete(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.docs[:0]
	for _, doc := range r.docs {
		if doc.ID != id {
			kept = append(kept, doc)
		}
	}
	r.docs = kept
	return nil
}

// memReportRepo appends under a lock, like the single INSERT in ReportRepository.
type memReportRepo struct {
	mu          sync.Mutex
	reports     []models.Report
	seq         int64
	submissions *memSubmissionRepo
	documents   *memDocumentRepo
	appendErr   error
}

func (r *memReportRepo) Append(ctx context.Context, report *models.Report) error {
	if r.appendErr != nil {
		return r.appendErr
	}
	if _, err := r.submissions.GetByID(ctx, report.SubmissionID); err != nil {
		return err
	}
	owned, _ := r.documents.ListBySubmission(ctx, report.SubmissionID)
	for _, ref := range report.DocumentRefs {
		found := false
		for _, doc := range owned {
			if doc.ID == ref {
				found = true
				break
			}
		}
		if !found {
			return repository.ErrForeignDocumentRef
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.seq++
	if report.ID == "" {
		report.ID = uuid.NewString()
	}
	report.Seq = r.seq
	report.CreatedAt = time.Now().UTC()
	r.reports = append(r.reports, *report)
	return nil
}

func (r *memReportRepo) ListBySubmission(ctx context.Context, submissionID string) ([]models.Report, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.Report
	for _, report := range r.reports {
		if report.SubmissionID == submissionID {
			out = append(out, report)
		}
	}
	return out, nil
}

func (r *memReportRepo) ListBySubmissions(ctx context.Context, submissionIDs []string) (map[string][]models.Report, error) {
	out := make(map[string][]models.Report)
	for _, id := range submissionIDs {
		reports, _ := r.ListBySubmission(ctx, id)
		if len(reports) > 0 {
			out[id] = reports
		}
	}
	return out, nil
}

type profileStub struct {
	users map[string]*models.User
}

func (p *profileStub) Profile(ctx context.Context, userID string) (*models.User, error) {
	if user, ok := p.users[userID]; ok {
		return user, nil
	}
	return nil, appErrors.Clone(appErrors.ErrUnauthorized, "account not found")
}

type eventRecorder struct {
	mu     sync.Mutex
	events []models.Event
}

func (e *eventRecorder) Emit(event models.Event) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.events = append(e.events, event)
}

func (e *eventRecorder) types() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.events))
	for i, ev := range e.events {
		out[i] = ev.Type
	}
	return out
}

var (
	customerActor = models.Actor{ID: "11111111-1111-1111-1111-111111111111", Role: models.RoleCustomer}
	otherCustomer = models.Actor{ID: "22222222-2222-2222-2222-222222222222", Role: models.RoleCustomer}
	staffActor    = models.Actor{ID: "33333333-3333-3333-3333-333333333333", Role: models.RoleStaff}
)

type workflowFixture struct {
	submissions *memSubmissionRepo
	documents   *memDocumentRepo
	reports     *memReportRepo
	events      *eventRecorder
	registry    *forms.Registry
	service     *SubmissionService
}

func newWorkflowFixture() *workflowFixture {
	subs := newMemSubmissionRepo()
	docs := &memDocumentRepo{}
	reports := &memReportRepo{submissions: subs, documents: docs}
	events := &eventRecorder{}
	registry := forms.NewRegistry(nil)
	profiles := &profileStub{users: map[string]*models.User{
		customerActor.ID: {ID: customerActor.ID, FullName: "Asha Rao", Email: "asha@example.com", Phone: "+91 98450 00000", Role: models.RoleCustomer, Active: true},
		otherCustomer.ID: {ID: otherCustomer.ID, FullName: "Ravi Kumar", Email: "ravi@example.com", Phone: "+91 98450 11111", Role: models.RoleCustomer, Active: true},
	}}
	svc := NewSubmissionService(subs, registry, profiles, docs, reports, events, nil, nil, nil)
	return &workflowFixture{submissions: subs, documents: docs, reports: reports, events: events, registry: registry, service: svc}
}

func companyPayload(name string) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"companyName":%q,"companyType":"Private Limited","registeredAddress":"12 MG Road, Bengaluru","directors":[{"name":"Asha Rao","din":"01234567"}]}`, name))
}

func (f *workflowFixture) createCompany(t *testing.T, actor models.Actor) *models.Submission {
	t.Helper()
	submission, err := f.service.Create(context.Background(), dto.CreateSubmissionRequest{
		FormType: models.FormTypeCompany,
		Payload:  companyPayload("Acme Widgets"),
	}, actor)
	require.NoError(t, err)
	return submission
}

func TestSubmissionServiceCreateStampsEnvelope(t *testing.T) {
	f := newWorkflowFixture()
	sub := " Private Limited "

	submission, err := f.service.Create(context.Background(), dto.CreateSubmissionRequest{
		FormType:   models.FormTypeCompany,
		SubService: &sub,
		Payload:    companyPayload("Acme Widgets"),
	}, customerActor)
	require.NoError(t, err)

	assert.Equal(t, models.StatusPending, submission.Status)
	assert.Equal(t, customerActor.ID, submission.OwnerID)
	assert.Equal(t, "Asha Rao", submission.FullName)
	assert.Equal(t, "asha@example.com", submission.Email)
	assert.Equal(t, "Company Formation", submission.Service)
	require.NotNil(t, submission.SubService)
	assert.Equal(t, "Private Limited", *submission.SubService)
	assert.JSONEq(t, string(companyPayload("Acme Widgets")), string(submission.Payload))
	assert.Empty(t, submission.Documents)
	assert.Equal(t, []string{models.EventSubmissionCreated}, f.events.types())
	assert.Equal(t, "Acme Widgets", f.events.events[0].Data["subject"])
}

func TestSubmissionServiceCreateRejectsInvalidPayload(t *testing.T) {
	f := newWorkflowFixture()

	_, err := f.service.Create(context.Background(), dto.CreateSubmissionRequest{
		FormType: models.FormTypeCompany,
		Payload:  json.RawMessage(`{"companyName":"Acme"}`),
	}, customerActor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = f.service.Create(context.Background(), dto.CreateSubmissionRequest{
		FormType: models.FormType("PayrollForm"),
		Payload:  json.RawMessage(`{}`),
	}, customerActor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrUnknownFormType))

	assert.Empty(t, f.submissions.rows)
	assert.Empty(t, f.events.types())
}

func TestSubmissionServiceGetByIDAccess(t *testing.T) {
	f := newWorkflowFixture()
	created := f.createCompany(t, customerActor)

	got, err := f.service.GetByID(context.Background(), created.ID, customerActor)
	require.NoError(t, err)
	assert.Equal(t, created.ID, got.ID)
	assert.NotNil(t, got.EditHistory)
	assert.NotNil(t, got.StatusHistory)

	_, err = f.service.GetByID(context.Background(), created.ID, staffActor)
	require.NoError(t, err)

	_, err = f.service.GetByID(context.Background(), created.ID, otherCustomer)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))

	_, err = f.service.GetByID(context.Background(), uuid.NewString(), staffActor)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))

	_, err = f.service.GetByID(context.Background(), "not-a-uuid", staffActor)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestSubmissionServiceGetByOwnerNewestFirst(t *testing.T) {
	f := newWorkflowFixture()
	first := f.createCompany(t, customerActor)
	second := f.createCompany(t, customerActor)
	f.createCompany(t, otherCustomer)

	list, err := f.service.GetByOwner(context.Background(), customerActor.ID, customerActor)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	assert.NotNil(t, list[0].Reports)

	_, err = f.service.GetByOwner(context.Background(), customerActor.ID, otherCustomer)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))
}

func TestUpdateStatusTransitionMatrix(t *testing.T) {
	statuses := []models.SubmissionStatus{models.StatusPending, models.StatusReviewed, models.StatusFiled}
	for _, from := range statuses {
		for _, to := range statuses {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				f := newWorkflowFixture()
				created := f.createCompany(t, customerActor)
				f.submissions.rows[created.ID].Status = from

				updated, err := f.service.UpdateStatus(context.Background(), created.ID, to, "", staffActor)
				if models.CanTransition(from, to) {
					require.NoError(t, err)
					assert.Equal(t, to, updated.Status)
					require.Len(t, updated.StatusHistory, 1)
					assert.Equal(t, from, updated.StatusHistory[0].FromStatus)
					return
				}
				require.Error(t, err)
				assert.True(t, errors.Is(err, appErrors.ErrInvalidTransition))
				assert.Equal(t, from, f.submissions.rows[created.ID].Status)
			})
		}
	}
}

func TestUpdateStatusRequiresStaffAndKnownStatus(t *testing.T) {
	f := newWorkflowFixture()
	created := f.createCompany(t, customerActor)

	_, err := f.service.UpdateStatus(context.Background(), created.ID, models.StatusReviewed, "", customerActor)
	assert.True(t, errors.Is(err, appErrors.ErrForbidden))

	_, err = f.service.UpdateStatus(context.Background(), created.ID, models.SubmissionStatus("reviewed"), "", staffActor)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	_, err = f.service.UpdateStatus(context.Background(), uuid.NewString(), models.StatusReviewed, "", staffActor)
	assert.True(t, errors.Is(err, appErrors.ErrNotFound))
}

func TestUpdateStatusLostRaceRevalidates(t *testing.T) {
	f := newWorkflowFixture()
	created := f.createCompany(t, customerActor)

	// A competing reviewer commits Pending -> Reviewed between our read and our write.
	var once sync.Once
	f.submissions.beforeTransition = func(id string) {
		once.Do(func() {
			f.submissions.mu.Lock()
			f.submissions.rows[id].Status = models.StatusReviewed
			f.submissions.mu.Unlock()
		})
	}

	_, err := f.service.UpdateStatus(context.Background(), created.ID, models.StatusReviewed, "", staffActor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrInvalidTransition))
	assert.Equal(t, models.StatusReviewed, f.submissions.rows[created.ID].Status)
	assert.Empty(t, f.submissions.notes[created.ID])
}

func TestUpdateStatusConcurrentRaceCommitsOnce(t *testing.T) {
	f := newWorkflowFixture()
	created := f.createCompany(t, customerActor)

	const callers = 8
	var wg sync.WaitGroup
	errs := make(chan error, callers)
	start := make(chan struct{})
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			_, err := f.service.UpdateStatus(context.Background(), created.ID, models.StatusReviewed, "looks good", staffActor)
			errs <- err
		}()
	}
	close(start)
	wg.Wait()
	close(errs)

	succeeded := 0
	for err := range errs {
		if err == nil {
			succeeded++
			continue
		}
		assert.True(t, errors.Is(err, appErrors.ErrInvalidTransition), err.Error())
	}
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, models.StatusReviewed, f.submissions.rows[created.ID].Status)
	assert.Len(t, f.submissions.notes[created.ID], 1)
}

func TestCompanyFormScenario(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture()
	reportSvc := NewReportService(f.reports, f.submissions, nil, f.events, nil, nil, nil)

	created := f.createCompany(t, customerActor)
	require.Equal(t, models.StatusPending, created.Status)

	_, err := f.service.UpdateStatus(ctx, created.ID, models.StatusReviewed, "looks good", staffActor)
	require.NoError(t, err)
	got, err := f.service.GetByID(ctx, created.ID, customerActor)
	require.NoError(t, err)
	assert.Equal(t, models.StatusReviewed, got.Status)
	require.Len(t, got.StatusHistory, 1)
	assert.Equal(t, "looks good", got.StatusHistory[0].Comment)

	docA := &models.Document{SubmissionID: created.ID, OriginalName: "roc-receipt.pdf", StorageRef: created.ID + "/a.pdf", UploaderRole: models.UploaderStaff, IsCompletionDocument: true}
	require.NoError(t, f.documents.Create(ctx, docA))

	_, err = reportSvc.Append(ctx, created.ID, dto.CreateReportRequest{Message: "Filed with ROC", Type: "update", DocumentRefs: []string{docA.ID}}, staffActor)
	require.NoError(t, err)

	mine, err := f.service.GetByOwner(ctx, customerActor.ID, customerActor)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	require.Len(t, mine[0].Reports, 1)
	assert.Equal(t, "Filed with ROC", mine[0].Reports[0].Message)
	assert.Equal(t, []string{docA.ID}, []string(mine[0].Reports[0].DocumentRefs))
	require.Len(t, mine[0].Documents, 1)
	assert.Equal(t, docA.ID, mine[0].Documents[0].ID)

	assert.Equal(t, []string{
		models.EventSubmissionCreated,
		models.EventSubmissionStatusChanged,
		models.EventReportCreated,
	}, f.events.types())
}

func TestSubmissionRequestLengthLimits(t *testing.T) {
	ctx := context.Background()
	f := newWorkflowFixture()
	longSub := strings.Repeat("s", 121)

	_, err := f.service.Create(ctx, dto.CreateSubmissionRequest{
		FormType:   models.FormTypeCompany,
		SubService: &longSub,
		Payload:    companyPayload("Acme Widgets"),
	}, customerActor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))
	assert.Empty(t, f.submissions.rows)

	created := f.createCompany(t, customerActor)
	_, err = f.service.UpdateStatus(ctx, created.ID, models.StatusReviewed, strings.Repeat("c", 2001), staffActor)
	require.Error(t, err)
	assert.True(t, errors.Is(err, appErrors.ErrValidation))

	stored, err := f.service.GetByID(ctx, created.ID, staffActor)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPending, stored.Status)
	assert.Empty(t, f.submissions.notes[created.ID])

	_, err = f.service.UpdateStatus(ctx, created.ID, models.StatusReviewed, strings.Repeat("c", 2000), staffActor)
	require.NoError(t, err)
}
