package controller_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sort"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unclebandit/mailing-service/internal/controller"
	appErrors "github.com/unclebandit/mailing-service/internal/errors"
	"github.com/unclebandit/mailing-service/internal/handler"
	"github.com/unclebandit/mailing-service/internal/model"
	"github.com/unclebandit/mailing-service/internal/queue"
	"github.com/unclebandit/mailing-service/internal/repository"
	"github.com/unclebandit/mailing-service/internal/service"
)

// --- Mock Repositories ---

type MockCampaignRepo struct {
	mu        sync.Mutex
	campaigns map[int64]*model.Campaign
	next      int64
}

func newMockCampaignRepo() *MockCampaignRepo {
	return &MockCampaignRepo{campaigns: map[int64]*model.Campaign{}}
}

func (m *MockCampaignRepo) put(c model.Campaign) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	c.ID = m.next
	m.campaigns[c.ID] = &c
	return c.ID
}

func (m *MockCampaignRepo) Create(ctx context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.next++
	c.ID = m.next
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *MockCampaignRepo) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (m *MockCampaignRepo) Update(ctx context.Context, c *model.Campaign) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *c
	m.campaigns[c.ID] = &cp
	return nil
}

func (m *MockCampaignRepo) SetStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, finish *time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			c.Status = to
			if finish != nil {
				c.FinishDate = *finish
			}
			return true, nil
		}
	}
	return false, nil
}

func (m *MockCampaignRepo) SetJobID(ctx context.Context, id int64, jobID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.campaigns[id]; ok {
		c.JobID = jobID
	}
	return nil
}

func (m *MockCampaignRepo) Delete(ctx context.Context, id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.campaigns, id)
	return nil
}

func (m *MockCampaignRepo) Expire(ctx context.Context, id int64, at time.Time) (bool, int64, error) {
	ok, err := m.SetStatus(ctx, id, []model.CampaignStatus{model.CampaignStarted}, model.CampaignExpiredByTime, &at)
	return ok, 0, err
}

func (m *MockCampaignRepo) Complete(ctx context.Context, id int64) (bool, int64, error) {
	ok, err := m.SetStatus(ctx, id, []model.CampaignStatus{model.CampaignStarted}, model.CampaignSuccess, nil)
	return ok, 0, err
}

// DeleteIfUnsent deletes unconditionally; the service only calls it once no delivery is counted.
func (m *MockCampaignRepo) DeleteIfUnsent(ctx context.Context, id int64) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.campaigns[id]; !ok {
		return false, appErrors.NewCampaignNotFound(id)
	}
	delete(m.campaigns, id)
	return true, nil
}

func (m *MockCampaignRepo) List(ctx context.Context, f repository.CampaignFilter) ([]*model.Campaign, int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var filtered []*model.Campaign
	for _, c := range m.campaigns {
		if f.Status != nil && c.Status != *f.Status {
			continue
		}
		cp := *c
		filtered = append(filtered, &cp)
	}
	sort.Slice(filtered, func(i, j int) bool { return filtered[i].ID > filtered[j].ID })
	total := len(filtered)

	// Simulate pagination
	start, end := f.Offset, f.Offset+f.Limit
	if start > total {
		return []*model.Campaign{}, total, nil
	}
	if end > total {
		end = total
	}
	return filtered[start:end], total, nil
}

// MockMessageRepo only tracks delivered counts per campaign.
type MockMessageRepo struct {
	sent map[int64]int
}

func (m *MockMessageRepo) HasMessages(ctx context.Context, campaignID int64) (bool, error) {
	return m.sent[campaignID] > 0, nil
}
func (m *MockMessageRepo) BulkCreate(ctx context.Context, msgs []model.Message) error { return nil }
func (m *MockMessageRepo) FetchPending(ctx context.Context, campaignID int64, limit int, exclude []int64) ([]model.PendingMessage, error) {
	return nil, nil
}
func (m *MockMessageRepo) MarkSent(ctx context.Context, messageID int64, at time.Time) (bool, error) {
	return true, nil
}
func (m *MockMessageRepo) CountSent(ctx context.Context, campaignID int64) (int, error) {
	return m.sent[campaignID], nil
}
func (m *MockMessageRepo) ListByCampaign(ctx context.Context, campaignID int64) ([]model.Message, error) {
	return []model.Message{}, nil
}

type MockStatsRepo struct {
	stats   []model.CampaignStats
	filters []repository.StatsFilter
}

func (m *MockStatsRepo) Summaries(ctx context.Context, f repository.StatsFilter) ([]model.CampaignStats, error) {
	m.filters = append(m.filters, f)
	if f.CampaignID == 0 {
		return m.stats, nil
	}
	for _, st := range m.stats {
		if st.ID == f.CampaignID {
			return []model.CampaignStats{st}, nil
		}
	}
	return nil, nil
}

type MockScheduler struct {
	jobs      []queue.Job
	cancelled []string
}

func (s *MockScheduler) Schedule(ctx context.Context, job queue.Job) error {
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *MockScheduler) Cancel(ctx context.Context, jobID string) error {
	s.cancelled = append(s.cancelled, jobID)
	return nil
}

func (s *MockScheduler) Subscribe(h queue.Handler) error { return nil }

// --- Fixture ---

type apiFixture struct {
	campaigns *MockCampaignRepo
	messages  *MockMessageRepo
	stats     *MockStatsRepo
	sched     *MockScheduler
	router    http.Handler
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	f := &apiFixture{
		campaigns: newMockCampaignRepo(),
		messages:  &MockMessageRepo{sent: map[int64]int{}},
		stats:     &MockStatsRepo{},
		sched:     &MockScheduler{},
	}
	log := zerolog.New(zerolog.NewTestWriter(t))
	campaignSvc := &service.CampaignService{
		CampaignRepo: f.campaigns,
		MessageRepo:  f.messages,
		Scheduler:    f.sched,
		Logger:       log,
	}
	statsSvc := &service.StatisticsService{
		StatsRepo:    f.stats,
		CampaignRepo: f.campaigns,
		MessageRepo:  f.messages,
		Logger:       log,
	}
	f.router = handler.NewRouter(
		&controller.CampaignController{CampaignService: campaignSvc, Logger: log},
		&controller.StatisticsController{StatisticsService: statsSvc, Logger: log},
		log,
	)
	return f
}

func (f *apiFixture) do(method, target string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, target, &buf)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func decodeErrors(t *testing.T, w *httptest.ResponseRecorder) map[string][]string {
	t.Helper()
	var res struct {
		Errors map[string][]string `json:"errors"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	return res.Errors
}

// --- Tests ---

func TestCreateCampaign(t *testing.T) {
	f := newAPI(t)
	start := time.Now().Add(time.Hour).UTC().Truncate(time.Second)

	w := f.do(http.MethodPost, "/campaigns", map[string]any{
		"start_date":  start.Format(time.RFC3339),
		"finish_date": start.Add(2 * time.Hour).Format(time.RFC3339),
		"text":        "Weekend sale",
		"tag":         []int64{1, 2},
		"code":        []int64{928},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	var got model.Campaign
	require.NoError(t, json.NewDecoder(w.Body).Decode(&got))
	assert.Equal(t, int64(1), got.ID)
	assert.Equal(t, model.CampaignPending, got.Status)
	assert.Equal(t, []int64{1, 2}, got.TagIDs)
	assert.True(t, start.Equal(got.StartDate))
	assert.Equal(t, 1, len(f.sched.jobs))
}

func TestCreateCampaign_ValidationErrors(t *testing.T) {
	f := newAPI(t)
	start := time.Now().Add(3 * time.Hour)

	w := f.do(http.MethodPost, "/campaigns", map[string]any{
		"start_date":  start.Format(time.RFC3339),
		"finish_date": start.Add(-time.Hour).Format(time.RFC3339),
		"text":        "",
	})
	require.Equal(t, http.StatusBadRequest, w.Code)

	errs := decodeErrors(t, w)
	assert.Equal(t, []string{"finish_date must be greater than the start_date"}, errs["non_field_errors"])
	assert.Equal(t, []string{"This field may not be blank."}, errs["text"])
	assert.Equal(t, 0, len(f.sched.jobs))
}

func TestCreateCampaign_InvalidBody(t *testing.T) {
	f := newAPI(t)
	req := httptest.NewRequest(http.MethodPost, "/campaigns", bytes.NewBufferString("{not json"))
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)

	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeErrors(t, w), "non_field_errors")
}

func TestListCampaignsPagination(t *testing.T) {
	f := newAPI(t)
	now := time.Now()
	totalCampaigns := 25
	for i := 1; i <= totalCampaigns; i++ {
		f.campaigns.put(model.Campaign{StartDate: now, FinishDate: now.Add(time.Hour), Text: "Campaign " + strconv.Itoa(i), Status: model.CampaignPending})
	}
	// a different status must not leak into the filtered listing
	f.campaigns.put(model.Campaign{StartDate: now, FinishDate: now.Add(time.Hour), Text: "done", Status: model.CampaignSuccess})

	pageSize := 10
	seen := map[int64]bool{}
	totalPages := (totalCampaigns + pageSize - 1) / pageSize

	for page := 1; page <= totalPages; page++ {
		w := f.do(http.MethodGet, "/campaigns?page="+strconv.Itoa(page)+"&page_size="+strconv.Itoa(pageSize)+"&status=0", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}

		var res struct {
			Data       []model.Campaign `json:"data"`
			Pagination struct {
				Page       int `json:"page"`
				PageSize   int `json:"page_size"`
				TotalCount int `json:"total_count"`
				TotalPages int `json:"total_pages"`
			} `json:"pagination"`
		}
		if err := json.NewDecoder(w.Body).Decode(&res); err != nil {
			t.Fatalf("failed to decode response: %v", err)
		}

		if res.Pagination.Page != page {
			t.Errorf("expected page %d, got %d", page, res.Pagination.Page)
		}
		if res.Pagination.PageSize != pageSize {
			t.Errorf("expected page size %d, got %d", pageSize, res.Pagination.PageSize)
		}
		if res.Pagination.TotalCount != totalCampaigns {
			t.Errorf("expected total count %d, got %d", totalCampaigns, res.Pagination.TotalCount)
		}
		if res.Pagination.TotalPages != totalPages {
			t.Errorf("expected %d pages, got %d", totalPages, res.Pagination.TotalPages)
		}

		for _, c := range res.Data {
			if seen[c.ID] {
				t.Errorf("duplicate campaign ID %d across pages", c.ID)
			}
			seen[c.ID] = true
			if c.Status != model.CampaignPending {
				t.Errorf("expected status pending, got %s", c.Status)
			}
		}
	}

	if len(seen) != totalCampaigns {
		t.Errorf("expected %d unique campaigns, got %d", totalCampaigns, len(seen))
	}
}

func TestListCampaigns_UnknownStatus(t *testing.T) {
	f := newAPI(t)

	w := f.do(http.MethodGet, "/campaigns?status=9", nil)
	require.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, decodeErrors(t, w), "status")
}

func TestGetCampaign(t *testing.T) {
	f := newAPI(t)
	now := time.Now()
	id := f.campaigns.put(model.Campaign{StartDate: now, FinishDate: now.Add(time.Hour), Text: "t", Status: model.CampaignStarted})

	w := f.do(http.MethodGet, "/campaigns/"+strconv.FormatInt(id, 10), nil)
	require.Equal(t, http.StatusOK, w.Code)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodGet, "/campaigns/404", nil).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/campaigns/abc", nil).Code)
}

func TestUpdateCampaign_FinishedIsConflict(t *testing.T) {
	f := newAPI(t)
	now := time.Now()
	id := f.campaigns.put(model.Campaign{StartDate: now.Add(-2 * time.Hour), FinishDate: now.Add(-time.Hour), Text: "t", Status: model.CampaignSuccess})

	w := f.do(http.MethodPatch, "/campaigns/"+strconv.FormatInt(id, 10), map[string]any{"text": "again"})
	require.Equal(t, http.StatusConflict, w.Code)
	assert.Contains(t, w.Body.String(), "create a new mailing")
}

func TestUpdateCampaign_Text(t *testing.T) {
	f := newAPI(t)
	now := time.Now()
	id := f.campaigns.put(model.Campaign{StartDate: now.Add(time.Hour), FinishDate: now.Add(2 * time.Hour), Text: "t", Status: model.CampaignPending})

	w := f.do(http.MethodPatch, "/campaigns/"+strconv.FormatInt(id, 10), map[string]any{"text": "updated"})
	require.Equal(t, http.StatusOK, w.Code)

	got, err := f.campaigns.GetByID(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "updated", got.Text)
}

func TestDeleteCampaign(t *testing.T) {
	f := newAPI(t)
	now := time.Now()
	job := "job-x"
	pending := f.campaigns.put(model.Campaign{StartDate: now.Add(time.Hour), FinishDate: now.Add(2 * time.Hour), Text: "t", Status: model.CampaignPending, JobID: &job})
	running := f.campaigns.put(model.Campaign{StartDate: now.Add(-time.Hour), FinishDate: now.Add(time.Hour), Text: "t", Status: model.CampaignStarted})
	done := f.campaigns.put(model.Campaign{StartDate: now.Add(-2 * time.Hour), FinishDate: now.Add(-time.Hour), Text: "t", Status: model.CampaignSuccess})
	f.messages.sent[running] = 3
	f.messages.sent[done] = 5

	w := f.do(http.MethodDelete, "/campaigns/"+strconv.FormatInt(pending, 10), nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"job-x"}, f.sched.cancelled)

	w = f.do(http.MethodDelete, "/campaigns/"+strconv.FormatInt(running, 10), nil)
	require.Equal(t, http.StatusOK, w.Code)
	var res service.DeleteResult
	require.NoError(t, json.NewDecoder(w.Body).Decode(&res))
	assert.True(t, res.Revoked)
	assert.Equal(t, model.CampaignRevoked, res.Campaign.Status)

	w = f.do(http.MethodDelete, "/campaigns/"+strconv.FormatInt(done, 10), nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}
