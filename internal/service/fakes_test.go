package service_test

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	appErrors "github.com/unclebandit/mailing-service/internal/errors"
	"github.com/unclebandit/mailing-service/internal/model"
	"github.com/unclebandit/mailing-service/internal/queue"
	"github.com/unclebandit/mailing-service/internal/repository"
	"github.com/unclebandit/mailing-service/internal/sender"
)

// ====================== Clock ======================

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newClock() *testClock {
	return &testClock{t: time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// ====================== Store ======================

type transition struct {
	CampaignID int64
	From, To   model.CampaignStatus
}

// memDB backs the in-memory repositories.
type memDB struct {
	mu          sync.Mutex
	campaigns   map[int64]*model.Campaign
	messages    map[int64]*model.Message
	clients     []model.Client
	tags        []model.Tag
	codes       []string
	transitions []transition
	bulkCalls   int

	// failure injection
	expireErr     error
	markSentErr   error
	setJobIDErr   error
	setJobIDDelay time.Duration

	nextCampaign int64
	nextMessage  int64
}

func newMemDB() *memDB {
	return &memDB{campaigns: map[int64]*model.Campaign{}, messages: map[int64]*model.Message{}}
}

func (db *memDB) addClients(n int, tagID, codeID int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := 0; i < n; i++ {
		id := int64(len(db.clients) + 1)
		tag := tagID
		db.clients = append(db.clients, model.Client{
			ID:       id,
			Phone:    fmt.Sprintf("7900%07d", id),
			CodeID:   codeID,
			TagID:    &tag,
			TimeZone: "UTC",
		})
	}
}

// putCampaign stores c as is, bypassing the service.
func (db *memDB) putCampaign(c model.Campaign) *model.Campaign {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextCampaign++
	if c.ID == 0 {
		c.ID = db.nextCampaign
	}
	stored := c
	db.campaigns[c.ID] = &stored
	out := stored
	return &out
}

func (db *memDB) campaign(id int64) (model.Campaign, bool) {
	db.mu.Lock()
	defer db.mu.Unlock()
	c, ok := db.campaigns[id]
	if !ok {
		return model.Campaign{}, false
	}
	return *c, true
}

func (db *memDB) setCampaignStatus(id int64, s model.CampaignStatus) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.campaigns[id].Status = s
}

// orphanMessage inserts an unprocessed message whose client was deleted.
func (db *memDB) orphanMessage(campaignID int64) int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.nextMessage++
	db.messages[db.nextMessage] = &model.Message{ID: db.nextMessage, CampaignID: campaignID}
	return db.nextMessage
}

// markSent sets a message Sent as a concurrent run would.
func (db *memDB) markSent(messageID int64) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.messages[messageID].Status = statusPtr(model.MessageSent)
}

// addMessages inserts messages for the first n clients with the given status.
func (db *memDB) addMessages(campaignID int64, n int, status *model.MessageStatus) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for i := 0; i < n; i++ {
		db.nextMessage++
		clientID := db.clients[i].ID
		m := &model.Message{ID: db.nextMessage, CampaignID: campaignID, ClientID: &clientID}
		if status != nil {
			s := *status
			m.Status = &s
		}
		db.messages[m.ID] = m
	}
}

func (db *memDB) messagesOf(campaignID int64) []model.Message {
	db.mu.Lock()
	defer db.mu.Unlock()
	var out []model.Message
	for _, m := range db.messages {
		if m.CampaignID == campaignID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func countStatus(msgs []model.Message, status *model.MessageStatus) int {
	n := 0
	for _, m := range msgs {
		switch {
		case status == nil && m.Status == nil:
			n++
		case status != nil && m.Status != nil && *m.Status == *status:
			n++
		}
	}
	return n
}

func statusPtr(s model.MessageStatus) *model.MessageStatus { return &s }

// ====================== Campaign repo ======================

type memCampaignRepo struct{ db *memDB }

func (r *memCampaignRepo) Create(ctx context.Context, c *model.Campaign) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.nextCampaign++
	c.ID = r.db.nextCampaign
	c.CreatedAt = time.Now()
	stored := *c
	r.db.campaigns[c.ID] = &stored
	return nil
}

func (r *memCampaignRepo) GetByID(ctx context.Context, id int64) (*model.Campaign, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	out := *c
	return &out, nil
}

func (r *memCampaignRepo) Update(ctx context.Context, c *model.Campaign) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	cur, ok := r.db.campaigns[c.ID]
	if !ok {
		return appErrors.NewCampaignNotFound(c.ID)
	}
	cur.StartDate, cur.FinishDate, cur.Text = c.StartDate, c.FinishDate, c.Text
	cur.TagIDs, cur.CodeIDs = c.TagIDs, c.CodeIDs
	return nil
}

func (r *memCampaignRepo) SetStatus(ctx context.Context, id int64, from []model.CampaignStatus, to model.CampaignStatus, finish *time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.campaigns[id]
	if !ok {
		return false, nil
	}
	for _, f := range from {
		if c.Status == f {
			r.db.transitions = append(r.db.transitions, transition{CampaignID: id, From: c.Status, To: to})
			c.Status = to
			if finish != nil {
				c.FinishDate = *finish
			}
			return true, nil
		}
	}
	return false, nil
}

func (r *memCampaignRepo) SetJobID(ctx context.Context, id int64, jobID *string) error {
	r.db.mu.Lock()
	delay, fail := r.db.setJobIDDelay, r.db.setJobIDErr
	r.db.mu.Unlock()
	if delay > 0 {
		time.Sleep(delay)
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if fail != nil && jobID != nil {
		return fail
	}
	c, ok := r.db.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	if jobID == nil {
		c.JobID = nil
		return nil
	}
	v := *jobID
	c.JobID = &v
	return nil
}

func (r *memCampaignRepo) Delete(ctx context.Context, id int64) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.campaigns[id]; !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	for _, m := range r.db.messages {
		if m.CampaignID == id {
			return fmt.Errorf("campaign %d still has messages", id)
		}
	}
	delete(r.db.campaigns, id)
	return nil
}

// transitionLocked applies from -> to when the campaign is in from. Caller holds db.mu.
func (r *memCampaignRepo) transitionLocked(id int64, from, to model.CampaignStatus) (*model.Campaign, bool) {
	c, ok := r.db.campaigns[id]
	if !ok || c.Status != from {
		return nil, false
	}
	r.db.transitions = append(r.db.transitions, transition{CampaignID: id, From: from, To: to})
	c.Status = to
	return c, true
}

func (r *memCampaignRepo) Expire(ctx context.Context, id int64, at time.Time) (bool, int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.expireErr != nil {
		return false, 0, r.db.expireErr
	}
	c, ok := r.transitionLocked(id, model.CampaignStarted, model.CampaignExpiredByTime)
	if !ok {
		return false, 0, nil
	}
	c.FinishDate = at
	var n int64
	for _, m := range r.db.messages {
		if m.CampaignID == id && m.Status == nil {
			m.Status = statusPtr(model.MessageNotSent)
			n++
		}
	}
	return true, n, nil
}

func (r *memCampaignRepo) Complete(ctx context.Context, id int64) (bool, int64, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c, ok := r.db.campaigns[id]
	if !ok || c.Status != model.CampaignStarted {
		return false, 0, nil
	}
	var orphans []*model.Message
	for _, m := range r.db.messages {
		if m.CampaignID != id || m.Status != nil {
			continue
		}
		if m.ClientID != nil {
			return false, 0, nil
		}
		orphans = append(orphans, m)
	}
	for _, m := range orphans {
		m.Status = statusPtr(model.MessageNotSent)
	}
	r.transitionLocked(id, model.CampaignStarted, model.CampaignSuccess)
	return true, int64(len(orphans)), nil
}

func (r *memCampaignRepo) DeleteIfUnsent(ctx context.Context, id int64) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if _, ok := r.db.campaigns[id]; !ok {
		return false, appErrors.NewCampaignNotFound(id)
	}
	for _, m := range r.db.messages {
		if m.CampaignID == id && m.Status != nil && *m.Status == model.MessageSent {
			return false, nil
		}
	}
	for mid, m := range r.db.messages {
		if m.CampaignID == id {
			delete(r.db.messages, mid)
		}
	}
	delete(r.db.campaigns, id)
	return true, nil
}

func (r *memCampaignRepo) List(ctx context.Context, f repository.CampaignFilter) ([]*model.Campaign, int, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var all []*model.Campaign
	for _, c := range r.db.campaigns {
		if f.Status != nil && c.Status != *f.Status {
			continue
		}
		out := *c
		all = append(all, &out)
	}
	sort.Slice(all, func(i, j int) bool { return all[i].ID > all[j].ID })

	start, end := f.Offset, f.Offset+f.Limit
	if start >= len(all) {
		return []*model.Campaign{}, len(all), nil
	}
	if f.Limit <= 0 || end > len(all) {
		end = len(all)
	}
	return all[start:end], len(all), nil
}

// ====================== Message repo ======================

type memMessageRepo struct{ db *memDB }

func (r *memMessageRepo) HasMessages(ctx context.Context, campaignID int64) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for _, m := range r.db.messages {
		if m.CampaignID == campaignID {
			return true, nil
		}
	}
	return false, nil
}

func (r *memMessageRepo) BulkCreate(ctx context.Context, msgs []model.Message) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.bulkCalls++
	for _, m := range msgs {
		r.db.nextMessage++
		m.ID = r.db.nextMessage
		stored := m
		r.db.messages[m.ID] = &stored
	}
	return nil
}

func (r *memMessageRepo) FetchPending(ctx context.Context, campaignID int64, limit int, exclude []int64) ([]model.PendingMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()

	skip := map[int64]bool{}
	for _, id := range exclude {
		skip[id] = true
	}
	phones := map[int64]string{}
	for _, c := range r.db.clients {
		phones[c.ID] = c.Phone
	}

	var ids []int64
	for id, m := range r.db.messages {
		if m.CampaignID == campaignID && m.Status == nil && !skip[id] && m.ClientID != nil {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}

	out := make([]model.PendingMessage, 0, len(ids))
	for _, id := range ids {
		m := r.db.messages[id]
		out = append(out, model.PendingMessage{MessageID: id, ClientID: *m.ClientID, Phone: phones[*m.ClientID]})
	}
	return out, nil
}

func (r *memMessageRepo) MarkSent(ctx context.Context, messageID int64, at time.Time) (bool, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	if r.db.markSentErr != nil {
		return false, r.db.markSentErr
	}
	m, ok := r.db.messages[messageID]
	if !ok || m.Status != nil {
		return false, nil
	}
	m.Status = statusPtr(model.MessageSent)
	sent := at
	m.SendDate = &sent
	return true, nil
}

func (r *memMessageRepo) CountSent(ctx context.Context, campaignID int64) (int, error) {
	return countStatus(r.db.messagesOf(campaignID), statusPtr(model.MessageSent)), nil
}

func (r *memMessageRepo) ListByCampaign(ctx context.Context, campaignID int64) ([]model.Message, error) {
	return r.db.messagesOf(campaignID), nil
}

// ====================== Client repo ======================

type memClientRepo struct{ db *memDB }

func contains(ids []int64, v int64) bool {
	for _, id := range ids {
		if id == v {
			return true
		}
	}
	return false
}

func (r *memClientRepo) ListFiltered(ctx context.Context, tagIDs, codeIDs []int64, afterID int64, limit int) ([]model.Client, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	var out []model.Client
	for _, c := range r.db.clients {
		if c.ID <= afterID {
			continue
		}
		if len(tagIDs) > 0 && (c.TagID == nil || !contains(tagIDs, *c.TagID)) {
			continue
		}
		if len(codeIDs) > 0 && !contains(codeIDs, c.CodeID) {
			continue
		}
		out = append(out, c)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (r *memClientRepo) CreateTag(ctx context.Context, t *model.Tag) error {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	r.db.tags = append(r.db.tags, *t)
	t.ID = int64(len(r.db.tags))
	return nil
}

func (r *memClientRepo) GetOrCreateOperatorCode(ctx context.Context, code string) (*model.OperatorCode, error) {
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	for i, c := range r.db.codes {
		if c == code {
			return &model.OperatorCode{ID: int64(i + 1), Code: code}, nil
		}
	}
	r.db.codes = append(r.db.codes, code)
	return &model.OperatorCode{ID: int64(len(r.db.codes)), Code: code}, nil
}

func (r *memClientRepo) Create(ctx context.Context, c *model.Client) error {
	prefix, err := model.OperatorCodeOf(c.Phone)
	if err != nil {
		return err
	}
	oc, err := r.GetOrCreateOperatorCode(ctx, prefix)
	if err != nil {
		return err
	}
	r.db.mu.Lock()
	defer r.db.mu.Unlock()
	c.CodeID = oc.ID
	c.ID = int64(len(r.db.clients) + 1)
	r.db.clients = append(r.db.clients, *c)
	return nil
}

// ====================== Statistics repo ======================

type memStatsRepo struct{ db *memDB }

func (r *memStatsRepo) Summaries(ctx context.Context, f repository.StatsFilter) ([]model.CampaignStats, error) {
	r.db.mu.Lock()
	var campaigns []model.Campaign
	for _, c := range r.db.campaigns {
		if f.CampaignID != 0 && c.ID != f.CampaignID {
			continue
		}
		if f.To != nil && !c.StartDate.Before(*f.To) {
			continue
		}
		if f.From != nil && c.FinishDate.Before(*f.From) {
			continue
		}
		campaigns = append(campaigns, *c)
	}
	r.db.mu.Unlock()

	sort.Slice(campaigns, func(i, j int) bool { return campaigns[i].ID < campaigns[j].ID })
	out := make([]model.CampaignStats, 0, len(campaigns))
	for _, c := range campaigns {
		msgs := r.db.messagesOf(c.ID)
		out = append(out, model.CampaignStats{
			ID: c.ID, StartDate: c.StartDate, FinishDate: c.FinishDate, Text: c.Text, Status: c.Status,
			SendSuccess: countStatus(msgs, statusPtr(model.MessageSent)),
			SendFailed:  countStatus(msgs, statusPtr(model.MessageNotSent)),
		})
	}
	return out, nil
}

// ====================== Scheduler ======================

type fakeScheduler struct {
	mu          sync.Mutex
	jobs        []queue.Job
	cancelled   []string
	scheduleErr error
	cancelErr   error
	// onCancel runs after a successful Cancel.
	onCancel func(jobID string)
}

func (s *fakeScheduler) Schedule(ctx context.Context, job queue.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduleErr != nil {
		return s.scheduleErr
	}
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *fakeScheduler) Cancel(ctx context.Context, jobID string) error {
	s.mu.Lock()
	if s.cancelErr != nil {
		s.mu.Unlock()
		return s.cancelErr
	}
	s.cancelled = append(s.cancelled, jobID)
	hook := s.onCancel
	s.mu.Unlock()
	if hook != nil {
		hook(jobID)
	}
	return nil
}

func (s *fakeScheduler) Subscribe(h queue.Handler) error { return nil }

func (s *fakeScheduler) last() queue.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.jobs[len(s.jobs)-1]
}

func (s *fakeScheduler) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

// ====================== Channel ======================

type fakeChannel struct {
	mu      sync.Mutex
	calls   []int64
	outcome func(messageID int64) sender.Outcome
	// onSend runs before the outcome is returned.
	onSend func(messageID int64)
}

func (c *fakeChannel) Send(ctx context.Context, messageID int64, address, text string) sender.Outcome {
	c.mu.Lock()
	c.calls = append(c.calls, messageID)
	c.mu.Unlock()
	if c.onSend != nil {
		c.onSend(messageID)
	}
	if c.outcome == nil {
		return sender.Delivered{}
	}
	return c.outcome(messageID)
}

func (c *fakeChannel) callCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.calls)
}

func always(o sender.Outcome) func(int64) sender.Outcome {
	return func(int64) sender.Outcome { return o }
}

var (
	_ repository.CampaignRepositoryInterface   = (*memCampaignRepo)(nil)
	_ repository.MessageRepositoryInterface    = (*memMessageRepo)(nil)
	_ repository.ClientRepositoryInterface     = (*memClientRepo)(nil)
	_ repository.StatisticsRepositoryInterface = (*memStatsRepo)(nil)
	_ queue.Scheduler                          = (*fakeScheduler)(nil)
	_ sender.Channel                           = (*fakeChannel)(nil)
)
