// internal/service/campaign_service.go
package service

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	appErrors "github.com/unclebandit/mailing-service/internal/errors"
	"github.com/unclebandit/mailing-service/internal/model"
	"github.com/unclebandit/mailing-service/internal/queue"
	"github.com/unclebandit/mailing-service/internal/repository"
)

type CampaignService struct {
	CampaignRepo repository.CampaignRepositoryInterface
	MessageRepo  repository.MessageRepositoryInterface
	Scheduler    queue.Scheduler
	Logger       zerolog.Logger
	Clock        Clock
}

// CampaignInput is a new campaign as submitted by an operator.
type CampaignInput struct {
	StartDate  time.Time `json:"start_date"`
	FinishDate time.Time `json:"finish_date"`
	Text       string    `json:"text"`
	TagIDs     []int64   `json:"tag"`
	CodeIDs    []int64   `json:"code"`
}

// CampaignPatch holds a partial update. Nil fields are left unchanged.
type CampaignPatch struct {
	StartDate  *time.Time `json:"start_date"`
	FinishDate *time.Time `json:"finish_date"`
	Text       *string    `json:"text"`
	TagIDs     *[]int64   `json:"tag"`
	CodeIDs    *[]int64   `json:"code"`
}

// DeleteResult tells the caller whether the campaign is gone or was revoked in place.
type DeleteResult struct {
	Deleted  bool            `json:"deleted"`
	Revoked  bool            `json:"revoked"`
	Campaign *model.Campaign `json:"campaign,omitempty"`
}

func (s *CampaignService) now() time.Time {
	if s.Clock == nil {
		return time.Now()
	}
	return s.Clock()
}

func validateWindow(start, finish time.Time, text string, now time.Time) error {
	v := &appErrors.ValidationError{}
	if start.IsZero() {
		v.Add("start_date", "This field is required.")
	}
	if finish.IsZero() {
		v.Add("finish_date", "This field is required.")
	} else if !finish.After(now) {
		v.Add("finish_date", "Date must be greater than current")
	}
	if !start.IsZero() && !finish.IsZero() && !finish.After(start) {
		v.Add("non_field_errors", "finish_date must be greater than the start_date")
	}
	if strings.TrimSpace(text) == "" {
		v.Add("text", "This field may not be blank.")
	}
	return v.OrNil()
}

// arm stores a fresh handle for c and then schedules its job at runAt, so the
// job finds its handle even when it fires at once. When scheduling fails the
// stored handle is cleared.
func (s *CampaignService) arm(ctx context.Context, c *model.Campaign, runAt time.Time) (string, error) {
	now := s.now()
	job := queue.Job{
		ID:         queue.NewJobID(),
		Payload:    queue.JobPayload{CampaignID: c.ID},
		RunAt:      runAt,
		ExpireAt:   c.FinishDate,
		SoftBudget: SoftBudget(c.StartDate, c.FinishDate, now),
	}
	if err := s.CampaignRepo.SetJobID(ctx, c.ID, &job.ID); err != nil {
		return "", err
	}
	if err := s.Scheduler.Schedule(ctx, job); err != nil {
		if cerr := s.CampaignRepo.SetJobID(context.WithoutCancel(ctx), c.ID, nil); cerr != nil {
			s.Logger.Error().Err(cerr).Int64("campaign_id", c.ID).Msg("clear job handle failed")
		}
		return "", err
	}
	c.JobID = &job.ID
	return job.ID, nil
}

// CreateCampaign stores a Pending campaign and schedules its first run at StartDate.
func (s *CampaignService) CreateCampaign(ctx context.Context, in CampaignInput) (*model.Campaign, error) {
	if err := validateWindow(in.StartDate, in.FinishDate, in.Text, s.now()); err != nil {
		return nil, err
	}

	c := &model.Campaign{
		StartDate:  in.StartDate,
		FinishDate: in.FinishDate,
		Text:       in.Text,
		TagIDs:     in.TagIDs,
		CodeIDs:    in.CodeIDs,
		Status:     model.CampaignPending,
	}
	if err := s.CampaignRepo.Create(ctx, c); err != nil {
		return nil, err
	}
	log := s.Logger.With().Int64("campaign_id", c.ID).Logger()
	log.Info().Time("start_date", c.StartDate).Time("finish_date", c.FinishDate).Msg("created mailing")

	jobID, err := s.arm(ctx, c, c.StartDate)
	if err != nil {
		log.Error().Err(err).Msg("arm campaign failed, rolling back")
		if derr := s.CampaignRepo.Delete(context.WithoutCancel(ctx), c.ID); derr != nil {
			log.Error().Err(derr).Msg("rollback of unscheduled campaign failed")
		}
		return nil, fmt.Errorf("schedule campaign: %w", err)
	}
	log.Info().Str("job_id", jobID).Msg("job armed")
	return c, nil
}

// UpdateCampaign applies patch. Dates are frozen once the campaign started and
// nothing may change after it finished.
func (s *CampaignService) UpdateCampaign(ctx context.Context, id int64, patch CampaignPatch) (*model.Campaign, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	log := s.Logger.With().Int64("campaign_id", id).Logger()

	start, finish := c.StartDate, c.FinishDate
	if patch.StartDate != nil {
		start = *patch.StartDate
	}
	if patch.FinishDate != nil {
		finish = *patch.FinishDate
	}
	datesChanged := !start.Equal(c.StartDate) || !finish.Equal(c.FinishDate)

	switch {
	case c.Status > model.CampaignStarted:
		return nil, appErrors.NotEditable("the task has already been completed, create a new mailing")
	case c.Status == model.CampaignStarted && datesChanged:
		return nil, appErrors.NotEditable("the task is already running, dates cannot change")
	}

	text := c.Text
	if patch.Text != nil {
		text = *patch.Text
	}
	if datesChanged {
		if err := validateWindow(start, finish, text, s.now()); err != nil {
			return nil, err
		}
	} else if strings.TrimSpace(text) == "" {
		return nil, appErrors.NewValidation("text", "This field may not be blank.")
	}

	c.StartDate, c.FinishDate, c.Text = start, finish, text
	if patch.TagIDs != nil {
		c.TagIDs = *patch.TagIDs
	}
	if patch.CodeIDs != nil {
		c.CodeIDs = *patch.CodeIDs
	}
	if err := s.CampaignRepo.Update(ctx, c); err != nil {
		return nil, err
	}
	log.Info().Bool("dates_changed", datesChanged).Msg("updated mailing")

	if !datesChanged {
		return c, nil
	}

	// re-arm: revoke the old job and schedule a replacement
	if old := c.CurrentJob(); old != "" {
		if err := s.Scheduler.Cancel(ctx, old); err != nil {
			log.Error().Err(err).Str("job_id", old).Msg("cancel previous job failed")
			return nil, fmt.Errorf("cancel job %s: %w", old, err)
		}
	}
	jobID, err := s.arm(ctx, c, c.StartDate)
	if err != nil {
		log.Error().Err(err).Msg("reschedule campaign failed")
		return nil, fmt.Errorf("reschedule campaign: %w", err)
	}
	log.Info().Str("job_id", jobID).Msg("job re-armed")
	return c, nil
}

// DeleteCampaign hard-deletes a campaign that never delivered anything. A running
// campaign that already delivered is revoked in place; a finished one is kept.
func (s *CampaignService) DeleteCampaign(ctx context.Context, id int64) (*DeleteResult, error) {
	c, err := s.CampaignRepo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	log := s.Logger.With().Int64("campaign_id", id).Stringer("status", c.Status).Logger()

	sent := 0
	if c.Status != model.CampaignPending {
		if sent, err = s.MessageRepo.CountSent(ctx, id); err != nil {
			return nil, err
		}
	}

	if c.Status.Terminal() && sent > 0 {
		return nil, appErrors.ErrCampaignNotDeletable
	}

	if !c.Status.Terminal() {
		if job := c.CurrentJob(); job != "" {
			if err := s.Scheduler.Cancel(ctx, job); err != nil {
				log.Error().Err(err).Str("job_id", job).Msg("revoke job failed")
				return nil, fmt.Errorf("cancel job %s: %w", job, err)
			}
			log.Info().Str("job_id", job).Msg("revoke task")
		}
	}

	if c.Status == model.CampaignStarted && sent > 0 {
		now := s.now()
		ok, err := s.CampaignRepo.SetStatus(ctx, id, []model.CampaignStatus{model.CampaignStarted}, model.CampaignRevoked, &now)
		if err != nil {
			return nil, err
		}
		if !ok {
			// finished concurrently, re-evaluate against the new status
			return s.DeleteCampaign(ctx, id)
		}
		c.Status = model.CampaignRevoked
		c.FinishDate = now
		log.Info().Int("sent", sent).Msg("mailing revoked, messages kept")
		return &DeleteResult{Revoked: true, Campaign: c}, nil
	}

	// a revoked run may still be delivering, the delete backs off if it did
	deleted, err := s.CampaignRepo.DeleteIfUnsent(ctx, id)
	if err != nil {
		return nil, err
	}
	if !deleted {
		log.Info().Msg("message sent while deleting, re-evaluating")
		return s.DeleteCampaign(ctx, id)
	}
	log.Info().Msg("mailing deleted")
	return &DeleteResult{Deleted: true}, nil
}

func (s *CampaignService) GetCampaign(ctx context.Context, id int64) (*model.Campaign, error) {
	return s.CampaignRepo.GetByID(ctx, id)
}

// ListCampaigns fetches campaigns with pagination
func (s *CampaignService) ListCampaigns(ctx context.Context, page, pageSize int, status *model.CampaignStatus) ([]model.Campaign, map[string]int, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 20
	}
	if pageSize > 100 {
		pageSize = 100
	}
	offset := (page - 1) * pageSize

	ptrs, total, err := s.CampaignRepo.List(ctx, repository.CampaignFilter{Offset: offset, Limit: pageSize, Status: status})
	if err != nil {
		return nil, nil, err
	}

	campaigns := make([]model.Campaign, len(ptrs))
	for i, c := range ptrs {
		campaigns[i] = *c
	}

	totalPages := (total + pageSize - 1) / pageSize
	pagination := map[string]int{
		"page":        page,
		"page_size":   pageSize,
		"total_count": total,
		"total_pages": totalPages,
	}
	return campaigns, pagination, nil
}

// Recover re-arms jobs for unfinished campaigns after a restart of an
// in-memory scheduler. Started campaigns whose window already closed are expired.
func (s *CampaignService) Recover(ctx context.Context) (int, error) {
	var pending []*model.Campaign
	for _, status := range []model.CampaignStatus{model.CampaignPending, model.CampaignStarted} {
		st := status
		for offset := 0; ; offset += recoverPage {
			batch, _, err := s.CampaignRepo.List(ctx, repository.CampaignFilter{Offset: offset, Limit: recoverPage, Status: &st})
			if err != nil {
				return 0, err
			}
			pending = append(pending, batch...)
			if len(batch) < recoverPage {
				break
			}
		}
	}

	rearmed := 0
	for _, c := range pending {
		ok, err := s.rearm(ctx, c)
		if err != nil {
			return rearmed, err
		}
		if ok {
			rearmed++
		}
	}
	return rearmed, nil
}

const recoverPage = 100

func (s *CampaignService) rearm(ctx context.Context, c *model.Campaign) (bool, error) {
	now := s.now()
	log := s.Logger.With().Int64("campaign_id", c.ID).Stringer("status", c.Status).Logger()

	if !c.FinishDate.After(now) {
		if c.Status != model.CampaignStarted {
			log.Info().Msg("window closed before start, left pending")
			return false, nil
		}
		ok, n, err := s.CampaignRepo.Expire(ctx, c.ID, now)
		if err != nil {
			return false, err
		}
		if ok {
			log.Info().Int64("not_sent", n).Msg("window closed while down, campaign expired")
		}
		return false, nil
	}

	// attempt 0 is safe for started campaigns: materialization only runs when no messages exist
	runAt := c.StartDate
	if runAt.Before(now) {
		runAt = now
	}
	jobID, err := s.arm(ctx, c, runAt)
	if err != nil {
		return false, fmt.Errorf("re-arm campaign %d: %w", c.ID, err)
	}
	log.Info().Str("job_id", jobID).Time("run_at", runAt).Msg("job re-armed after restart")
	return true, nil
}
