package service

import (
	"context"
	"fmt"
	"math/rand/v2"

	"github.com/rs/zerolog"

	"github.com/unclebandit/mailing-service/internal/model"
	"github.com/unclebandit/mailing-service/internal/repository"
)

// SeedOptions sizes the demo dataset.
type SeedOptions struct {
	Tags           int
	Codes          int
	FirstCode      int
	ClientsFrom    int
	ClientsTo      int
	ClientTimeZone string
}

func DefaultSeedOptions() SeedOptions {
	return SeedOptions{
		Tags:           10,
		Codes:          10,
		FirstCode:      501,
		ClientsFrom:    1000,
		ClientsTo:      10000,
		ClientTimeZone: "Europe/Minsk",
	}
}

type SeedResult struct {
	Tags    int
	Codes   int
	Clients int
}

// Seeder fills an empty database with tags, operator codes and clients.
type Seeder struct {
	Clients repository.ClientRepositoryInterface
	Logger  zerolog.Logger
	Rand    *rand.Rand
}

func (s *Seeder) Seed(ctx context.Context, opts SeedOptions) (SeedResult, error) {
	var res SeedResult
	rnd := s.Rand
	if rnd == nil {
		rnd = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	tags := make([]model.Tag, 0, opts.Tags)
	for i := 1; i <= opts.Tags; i++ {
		t := model.Tag{Name: fmt.Sprintf("tag%d", i), Description: fmt.Sprintf("Description%d", i)}
		if err := s.Clients.CreateTag(ctx, &t); err != nil {
			return res, err
		}
		tags = append(tags, t)
	}
	res.Tags = len(tags)
	s.Logger.Info().Int("tags", res.Tags).Msg("added tags")

	codes := make([]string, 0, opts.Codes)
	for i := 0; i < opts.Codes; i++ {
		code := fmt.Sprintf("%03d", opts.FirstCode+i)
		if _, err := s.Clients.GetOrCreateOperatorCode(ctx, code); err != nil {
			return res, err
		}
		codes = append(codes, code)
	}
	res.Codes = len(codes)
	s.Logger.Info().Int("codes", res.Codes).Msg("added operator codes")

	if len(tags) == 0 || len(codes) == 0 {
		return res, nil
	}
	for i := opts.ClientsFrom; i < opts.ClientsTo; i++ {
		tagID := tags[rnd.IntN(len(tags))].ID
		c := model.Client{
			Phone:    fmt.Sprintf("7%s567%04d", codes[rnd.IntN(len(codes))], i%10000),
			TagID:    &tagID,
			TimeZone: opts.ClientTimeZone,
		}
		if err := s.Clients.Create(ctx, &c); err != nil {
			return res, err
		}
		res.Clients++
	}
	s.Logger.Info().Int("clients", res.Clients).Msg("added clients")
	return res, nil
}
