// Package tonelab serves the blind pickup listening test.
package tonelab

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"sirius-sound/internal/queue"
	"sirius-sound/internal/repo"
)

// ErrNotEnoughSamples means the catalogue cannot fill a blind round.
var ErrNotEnoughSamples = errors.New("not enough pickup samples")

const competitorsPerRound = 2

// BlindSample hides which pickup a recording is.
type BlindSample struct {
	ID        string `json:"id"`
	AudioFile string `json:"audioFile"`
	Label     string `json:"label"`
}

// PickupOption is one entry of the "which pickup was it" dropdown.
type PickupOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// Round is the set of samples served to a listener.
type Round struct {
	Samples       []BlindSample  `json:"samples"`
	PickupOptions []PickupOption `json:"pickupOptions"`
}

// PickSamples draws one Sirius sample and two competitors, shuffles them and
// labels them Sample A, B and C.
func PickSamples(sirius, competitors []repo.PickupSample, rng *rand.Rand) ([]BlindSample, error) {
	if len(sirius) == 0 || len(competitors) < competitorsPerRound {
		return nil, ErrNotEnoughSamples
	}
	picked := make([]repo.PickupSample, 0, 1+competitorsPerRound)
	picked = append(picked, sirius[rng.IntN(len(sirius))])
	for _, i := range rng.Perm(len(competitors))[:competitorsPerRound] {
		picked = append(picked, competitors[i])
	}
	rng.Shuffle(len(picked), func(i, j int) { picked[i], picked[j] = picked[j], picked[i] })

	out := make([]BlindSample, len(picked))
	for i, s := range picked {
		out[i] = BlindSample{
			ID:        s.ID,
			AudioFile: s.AudioFile,
			Label:     fmt.Sprintf("Sample %c", 'A'+i),
		}
	}
	return out, nil
}

// Options lists every sample as a guess option, in the order given.
func Options(samples []repo.PickupSample) []PickupOption {
	out := make([]PickupOption, len(samples))
	for i, s := range samples {
		out[i] = PickupOption{Value: s.Name, Label: fmt.Sprintf("%s (%s)", s.Name, s.Guitar)}
	}
	return out
}

// Service runs blind tests against the sample catalogue.
type Service struct {
	repo   repo.Repository
	logger *slog.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

// NewService returns a Service. A nil rng is seeded from the clock.
func NewService(r repo.Repository, rng *rand.Rand, logger *slog.Logger) *Service {
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>1|1))
	}
	return &Service{repo: r, rng: rng, logger: logger.With("component", "tonelab")}
}

// Samples serves a fresh blind round.
func (s *Service) Samples(ctx context.Context) (*Round, error) {
	all, err := s.repo.ListActiveSamples(ctx)
	if err != nil {
		return nil, err
	}
	var sirius, competitors []repo.PickupSample
	for _, sample := range all {
		if sample.IsSirius {
			sirius = append(sirius, sample)
		} else {
			competitors = append(competitors, sample)
		}
	}

	s.mu.Lock()
	picked, err := PickSamples(sirius, competitors, s.rng)
	s.mu.Unlock()
	if err != nil {
		s.logger.Error("cannot build blind round", "sirius", len(sirius), "competitors", len(competitors))
		return nil, err
	}
	return &Round{Samples: picked, PickupOptions: Options(all)}, nil
}

// StartTest opens a test session, optionally tied to a user.
func (s *Service) StartTest(ctx context.Context, userID *string) (*repo.ToneTest, error) {
	return s.repo.CreateToneTest(ctx, userID)
}

// RateRequest is one listener rating.
type RateRequest struct {
	TestID      string  `json:"testId"`
	SampleID    string  `json:"sampleId"`
	Rating      int     `json:"rating"`
	GuessedName *string `json:"guessedName,omitempty"`
	PlayCount   int     `json:"playCount"`
}

// Rate stores or replaces the listener's rating for a sample.
func (s *Service) Rate(ctx context.Context, req RateRequest) (*repo.SampleRating, error) {
	if req.TestID == "" || req.SampleID == "" {
		return nil, queue.InvalidInput("testId and sampleId are required")
	}
	if req.Rating < 1 || req.Rating > 5 {
		return nil, queue.InvalidInput("rating must be between 1 and 5")
	}
	if req.PlayCount < 0 {
		req.PlayCount = 0
	}
	if _, err := s.repo.GetToneTest(ctx, req.TestID); err != nil {
		return nil, err
	}
	if ok, err := s.sampleExists(ctx, req.SampleID); err != nil {
		return nil, err
	} else if !ok {
		return nil, queue.InvalidInput("unknown sample %q", req.SampleID)
	}

	var guess *string
	if req.GuessedName != nil {
		if g := strings.TrimSpace(*req.GuessedName); g != "" {
			guess = &g
		}
	}
	return s.repo.UpsertRating(ctx, repo.SampleRating{
		TestID:      req.TestID,
		SampleID:    req.SampleID,
		Rating:      req.Rating,
		GuessedName: guess,
		PlayCount:   req.PlayCount,
	})
}

// Submit marks a test completed so its ratings count toward the averages.
func (s *Service) Submit(ctx context.Context, testID string) (*repo.ToneTest, error) {
	test, err := s.repo.CompleteToneTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	s.logger.Info("tone test submitted", "test_id", testID)
	return test, nil
}

// SampleResult compares a listener's rating with everyone else's.
type SampleResult struct {
	Sample        repo.PickupSample `json:"sample"`
	UserRating    int               `json:"userRating"`
	UserGuess     *string           `json:"userGuess,omitempty"`
	PlayCount     int64             `json:"playCount"`
	AverageRating float64           `json:"averageRating"`
	TotalRatings  int64             `json:"totalRatings"`
}

// Results is the reveal page for a test.
type Results struct {
	TestID      string         `json:"testId"`
	Completed   bool           `json:"completed"`
	CompletedAt *time.Time     `json:"completedAt,omitempty"`
	Results     []SampleResult `json:"results"`
}

// Results reveals the samples of a test with aggregates across completed tests.
func (s *Service) Results(ctx context.Context, testID string) (*Results, error) {
	test, err := s.repo.GetToneTest(ctx, testID)
	if err != nil {
		return nil, err
	}
	ratings, err := s.repo.ListRatings(ctx, testID)
	if err != nil {
		return nil, err
	}
	samples, err := s.repo.ListActiveSamples(ctx)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]repo.PickupSample, len(samples))
	for _, sample := range samples {
		byID[sample.ID] = sample
	}

	ids := make([]string, len(ratings))
	for i, r := range ratings {
		ids[i] = r.SampleID
	}
	aggs, err := s.repo.SampleAggregates(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := &Results{
		TestID:      test.ID,
		Completed:   test.Completed,
		CompletedAt: test.CompletedAt,
		Results:     make([]SampleResult, 0, len(ratings)),
	}
	for _, r := range ratings {
		sample, ok := byID[r.SampleID]
		if !ok {
			sample = repo.PickupSample{ID: r.SampleID}
		}
		agg := aggs[r.SampleID]
		out.Results = append(out.Results, SampleResult{
			Sample:        sample,
			UserRating:    r.Rating,
			UserGuess:     r.GuessedName,
			PlayCount:     agg.TotalPlays,
			AverageRating: agg.AverageRating,
			TotalRatings:  agg.TotalRatings,
		})
	}
	return out, nil
}

func (s *Service) sampleExists(ctx context.Context, id string) (bool, error) {
	samples, err := s.repo.ListActiveSamples(ctx)
	if err != nil {
		return false, err
	}
	for _, sample := range samples {
		if sample.ID == id {
			return true, nil
		}
	}
	return false, nil
}
