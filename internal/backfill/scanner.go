package backfill

import (
	"context"
	"fmt"
	"time"

	"github.com/alphagov/pay-connector-sub011/internal/domain/ledger"
)

// Scanner pages through ledger rows that were never emitted. The upper id
// bound is captured once when the scanner is built, so rows created after the
// scan starts are left for the next run and every scan terminates.
type Scanner struct {
	repo           ledger.Repository
	batchSize      int
	batchStartTime time.Time
	filter         ledger.Eligibility
	maxEligibleID  int64
	cursor         int64
	current        []ledger.Entry
}

// NewScanner snapshots the eligible id range. Rows with an event date at or
// after batchStartTime-maxAge are never returned. startID resumes a previous
// run; ids at or below it are skipped.
func NewScanner(ctx context.Context, repo ledger.Repository, batchStartTime time.Time, maxAge time.Duration, batchSize int, startID int64) (*Scanner, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	filter := ledger.Eligibility{
		Cutoff: batchStartTime.Add(-maxAge),
		AsOf:   batchStartTime,
	}
	maxID, err := repo.MaxEligibleID(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("find max eligible ledger id: %w", err)
	}
	return &Scanner{
		repo:           repo,
		batchSize:      batchSize,
		batchStartTime: batchStartTime,
		filter:         filter,
		maxEligibleID:  maxID,
		cursor:         startID,
	}, nil
}

// Next returns the next batch in ascending id order. An empty batch means the
// scan is complete.
func (s *Scanner) Next(ctx context.Context) ([]ledger.Entry, error) {
	if s.cursor >= s.maxEligibleID {
		s.current = nil
		return nil, nil
	}
	batch, err := s.repo.ListEligible(ctx, s.filter, s.cursor, s.maxEligibleID, s.batchSize)
	if err != nil {
		return nil, fmt.Errorf("list ledger rows after id %d: %w", s.cursor, err)
	}
	s.current = batch
	if len(batch) > 0 {
		s.cursor = batch[len(batch)-1].ID
	}
	return batch, nil
}

// OldestEventDate returns the earliest event date in the current batch.
func (s *Scanner) OldestEventDate() (time.Time, bool) {
	if len(s.current) == 0 {
		return time.Time{}, false
	}
	oldest := s.current[0].EventDate
	for _, e := range s.current[1:] {
		if e.EventDate.Before(oldest) {
			oldest = e.EventDate
		}
	}
	return oldest, true
}

// LastProcessedID is the id a later run can resume from.
func (s *Scanner) LastProcessedID() int64 {
	return s.cursor
}

func (s *Scanner) MaxEligibleID() int64 {
	return s.maxEligibleID
}

func (s *Scanner) Cutoff() time.Time {
	return s.filter.Cutoff
}

func (s *Scanner) BatchStartTime() time.Time {
	return s.batchStartTime
}
