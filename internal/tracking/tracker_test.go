package tracking

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/suite"

	"github.com/shoprank/shoprank/internal/events"
	"github.com/shoprank/shoprank/pkg/models"
)

type fakeStats struct {
	views     int
	purchases []int
	reviews   []int
	dedupHit  bool
	viewErr   error
}

func (s *fakeStats) RecordView(_ context.Context, _ models.ItemID, _ models.CategoryID, _ models.VisitorIdentity) (bool, error) {
	if s.viewErr != nil {
		return false, s.viewErr
	}
	if s.dedupHit {
		return false, nil
	}
	s.views++
	return true, nil
}

func (s *fakeStats) RecordPurchase(_ context.Context, _ models.ItemID, quantity int) error {
	s.purchases = append(s.purchases, quantity)
	return nil
}

func (s *fakeStats) RecordReview(_ context.Context, _ models.ItemID, rating int) error {
	s.reviews = append(s.reviews, rating)
	return nil
}

type fakeCatalog struct {
	categories map[models.ItemID][]models.CategoryID
}

func (c *fakeCatalog) ListCategoryIDs(_ context.Context, itemID models.ItemID) ([]models.CategoryID, error) {
	return c.categories[itemID], nil
}

type TrackerSuite struct {
	suite.Suite

	stats    *fakeStats
	catalog  *fakeCatalog
	bus      *events.Bus
	received []events.ItemChanged
}

func TestTrackerSuite(t *testing.T) {
	suite.Run(t, new(TrackerSuite))
}

func (s *TrackerSuite) SetupTest() {
	s.stats = &fakeStats{}
	s.catalog = &fakeCatalog{categories: map[models.ItemID][]models.CategoryID{
		1: {10, 20},
	}}
	s.bus = events.NewBus(zerolog.Nop())
	s.received = nil
	s.bus.Subscribe(func(_ context.Context, ev events.ItemChanged) {
		s.received = append(s.received, ev)
	})
}

func (s *TrackerSuite) newTracker(cfg Config) *Tracker {
	return NewTracker(s.stats, s.catalog, s.bus, cfg, zerolog.Nop())
}

// ============================================================================
// VIEWS
// ============================================================================

func (s *TrackerSuite) TestViewCountsAndPublishes() {
	tr := s.newTracker(Config{TrackAnonymous: true, AutoUpdate: true})

	counted, err := tr.RecordView(context.Background(), 1, 10, models.UserVisitor("7"))
	s.Require().NoError(err)
	s.True(counted)
	s.Equal(1, s.stats.views)

	s.Require().Len(s.received, 1)
	s.Equal(events.ReasonView, s.received[0].Reason)
	s.Equal(models.ItemID(1), s.received[0].ItemID)
	s.Equal([]models.CategoryID{10, 20}, s.received[0].CategoryIDs)
}

func (s *TrackerSuite) TestAnonymousViewDroppedWhenDisabled() {
	tr := s.newTracker(Config{TrackAnonymous: false, AutoUpdate: true})

	counted, err := tr.RecordView(context.Background(), 1, 10, models.AnonymousVisitor("sess"))
	s.Require().NoError(err)
	s.False(counted)
	s.Zero(s.stats.views)
	s.Empty(s.received)
}

func (s *TrackerSuite) TestAnonymousViewCountsWhenEnabled() {
	tr := s.newTracker(Config{TrackAnonymous: true})

	counted, err := tr.RecordView(context.Background(), 1, 10, models.AnonymousVisitor("sess"))
	s.Require().NoError(err)
	s.True(counted)
}

func (s *TrackerSuite) TestDedupedViewPublishesNothing() {
	s.stats.dedupHit = true
	tr := s.newTracker(Config{TrackAnonymous: true, AutoUpdate: true})

	counted, err := tr.RecordView(context.Background(), 1, 10, models.UserVisitor("7"))
	s.Require().NoError(err)
	s.False(counted)
	s.Empty(s.received)
}

func (s *TrackerSuite) TestInvalidVisitorRejected() {
	tr := s.newTracker(Config{TrackAnonymous: true})

	_, err := tr.RecordView(context.Background(), 1, 10, models.VisitorIdentity{})
	s.Error(err)
}

func (s *TrackerSuite) TestViewStoreErrorPropagates() {
	s.stats.viewErr = errors.New("db down")
	tr := s.newTracker(Config{TrackAnonymous: true})

	_, err := tr.RecordView(context.Background(), 1, 10, models.UserVisitor("7"))
	s.Error(err)
}

// ============================================================================
// PURCHASES AND REVIEWS
// ============================================================================

func (s *TrackerSuite) TestPurchaseClampsQuantityAndPublishes() {
	tr := s.newTracker(Config{AutoUpdate: true})

	s.Require().NoError(tr.RecordPurchase(context.Background(), 1, 0))
	s.Require().NoError(tr.RecordPurchase(context.Background(), 1, 3))

	s.Equal([]int{1, 3}, s.stats.purchases)
	s.Require().Len(s.received, 2)
	s.Equal(events.ReasonPurchase, s.received[0].Reason)
}

func (s *TrackerSuite) TestReviewPublishes() {
	tr := s.newTracker(Config{AutoUpdate: true})

	s.Require().NoError(tr.RecordReview(context.Background(), 1, 5))
	s.Equal([]int{5}, s.stats.reviews)
	s.Require().Len(s.received, 1)
	s.Equal(events.ReasonReview, s.received[0].Reason)
}

// ============================================================================
// AUTO-UPDATE TOGGLE
// ============================================================================

func (s *TrackerSuite) TestNoEventsWhenAutoUpdateOff() {
	tr := s.newTracker(Config{TrackAnonymous: true, AutoUpdate: false})

	_, err := tr.RecordView(context.Background(), 1, 10, models.UserVisitor("7"))
	s.Require().NoError(err)
	s.Require().NoError(tr.RecordPurchase(context.Background(), 1, 1))
	s.Require().NoError(tr.RecordReview(context.Background(), 1, 4))

	s.Empty(s.received)
}

func (s *TrackerSuite) TestUncategorizedItemPublishesNothing() {
	tr := s.newTracker(Config{AutoUpdate: true})

	s.Require().NoError(tr.RecordPurchase(context.Background(), 99, 1))
	s.Empty(s.received)
}
