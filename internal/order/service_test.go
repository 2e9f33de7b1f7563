package order_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/vasiliy-maslov/kds-service/internal/broadcast"
	"github.com/vasiliy-maslov/kds-service/internal/catalog"
	"github.com/vasiliy-maslov/kds-service/internal/clock"
	"github.com/vasiliy-maslov/kds-service/internal/order"
	"github.com/vasiliy-maslov/kds-service/internal/storage/memory"
)

type recordingPublisher struct {
	mu       sync.Mutex
	events   []broadcast.Event
	displays int
}

func (p *recordingPublisher) Publish(e broadcast.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
}

func (p *recordingPublisher) CountFor(string) int {
	return p.displays
}

func (p *recordingPublisher) Events() []broadcast.Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]broadcast.Event(nil), p.events...)
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []order.StatusEvent
	err   error
}

func (n *recordingNotifier) Enqueue(_ order.Order, e order.StatusEvent) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.calls = append(n.calls, e)
	return nil
}

func (n *recordingNotifier) Calls() []order.StatusEvent {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]order.StatusEvent(nil), n.calls...)
}

type fixture struct {
	svc       order.Service
	store     *memory.Store
	catalog   *catalog.MemoryCatalog
	publisher *recordingPublisher
	notifier  *recordingNotifier
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	clk := clock.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	store := memory.NewStore(clk)
	items := catalog.NewMemoryCatalog(
		catalog.Item{ID: "A", RestaurantID: "main", Name: "Falafel wrap", Price: decimal.RequireFromString("5.00"), IsAvailable: true},
		catalog.Item{ID: "B", RestaurantID: "main", Name: "Lemonade", Price: decimal.RequireFromString("2.50"), IsAvailable: true},
		catalog.Item{ID: "C", RestaurantID: "main", Name: "Soup of the day", Price: decimal.RequireFromString("4.00"), IsAvailable: false},
	)
	pricing := order.Pricing{
		TaxRate:        decimal.Zero,
		ServiceCharges: map[order.OrderType]decimal.Decimal{order.TypeDelivery: decimal.RequireFromString("0.10")},
	}

	f := &fixture{
		store:     store,
		catalog:   items,
		publisher: &recordingPublisher{},
		notifier:  &recordingNotifier{},
	}
	f.svc = order.NewService(
		store,
		catalog.NewResolver(items, time.Second),
		order.NewFactory(pricing, store, clk),
		f.publisher,
		f.notifier,
	)
	return f
}

func validInput() order.SubmitInput {
	return order.SubmitInput{
		RestaurantID:    "main",
		CustomerName:    "Ada",
		ContactHandle:   "+15550100",
		Source:          order.SourceWeb,
		OrderType:       order.TypeDelivery,
		DeliveryAddress: "1 Main St",
		Items:           []catalog.RequestedItem{{ItemID: "A", Quantity: 2}},
	}
}

func statusPtr(s order.Status) *order.Status {
	return &s
}

func TestService_SubmitPricesFromCatalog(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.Submit(context.Background(), validInput())
	require.NoError(t, err)

	o := res.Order
	assert.Equal(t, "10.00", o.Subtotal.StringFixed(2))
	assert.Equal(t, "1.00", o.ServiceCharge.StringFixed(2))
	assert.Equal(t, "11.00", o.Total.StringFixed(2))
	assert.Equal(t, order.StatusNew, o.Status)
	assert.Regexp(t, `^WEB-\d{4}$`, o.DisplayCode)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "Falafel wrap", o.Items[0].Name)

	stored, err := f.store.GetByID(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, o.Total.String(), stored.Total.String())

	events := f.publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, broadcast.EventOrderCreated, events[0].Type)
	assert.Equal(t, int64(1), events[0].Sequence)
	assert.Equal(t, "main", events[0].RestaurantID)

	require.Len(t, f.notifier.Calls(), 1)
	assert.Contains(t, res.Warnings, order.WarningNoActiveDisplays)
}

func TestService_SubmitNoWarningsWithDisplays(t *testing.T) {
	f := newFixture(t)
	f.publisher.displays = 2

	res, err := f.svc.Submit(context.Background(), validInput())
	require.NoError(t, err)
	assert.Empty(t, res.Warnings)
}

func TestService_SubmitRejected(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(in *order.SubmitInput)
		wantErr error
		field   string
	}{
		{name: "missing name", mutate: func(in *order.SubmitInput) { in.CustomerName = "  " }, field: "customer_name"},
		{name: "missing contact", mutate: func(in *order.SubmitInput) { in.ContactHandle = "" }, field: "contact_handle"},
		{name: "no items", mutate: func(in *order.SubmitInput) { in.Items = nil }, field: "items"},
		{name: "delivery without address", mutate: func(in *order.SubmitInput) { in.DeliveryAddress = "" }, field: "delivery_address"},
		{name: "unknown source", mutate: func(in *order.SubmitInput) { in.Source = "fax" }, field: "source"},
		{name: "unavailable item", mutate: func(in *order.SubmitInput) {
			in.Items = []catalog.RequestedItem{{ItemID: "A", Quantity: 1}, {ItemID: "C", Quantity: 1}}
		}, wantErr: catalog.ErrItemUnavailable},
		{name: "unknown item", mutate: func(in *order.SubmitInput) {
			in.Items = []catalog.RequestedItem{{ItemID: "Z", Quantity: 1}}
		}, wantErr: catalog.ErrItemNotFound},
		{name: "zero quantity", mutate: func(in *order.SubmitInput) {
			in.Items = []catalog.RequestedItem{{ItemID: "A", Quantity: 0}}
		}, wantErr: catalog.ErrInvalidQuantity},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			in := validInput()
			tt.mutate(&in)

			_, err := f.svc.Submit(context.Background(), in)
			require.Error(t, err)
			if tt.wantErr != nil {
				assert.ErrorIs(t, err, tt.wantErr)
			} else {
				var verr order.ValidationError
				require.ErrorAs(t, err, &verr)
				assert.Equal(t, tt.field, verr.Field)
			}

			orders, err := f.store.List(context.Background(), order.Filter{RestaurantID: "main", Limit: 50})
			require.NoError(t, err)
			assert.Empty(t, orders, "no order may be stored")
			assert.Empty(t, f.publisher.Events(), "nothing may be broadcast")
			assert.Empty(t, f.notifier.Calls())
		})
	}
}

func TestService_SubmitUnavailableNamesItem(t *testing.T) {
	f := newFixture(t)
	in := validInput()
	in.Items = []catalog.RequestedItem{{ItemID: "C", Quantity: 1}}

	_, err := f.svc.Submit(context.Background(), in)

	var itemErr *catalog.ItemError
	require.ErrorAs(t, err, &itemErr)
	assert.Equal(t, "C", itemErr.ItemID)
}

func TestService_NotificationFailureIsAWarning(t *testing.T) {
	f := newFixture(t)
	f.publisher.displays = 1
	f.notifier.err = errors.New("queue full")

	res, err := f.svc.Submit(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, []string{order.WarningNotificationNotQueued}, res.Warnings)

	_, err = f.store.GetByID(context.Background(), res.Order.ID)
	assert.NoError(t, err, "order stays committed")
}

func advance(t *testing.T, svc order.Service, id string, statuses ...order.Status) {
	t.Helper()
	for _, s := range statuses {
		_, err := svc.Transition(context.Background(), order.TransitionRequest{OrderID: id, Target: s, Actor: "kitchen"})
		require.NoError(t, err)
	}
}

func TestService_TransitionNewToCompletedIsIllegal(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Submit(context.Background(), validInput())
	require.NoError(t, err)

	_, err = f.svc.Transition(context.Background(), order.TransitionRequest{OrderID: res.Order.ID, Target: order.StatusCompleted})
	assert.ErrorIs(t, err, order.ErrIllegalTransition)

	got, err := f.svc.Get(context.Background(), res.Order.ID)
	require.NoError(t, err)
	assert.Equal(t, order.StatusNew, got.Status)
	assert.Len(t, f.publisher.Events(), 1, "only the creation was broadcast")
}

func TestService_TransitionPublishesAndNotifies(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Submit(context.Background(), validInput())
	require.NoError(t, err)

	updated, err := f.svc.Transition(context.Background(), order.TransitionRequest{
		OrderID:  res.Order.ID,
		Expected: statusPtr(order.StatusNew),
		Target:   order.StatusConfirmed,
	})
	require.NoError(t, err)
	assert.Equal(t, order.StatusConfirmed, updated.Status)

	events := f.publisher.Events()
	require.Len(t, events, 2)
	assert.Equal(t, broadcast.EventStatusChanged, events[1].Type)
	assert.Equal(t, int64(2), events[1].Sequence)

	change, ok := events[1].Payload.(order.StatusChange)
	require.True(t, ok)
	assert.Equal(t, order.StatusNew, change.FromStatus)
	assert.Equal(t, order.StatusConfirmed, change.ToStatus)
	assert.Equal(t, "operator", change.Actor)

	calls := f.notifier.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, order.StatusConfirmed, calls[1].ToStatus)
}

func TestService_RacingTransitionsExactlyOneWins(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Submit(context.Background(), validInput())
	require.NoError(t, err)
	id := res.Order.ID
	advance(t, f.svc, id, order.StatusConfirmed, order.StatusPreparing, order.StatusReady)

	var (
		wg    sync.WaitGroup
		start = make(chan struct{})
		errs  = make([]error, 2)
	)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, errs[i] = f.svc.Transition(context.Background(), order.TransitionRequest{
				OrderID:  id,
				Expected: statusPtr(order.StatusReady),
				Target:   order.StatusCompleted,
			})
		}(i)
	}
	close(start)
	wg.Wait()

	var ok, stale int
	for _, err := range errs {
		switch {
		case err == nil:
			ok++
		case errors.Is(err, order.ErrStaleTransition):
			stale++
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, stale)

	got, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, order.StatusCompleted, got.Status)

	history, err := f.svc.History(context.Background(), id)
	require.NoError(t, err)
	completed := 0
	for _, e := range history {
		if e.ToStatus == order.StatusCompleted {
			completed++
		}
	}
	assert.Equal(t, 1, completed)
}

func TestService_Bump(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Submit(context.Background(), validInput())
	require.NoError(t, err)
	id := res.Order.ID

	want := []order.Status{
		order.StatusConfirmed,
		order.StatusPreparing,
		order.StatusReady,
		order.StatusOutForDelivery,
		order.StatusCompleted,
	}
	for _, status := range want {
		o, err := f.svc.Bump(context.Background(), id, "expo")
		require.NoError(t, err)
		assert.Equal(t, status, o.Status)
	}

	_, err = f.svc.Bump(context.Background(), id, "expo")
	assert.ErrorIs(t, err, order.ErrIllegalTransition)

	_, err = f.svc.Bump(context.Background(), "missing", "expo")
	assert.ErrorIs(t, err, order.ErrOrderNotFound)
}

func TestService_ListAndStats(t *testing.T) {
	f := newFixture(t)
	first, err := f.svc.Submit(context.Background(), validInput())
	require.NoError(t, err)

	in := validInput()
	in.Source = order.SourcePhone
	in.OrderType = order.TypePickup
	in.Items = []catalog.RequestedItem{{ItemID: "B", Quantity: 2}}
	second, err := f.svc.Submit(context.Background(), in)
	require.NoError(t, err)
	assert.Regexp(t, `^PH-\d{4}$`, second.Order.DisplayCode)

	advance(t, f.svc, second.Order.ID, order.StatusConfirmed, order.StatusPreparing, order.StatusReady, order.StatusCompleted)

	active, err := f.svc.List(context.Background(), order.Filter{RestaurantID: "main", Statuses: order.ActiveStatuses(), Limit: 50})
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, first.Order.ID, active[0].ID)

	stats, err := f.svc.Stats(context.Background(), "main", nil)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Total)
	assert.Equal(t, 1, stats.BySource[order.SourcePhone])
	assert.Equal(t, "5.00", stats.CompletedRevenue.StringFixed(2))
}

type mockRepository struct {
	mock.Mock
}

func (m *mockRepository) ActiveCodeExists(ctx context.Context, restaurantID, code string) (bool, error) {
	args := m.Called(ctx, restaurantID, code)
	return args.Bool(0), args.Error(1)
}

func (m *mockRepository) Insert(ctx context.Context, o *order.Order) (*order.StatusEvent, error) {
	args := m.Called(ctx, o)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.StatusEvent), args.Error(1)
}

func (m *mockRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Order), args.Error(1)
}

func (m *mockRepository) GetByIDs(ctx context.Context, ids []string) ([]order.Order, error) {
	args := m.Called(ctx, ids)
	return args.Get(0).([]order.Order), args.Error(1)
}

func (m *mockRepository) List(ctx context.Context, f order.Filter) ([]order.Order, error) {
	args := m.Called(ctx, f)
	return args.Get(0).([]order.Order), args.Error(1)
}

func (m *mockRepository) Transition(ctx context.Context, req order.TransitionRequest) (*order.Order, *order.StatusEvent, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, nil, args.Error(2)
	}
	return args.Get(0).(*order.Order), args.Get(1).(*order.StatusEvent), args.Error(2)
}

func (m *mockRepository) History(ctx context.Context, orderID string) ([]order.StatusEvent, error) {
	args := m.Called(ctx, orderID)
	return args.Get(0).([]order.StatusEvent), args.Error(1)
}

func (m *mockRepository) EventsSince(ctx context.Context, restaurantID string, afterSeq int64, limit int) ([]order.StatusEvent, error) {
	args := m.Called(ctx, restaurantID, afterSeq, limit)
	return args.Get(0).([]order.StatusEvent), args.Error(1)
}

func (m *mockRepository) Stats(ctx context.Context, restaurantID string, since *time.Time) (*order.Stats, error) {
	args := m.Called(ctx, restaurantID, since)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*order.Stats), args.Error(1)
}

func newMockedService(repo *mockRepository, codes func(order.Source) (string, error)) (order.Service, *recordingPublisher) {
	items := catalog.NewMemoryCatalog(
		catalog.Item{ID: "A", RestaurantID: "main", Name: "Falafel wrap", Price: decimal.RequireFromString("5.00"), IsAvailable: true},
	)
	clk := clock.NewFixed(time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	publisher := &recordingPublisher{displays: 1}
	svc := order.NewService(
		repo,
		catalog.NewResolver(items, time.Second),
		order.NewFactory(order.Pricing{}, repo, clk, order.WithCodeGenerator(codes)),
		publisher,
		&recordingNotifier{},
	)
	return svc, publisher
}

func TestService_SubmitRetriesDisplayCodeConflict(t *testing.T) {
	repo := new(mockRepository)
	codes := []string{"WEB-1111", "WEB-2222"}
	next := 0
	svc, publisher := newMockedService(repo, func(order.Source) (string, error) {
		code := codes[next]
		next++
		return code, nil
	})

	repo.On("ActiveCodeExists", mock.Anything, "main", mock.Anything).Return(false, nil)
	repo.On("Insert", mock.Anything, mock.MatchedBy(func(o *order.Order) bool { return o.DisplayCode == "WEB-1111" })).
		Return(nil, order.ErrDisplayCodeConflict).Once()
	repo.On("Insert", mock.Anything, mock.MatchedBy(func(o *order.Order) bool { return o.DisplayCode == "WEB-2222" })).
		Return(&order.StatusEvent{Sequence: 7, RestaurantID: "main", ToStatus: order.StatusNew}, nil).Once()

	res, err := svc.Submit(context.Background(), validInput())
	require.NoError(t, err)
	assert.Equal(t, "WEB-2222", res.Order.DisplayCode)

	events := publisher.Events()
	require.Len(t, events, 1)
	assert.Equal(t, int64(7), events[0].Sequence)
	repo.AssertExpectations(t)
}

func TestService_SubmitDuplicateIDIsIntegrityError(t *testing.T) {
	repo := new(mockRepository)
	svc, publisher := newMockedService(repo, func(order.Source) (string, error) { return "WEB-1111", nil })

	repo.On("ActiveCodeExists", mock.Anything, "main", "WEB-1111").Return(false, nil)
	repo.On("Insert", mock.Anything, mock.Anything).Return(nil, order.ErrDuplicateID).Once()

	_, err := svc.Submit(context.Background(), validInput())
	assert.ErrorIs(t, err, order.ErrDuplicateID)
	assert.True(t, order.IsIntegrityError(err))
	assert.Empty(t, publisher.Events())
	repo.AssertExpectations(t)
}

func TestService_TransitionStoreFailure(t *testing.T) {
	repo := new(mockRepository)
	svc, publisher := newMockedService(repo, nil)

	dbErr := errors.New("connection refused")
	repo.On("Transition", mock.Anything, mock.Anything).Return(nil, nil, dbErr).Once()

	_, err := svc.Transition(context.Background(), order.TransitionRequest{OrderID: "o1", Target: order.StatusConfirmed})
	assert.ErrorIs(t, err, dbErr)
	assert.Empty(t, publisher.Events())
	repo.AssertExpectations(t)
}

func TestEventLog_ReplaysWithPinnedStatus(t *testing.T) {
	f := newFixture(t)
	res, err := f.svc.Submit(context.Background(), validInput())
	require.NoError(t, err)
	advance(t, f.svc, res.Order.ID, order.StatusConfirmed, order.StatusPreparing)

	log := order.NewEventLog(f.store)
	events, err := log.EventsSince(context.Background(), "main", 0, 100)
	require.NoError(t, err)
	require.Len(t, events, 3)

	created, ok := events[0].Payload.(order.View)
	require.True(t, ok)
	assert.Equal(t, broadcast.EventOrderCreated, events[0].Type)
	assert.Equal(t, order.StatusNew, created.Status)

	change, ok := events[1].Payload.(order.StatusChange)
	require.True(t, ok)
	assert.Equal(t, order.StatusConfirmed, change.Order.Status)

	tail, err := log.EventsSince(context.Background(), "main", 2, 100)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Sequence)

	assert.Equal(t, f.publisher.Events(), events, "replay matches what was pushed live")
}
