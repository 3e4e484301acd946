package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/quantfeed/tickvault/internal/domain/schema"
	"github.com/quantfeed/tickvault/internal/provider"
)

// fakeClient records every control call and hands out incrementing ids.
type fakeClient struct {
	mu      sync.Mutex
	name    string
	nextID  int64
	calls   []string
	failing map[string]bool // "symbol/channel" -> reject subscribe
	ids     map[int64]string
}

func newFakeClient(name string) *fakeClient {
	return &fakeClient{name: name, failing: make(map[string]bool), ids: make(map[int64]string)}
}

func (f *fakeClient) Name() string                { return f.name }
func (f *fakeClient) Enabled() bool               { return true }
func (f *fakeClient) SetHandler(provider.Handler) {}
func (f *fakeClient) Start(context.Context) error { return nil }
func (f *fakeClient) Close(context.Context) error { return nil }

func (f *fakeClient) subscribe(channel string, spec schema.SymbolSpec) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := spec.Symbol + "/" + channel
	if f.failing[key] {
		f.calls = append(f.calls, "subscribe-fail "+key)
		return 0, errors.New("provider rejected")
	}
	f.nextID++
	f.ids[f.nextID] = key
	f.calls = append(f.calls, fmt.Sprintf("subscribe %s id=%d", key, f.nextID))
	return f.nextID, nil
}

func (f *fakeClient) unsubscribe(channel string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, fmt.Sprintf("unsubscribe %s id=%d", f.ids[id], id))
	delete(f.ids, id)
	return nil
}

func (f *fakeClient) SubscribeTrades(_ context.Context, s schema.SymbolSpec) (int64, error) {
	return f.subscribe("trades", s)
}
func (f *fakeClient) SubscribeMarketDepth(_ context.Context, s schema.SymbolSpec) (int64, error) {
	return f.subscribe("depth", s)
}
func (f *fakeClient) SubscribeOptionTrades(_ context.Context, s schema.SymbolSpec) (int64, error) {
	return f.subscribe("option-trades", s)
}
func (f *fakeClient) UnsubscribeTrades(_ context.Context, id int64) error {
	return f.unsubscribe("trades", id)
}
func (f *fakeClient) UnsubscribeMarketDepth(_ context.Context, id int64) error {
	return f.unsubscribe("depth", id)
}
func (f *fakeClient) UnsubscribeOptionTrades(_ context.Context, id int64) error {
	return f.unsubscribe("option-trades", id)
}

func (f *fakeClient) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func (f *fakeClient) liveStreams() map[string]bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]bool, len(f.ids))
	for _, key := range f.ids {
		out[key] = true
	}
	return out
}

func tradesSpec(symbol string) schema.SymbolSpec {
	return schema.SymbolSpec{
		Symbol:          symbol,
		SecurityType:    schema.SecurityTypeStock,
		Exchange:        "SMART",
		SubscribeTrades: true,
	}
}

func idFor(t *testing.T, o *Orchestrator, symbol string, channel schema.Channel) int64 {
	t.Helper()
	for _, row := range o.Snapshot() {
		if row.Symbol == symbol && row.Channel == channel {
			return row.ID
		}
	}
	t.Fatalf("no subscription row for %s/%s", symbol, channel)
	return 0
}

func TestApplyDiffsAgainstActiveSet(t *testing.T) {
	client := newFakeClient("fake")
	o := New(Config{}, client, nil, zerolog.Nop())
	ctx := context.Background()

	a := tradesSpec("A")
	a.SubscribeDepth = true
	a.DepthLevels = 5
	if err := o.Apply(ctx, []schema.SymbolSpec{a, tradesSpec("B")}); err != nil {
		t.Fatalf("first apply: %v", err)
	}

	live := client.liveStreams()
	for _, key := range []string{"A/trades", "A/depth", "B/trades"} {
		if !live[key] {
			t.Fatalf("missing stream %s after first apply; live=%v", key, live)
		}
	}
	aTradesID := idFor(t, o, "A", schema.ChannelTrades)
	firstCalls := client.callCount()

	// Second generation drops A's depth and B entirely, and adds C.
	a2 := tradesSpec("A")
	if err := o.Apply(ctx, []schema.SymbolSpec{a2, tradesSpec("C")}); err != nil {
		t.Fatalf("second apply: %v", err)
	}

	live = client.liveStreams()
	want := map[string]bool{"A/trades": true, "C/trades": true}
	if len(live) != len(want) {
		t.Fatalf("live = %v, want %v", live, want)
	}
	for key := range want {
		if !live[key] {
			t.Fatalf("missing stream %s; live=%v", key, live)
		}
	}

	// Exactly three control calls: unsubscribe B trades, unsubscribe A
	// depth, subscribe C trades. A's trades subscription is untouched.
	if got := client.callCount() - firstCalls; got != 3 {
		t.Fatalf("second apply made %d calls: %v", got, client.calls[firstCalls:])
	}
	if got := idFor(t, o, "A", schema.ChannelTrades); got != aTradesID {
		t.Fatalf("A trades id changed %d -> %d; disabling depth must not disturb trades", aTradesID, got)
	}
}

func TestUnchangedSpecIsNotResubscribed(t *testing.T) {
	client := newFakeClient("fake")
	o := New(Config{}, client, nil, zerolog.Nop())
	ctx := context.Background()

	specs := []schema.SymbolSpec{tradesSpec("A"), tradesSpec("B")}
	if err := o.Apply(ctx, specs); err != nil {
		t.Fatalf("first apply: %v", err)
	}
	aID := idFor(t, o, "A", schema.ChannelTrades)
	calls := client.callCount()

	if err := o.Apply(ctx, specs); err != nil {
		t.Fatalf("second apply: %v", err)
	}
	if client.callCount() != calls {
		t.Fatalf("idempotent apply made provider calls: %v", client.calls[calls:])
	}
	if got := idFor(t, o, "A", schema.ChannelTrades); got != aID {
		t.Fatalf("A trades id changed %d -> %d on idempotent apply", aID, got)
	}
}

func TestOptionSymbolsRouteToOptionTrades(t *testing.T) {
	client := newFakeClient("fake")
	o := New(Config{}, client, nil, zerolog.Nop())

	opt := schema.SymbolSpec{
		Symbol:          "AAPL",
		SecurityType:    schema.SecurityTypeOption,
		Exchange:        "SMART",
		SubscribeTrades: true,
		SubscribeDepth:  true,
		DepthLevels:     10,
		Strike:          decimal.NewFromInt(190),
		Right:           schema.OptionRightCall,
		Expiry:          "20261218",
		Multiplier:      "100",
	}
	if err := o.Apply(context.Background(), []schema.SymbolSpec{opt}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	live := client.liveStreams()
	if !live["AAPL/option-trades"] {
		t.Fatalf("option symbol not on option-trades channel; live=%v", live)
	}
	if live["AAPL/trades"] || live["AAPL/depth"] {
		t.Fatalf("option symbol must not hold equity channels; live=%v", live)
	}
}

func TestFailedSubscribeRetriedNextApply(t *testing.T) {
	client := newFakeClient("fake")
	client.failing["A/trades"] = true
	o := New(Config{}, client, nil, zerolog.Nop())
	ctx := context.Background()

	specs := []schema.SymbolSpec{tradesSpec("A")}
	if err := o.Apply(ctx, specs); err != nil {
		t.Fatalf("apply with failing provider: %v", err)
	}
	if got := idFor(t, o, "A", schema.ChannelTrades); got != schema.FailedSubscriptionID {
		t.Fatalf("failed subscribe stored id %d, want sentinel %d", got, schema.FailedSubscriptionID)
	}
	rows := o.Snapshot()
	if len(rows) != 1 || rows[0].State != schema.SubscriptionFailed {
		t.Fatalf("rows = %+v", rows)
	}

	// Provider recovers; the next apply retries and replaces the sentinel.
	client.mu.Lock()
	client.failing["A/trades"] = false
	client.mu.Unlock()
	if err := o.Apply(ctx, specs); err != nil {
		t.Fatalf("retry apply: %v", err)
	}
	if got := idFor(t, o, "A", schema.ChannelTrades); got < 1 {
		t.Fatalf("retry left id %d", got)
	}
}

func TestSwitchProviderReappliesDesiredSet(t *testing.T) {
	first := newFakeClient("first")
	second := newFakeClient("second")
	o := New(Config{}, first, nil, zerolog.Nop())
	ctx := context.Background()

	if err := o.Apply(ctx, []schema.SymbolSpec{tradesSpec("A"), tradesSpec("B")}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	if err := o.SwitchProvider(ctx, second); err != nil {
		t.Fatalf("switch: %v", err)
	}

	if live := first.liveStreams(); len(live) != 0 {
		t.Fatalf("old provider still holds %v", live)
	}
	live := second.liveStreams()
	if !live["A/trades"] || !live["B/trades"] {
		t.Fatalf("new provider missing streams; live=%v", live)
	}
}

func TestApplyPersistsSubscriptionState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "subs.json")
	client := newFakeClient("fake")
	o := New(Config{StatePath: path}, client, nil, zerolog.Nop())

	if err := o.Apply(context.Background(), []schema.SymbolSpec{tradesSpec("A")}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	rows, err := o.LoadPersisted()
	if err != nil {
		t.Fatalf("load persisted: %v", err)
	}
	if len(rows) != 1 || rows[0].Symbol != "A" || !rows[0].Live() {
		t.Fatalf("persisted rows = %+v", rows)
	}
}
