package identity

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/peterldowns/testy/assert"
	"github.com/peterldowns/testy/check"

	"github.com/cloudx-io/openmarket/clock"
)

func TestMemoryProvider_SharedContact(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	assert.NoError(t, p.Register(ctx, Profile{AccountID: "seller", Signals: []Signal{
		{Kind: SignalEmail, Value: "Shop@Example.com"},
		{Kind: SignalIP, Value: "10.0.0.1"},
	}}))
	assert.NoError(t, p.Register(ctx, Profile{AccountID: "bidder", Signals: []Signal{
		{Kind: SignalEmail, Value: "shop@example.com "},
		{Kind: SignalIP, Value: "10.0.0.1"},
	}}))

	m, err := p.Similarity(ctx, "seller", "bidder")
	assert.NoError(t, err)
	check.Equal(t, []string{"email:shop@example.com"}, m.SharedContacts)
	check.Equal(t, []string{"email:shop@example.com", "ip:10.0.0.1"}, m.Signals)
	check.True(t, m.Score > 0.79 && m.Score < 0.81)
}

func TestMemoryProvider_ScoreCapped(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	signals := []Signal{
		{Kind: SignalPhone, Value: "+15550100"},
		{Kind: SignalDevice, Value: "dev-1"},
		{Kind: SignalPayment, Value: "card-9"},
	}
	assert.NoError(t, p.Register(ctx, Profile{AccountID: "a", Signals: signals}))
	assert.NoError(t, p.Register(ctx, Profile{AccountID: "b", Signals: signals}))

	m, err := p.Similarity(ctx, "a", "b")
	assert.NoError(t, err)
	check.Equal(t, 1.0, m.Score)
}

func TestMemoryProvider_NoOverlap(t *testing.T) {
	ctx := context.Background()
	p := NewMemoryProvider()
	assert.NoError(t, p.Register(ctx, Profile{AccountID: "a", Signals: []Signal{{Kind: SignalDevice, Value: "x"}}}))

	m, err := p.Similarity(ctx, "a", "unknown")
	assert.NoError(t, err)
	check.Equal(t, 0.0, m.Score)
	check.Equal(t, 0, len(m.SharedContacts))
}

func TestRegister_RejectsInvalidProfile(t *testing.T) {
	p := NewMemoryProvider()
	err := p.Register(context.Background(), Profile{AccountID: "a", Signals: []Signal{{Kind: "fax", Value: "1"}}})
	check.True(t, errors.Is(err, ErrInvalidProfile))

	err = p.Register(context.Background(), Profile{})
	check.True(t, errors.Is(err, ErrInvalidProfile))
}

type fakeGraph struct {
	mu      sync.Mutex
	writes  []map[string]any
	records []map[string]any
	err     error
	reads   int
}

func (g *fakeGraph) ExecuteRead(_ context.Context, cypher string, _ map[string]any) ([]map[string]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.reads++
	if g.err != nil {
		return nil, g.err
	}
	if !strings.Contains(cypher, "MATCH") {
		return nil, errors.New("unexpected read query")
	}
	return g.records, nil
}

func (g *fakeGraph) ExecuteWrite(_ context.Context, _ string, params map[string]any) ([]map[string]any, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.err != nil {
		return nil, g.err
	}
	g.writes = append(g.writes, params)
	return nil, nil
}

func (g *fakeGraph) Close(context.Context) error { return nil }

func TestGraphProvider_Register(t *testing.T) {
	g := &fakeGraph{}
	p := NewGraphProvider(g)
	err := p.Register(context.Background(), Profile{AccountID: "a", Signals: []Signal{
		{Kind: SignalEmail, Value: "A@X.io"},
		{Kind: SignalDevice, Value: "d1"},
	}})
	assert.NoError(t, err)
	assert.Equal(t, 2, len(g.writes))
	check.Equal(t, "a@x.io", g.writes[0]["value"])
	check.Equal(t, "device", g.writes[1]["kind"])
}

func TestGraphProvider_Similarity(t *testing.T) {
	g := &fakeGraph{records: []map[string]any{
		{"kind": "phone", "value": "+15550100"},
		{"kind": "device", "value": "d1"},
		{"kind": "payment", "value": "card-9"},
		{"kind": "bogus", "value": "ignored"},
	}}
	m, err := NewGraphProvider(g).Similarity(context.Background(), "a", "b")
	assert.NoError(t, err)
	check.Equal(t, []string{"phone:+15550100"}, m.SharedContacts)
	check.Equal(t, 1.0, m.Score)
}

func TestGraphProvider_QueryError(t *testing.T) {
	g := &fakeGraph{err: errors.New("connection reset")}
	_, err := NewGraphProvider(g).Similarity(context.Background(), "a", "b")
	check.Error(t, err)
}

func TestNewNeo4jClient_RequiresURI(t *testing.T) {
	_, err := NewNeo4jClient(context.Background(), GraphOptions{})
	check.True(t, errors.Is(err, ErrMissingURI))
}

func TestCachedProvider(t *testing.T) {
	g := &fakeGraph{records: []map[string]any{{"kind": "device", "value": "d1"}}}
	clk := clock.NewManual(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	p, err := NewCachedProvider(NewGraphProvider(g), 16, time.Minute, clk)
	assert.NoError(t, err)

	ctx := context.Background()
	_, err = p.Similarity(ctx, "a", "b")
	assert.NoError(t, err)
	m, err := p.Similarity(ctx, "b", "a")
	assert.NoError(t, err)
	check.Equal(t, 1, g.reads)
	check.Equal(t, "b", m.AccountA)

	clk.Advance(2 * time.Minute)
	_, err = p.Similarity(ctx, "a", "b")
	assert.NoError(t, err)
	check.Equal(t, 2, g.reads)

	p.Invalidate()
	_, err = p.Similarity(ctx, "a", "b")
	assert.NoError(t, err)
	check.Equal(t, 3, g.reads)
}

func TestCachedProvider_RegisterInvalidates(t *testing.T) {
	mem := NewMemoryProvider()
	clk := clock.NewManual(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	p, err := NewCachedProvider(mem, 16, time.Hour, clk)
	assert.NoError(t, err)
	ctx := context.Background()

	m, err := p.Similarity(ctx, "a", "b")
	assert.NoError(t, err)
	check.Equal(t, 0.0, m.Score)

	assert.NoError(t, p.Register(ctx, Profile{AccountID: "a", Signals: []Signal{{Kind: SignalDevice, Value: "d1"}}}))
	assert.NoError(t, p.Register(ctx, Profile{AccountID: "b", Signals: []Signal{{Kind: SignalDevice, Value: "d1"}}}))

	m, err = p.Similarity(ctx, "a", "b")
	assert.NoError(t, err)
	check.True(t, m.Score > 0)

	err = p.Register(ctx, Profile{})
	check.True(t, errors.Is(err, ErrInvalidProfile))
}
