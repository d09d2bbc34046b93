package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// GraphClient runs Cypher against the identity graph.
type GraphClient interface {
	ExecuteRead(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	ExecuteWrite(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error)
	Close(ctx context.Context) error
}

type GraphOptions struct {
	URI            string
	Username       string
	Password       string
	Database       string
	MaxConnections int
}

var ErrMissingURI = errors.New("graph URI is required")

// NewNeo4jClient connects to a Bolt endpoint and verifies connectivity.
func NewNeo4jClient(ctx context.Context, opts GraphOptions) (GraphClient, error) {
	if opts.URI == "" {
		return nil, ErrMissingURI
	}

	auth := neo4j.NoAuth()
	if opts.Username != "" {
		auth = neo4j.BasicAuth(opts.Username, opts.Password, "")
	}

	driver, err := neo4j.NewDriverWithContext(opts.URI, auth, func(c *neo4j.Config) {
		if opts.MaxConnections > 0 {
			c.MaxConnectionPoolSize = opts.MaxConnections
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create neo4j driver: %w", err)
	}
	if err := driver.VerifyConnectivity(ctx); err != nil {
		_ = driver.Close(ctx)
		return nil, fmt.Errorf("verify graph connectivity: %w", err)
	}
	return &neo4jClient{driver: driver, database: opts.Database}, nil
}

type neo4jClient struct {
	driver   neo4j.DriverWithContext
	database string
}

func (c *neo4jClient) run(ctx context.Context, mode neo4j.AccessMode, cypher string, params map[string]any) ([]map[string]any, error) {
	session := c.driver.NewSession(ctx, neo4j.SessionConfig{
		DatabaseName: c.database,
		AccessMode:   mode,
	})
	defer session.Close(ctx)

	res, err := session.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}

	var records []map[string]any
	for res.Next(ctx) {
		rec := res.Record()
		record := make(map[string]any, len(rec.Keys))
		for _, key := range rec.Keys {
			value, _ := rec.Get(key)
			record[key] = value
		}
		records = append(records, record)
	}
	if err := res.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (c *neo4jClient) ExecuteRead(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	return c.run(ctx, neo4j.AccessModeRead, cypher, params)
}

func (c *neo4jClient) ExecuteWrite(ctx context.Context, cypher string, params map[string]any) ([]map[string]any, error) {
	return c.run(ctx, neo4j.AccessModeWrite, cypher, params)
}

func (c *neo4jClient) Close(ctx context.Context) error {
	return c.driver.Close(ctx)
}

const registerSignalCypher = `
MERGE (a:Account {id: $account_id})
MERGE (s:Signal {kind: $kind, value: $value})
MERGE (a)-[:USES]->(s)`

const sharedSignalsCypher = `
MATCH (a:Account {id: $account_a})-[:USES]->(s:Signal)<-[:USES]-(b:Account {id: $account_b})
RETURN s.kind AS kind, s.value AS value`

// GraphProvider answers similarity queries from the identity graph.
type GraphProvider struct {
	client GraphClient
}

func NewGraphProvider(client GraphClient) *GraphProvider {
	return &GraphProvider{client: client}
}

// Register links each of the profile's signals to the account node.
func (p *GraphProvider) Register(ctx context.Context, profile Profile) error {
	if err := validateProfile(profile); err != nil {
		return err
	}
	for _, s := range profile.Signals {
		s = normalize(s)
		_, err := p.client.ExecuteWrite(ctx, registerSignalCypher, map[string]any{
			"account_id": profile.AccountID,
			"kind":       string(s.Kind),
			"value":      s.Value,
		})
		if err != nil {
			return fmt.Errorf("register %s signal for %s: %w", s.Kind, profile.AccountID, err)
		}
	}
	return nil
}

func (p *GraphProvider) Similarity(ctx context.Context, accountA, accountB string) (Match, error) {
	if accountA == accountB {
		return Score(accountA, accountB, nil), nil
	}
	records, err := p.client.ExecuteRead(ctx, sharedSignalsCypher, map[string]any{
		"account_a": accountA,
		"account_b": accountB,
	})
	if err != nil {
		return Match{}, fmt.Errorf("query shared signals: %w", err)
	}

	shared := make([]Signal, 0, len(records))
	for _, rec := range records {
		kind, _ := rec["kind"].(string)
		value, _ := rec["value"].(string)
		if !SignalKind(kind).Valid() || value == "" {
			continue
		}
		shared = append(shared, Signal{Kind: SignalKind(kind), Value: value})
	}
	return Score(accountA, accountB, shared), nil
}
