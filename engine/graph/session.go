package graph

import (
	"context"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// CypherResult is the subset of neo4j.ResultWithContext the store reads.
type CypherResult interface {
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
}

// CypherSession is the subset of neo4j.SessionWithContext the store uses.
type CypherSession interface {
	Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error)
	Close(ctx context.Context) error
}

// SessionOpener hands out sessions. Tests substitute a fake.
type SessionOpener interface {
	OpenSession(ctx context.Context) CypherSession
}

type driverOpener struct {
	driver   neo4j.DriverWithContext
	database string
}

func (o *driverOpener) OpenSession(ctx context.Context) CypherSession {
	return &sessionAdapter{sess: o.driver.NewSession(ctx, neo4j.SessionConfig{
		AccessMode:   neo4j.AccessModeRead,
		DatabaseName: o.database,
	})}
}

type sessionAdapter struct {
	sess neo4j.SessionWithContext
}

func (a *sessionAdapter) Run(ctx context.Context, cypher string, params map[string]any) (CypherResult, error) {
	return a.sess.Run(ctx, cypher, params)
}

func (a *sessionAdapter) Close(ctx context.Context) error {
	return a.sess.Close(ctx)
}
