package graph

import (
	"context"
	"fmt"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// resultIterator abstracts the subset of neo4j.ResultWithContext we use.
type resultIterator interface {
	Keys() ([]string, error)
	Next(ctx context.Context) bool
	Record() *neo4j.Record
	Err() error
	Consume(ctx context.Context) error
}

// txRunner abstracts the subset of neo4j.ExplicitTransaction we use.
type txRunner interface {
	Run(ctx context.Context, cypher string, params map[string]any) (resultIterator, error)
	Commit(ctx context.Context) error
	Rollback(ctx context.Context) error
}

// txConfig carries the server-side settings of one explicit transaction.
type txConfig struct {
	Timeout  time.Duration
	Metadata map[string]any
}

// sessionRunner abstracts the subset of neo4j.SessionWithContext we use.
type sessionRunner interface {
	BeginTransaction(ctx context.Context, cfg txConfig) (txRunner, error)
	Close(ctx context.Context) error
}

// driverConn abstracts the subset of neo4j.DriverWithContext we use.
type driverConn interface {
	NewSession(ctx context.Context, database string) sessionRunner
	VerifyConnectivity(ctx context.Context) error
	ServerAgent(ctx context.Context) (string, error)
	Close(ctx context.Context) error
}

// dialer opens a driver for the given endpoint and credentials. It must not
// perform I/O; connectivity is verified separately.
type dialer func(uri, username, password string) (driverConn, error)

// neo4jDial is the dialer backed by the real neo4j driver.
func neo4jDial(uri, username, password string) (driverConn, error) {
	auth := neo4j.NoAuth()
	if username != "" {
		auth = neo4j.BasicAuth(username, password, "")
	}
	driver, err := neo4j.NewDriverWithContext(uri, auth)
	if err != nil {
		return nil, fmt.Errorf("creating neo4j driver: %w", err)
	}
	return &neo4jDriverAdapter{driver: driver}, nil
}

// neo4jDriverAdapter wraps a real neo4j.DriverWithContext to implement driverConn.
type neo4jDriverAdapter struct {
	driver neo4j.DriverWithContext
}

func (a *neo4jDriverAdapter) NewSession(ctx context.Context, database string) sessionRunner {
	return &neo4jSessionAdapter{session: a.driver.NewSession(ctx, neo4j.SessionConfig{DatabaseName: database})}
}

func (a *neo4jDriverAdapter) VerifyConnectivity(ctx context.Context) error {
	return a.driver.VerifyConnectivity(ctx)
}

func (a *neo4jDriverAdapter) ServerAgent(ctx context.Context) (string, error) {
	info, err := a.driver.GetServerInfo(ctx)
	if err != nil {
		return "", err
	}
	return info.Agent(), nil
}

func (a *neo4jDriverAdapter) Close(ctx context.Context) error {
	return a.driver.Close(ctx)
}

// neo4jSessionAdapter wraps a real neo4j.SessionWithContext to implement sessionRunner.
type neo4jSessionAdapter struct {
	session neo4j.SessionWithContext
}

func (a *neo4jSessionAdapter) BeginTransaction(ctx context.Context, cfg txConfig) (txRunner, error) {
	var opts []func(*neo4j.TransactionConfig)
	if cfg.Timeout > 0 {
		opts = append(opts, neo4j.WithTxTimeout(cfg.Timeout))
	}
	if len(cfg.Metadata) > 0 {
		opts = append(opts, neo4j.WithTxMetadata(cfg.Metadata))
	}
	tx, err := a.session.BeginTransaction(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return &neo4jTxAdapter{tx: tx}, nil
}

func (a *neo4jSessionAdapter) Close(ctx context.Context) error {
	return a.session.Close(ctx)
}

// neo4jTxAdapter wraps a real neo4j.ExplicitTransaction to implement txRunner.
type neo4jTxAdapter struct {
	tx neo4j.ExplicitTransaction
}

func (a *neo4jTxAdapter) Run(ctx context.Context, cypher string, params map[string]any) (resultIterator, error) {
	res, err := a.tx.Run(ctx, cypher, params)
	if err != nil {
		return nil, err
	}
	return &neo4jResultAdapter{result: res}, nil
}

func (a *neo4jTxAdapter) Commit(ctx context.Context) error   { return a.tx.Commit(ctx) }
func (a *neo4jTxAdapter) Rollback(ctx context.Context) error { return a.tx.Rollback(ctx) }

// neo4jResultAdapter wraps a real neo4j.ResultWithContext to implement resultIterator.
type neo4jResultAdapter struct {
	result neo4j.ResultWithContext
}

func (a *neo4jResultAdapter) Keys() ([]string, error)       { return a.result.Keys() }
func (a *neo4jResultAdapter) Next(ctx context.Context) bool { return a.result.Next(ctx) }
func (a *neo4jResultAdapter) Record() *neo4j.Record         { return a.result.Record() }
func (a *neo4jResultAdapter) Err() error                    { return a.result.Err() }

func (a *neo4jResultAdapter) Consume(ctx context.Context) error {
	_, err := a.result.Consume(ctx)
	return err
}
