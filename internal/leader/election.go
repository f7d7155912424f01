// Package leader elects a single writer among service instances via etcd.
// The engine's correctness depends on fully serialized mutations; within a
// process the engine mutex provides that, and across a deployment only the
// elected leader accepts mutating calls.
package leader

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
)

const electionPrefix = "/reserved/leader"

// Elector campaigns for and tracks leadership.
type Elector struct {
	client   *clientv3.Client
	session  *concurrency.Session
	election *concurrency.Election
	isLeader atomic.Bool
	instance string
}

// NewElector connects to etcd and prepares an election session. The
// instance name identifies this process in the election key space.
func NewElector(endpoint, instance string) (*Elector, error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{endpoint},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to etcd: %w", err)
	}

	session, err := concurrency.NewSession(client, concurrency.WithTTL(10))
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to create etcd session: %w", err)
	}

	return &Elector{
		client:   client,
		session:  session,
		election: concurrency.NewElection(session, electionPrefix),
		instance: instance,
	}, nil
}

// Campaign blocks until this instance wins the election or ctx is
// cancelled, then holds leadership until the session lapses or Resign is
// called. Leadership loss (session expiry) flips IsLeader back to false.
func (e *Elector) Campaign(ctx context.Context) error {
	if err := e.election.Campaign(ctx, e.instance); err != nil {
		return fmt.Errorf("election campaign failed: %w", err)
	}
	e.isLeader.Store(true)

	go func() {
		<-e.session.Done()
		e.isLeader.Store(false)
	}()

	return nil
}

// IsLeader reports whether this instance currently holds leadership.
func (e *Elector) IsLeader() bool {
	return e.isLeader.Load()
}

// Resign gives up leadership voluntarily.
func (e *Elector) Resign(ctx context.Context) error {
	e.isLeader.Store(false)
	return e.election.Resign(ctx)
}

// Close tears down the session and connection.
func (e *Elector) Close() error {
	e.isLeader.Store(false)
	e.session.Close()
	return e.client.Close()
}
