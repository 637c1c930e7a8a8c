package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fkirchmann/ProductionPilot/internal/connection"
	"github.com/fkirchmann/ProductionPilot/internal/core/config"
	"github.com/fkirchmann/ProductionPilot/internal/subscription"
)

// session runs a connection and subscription worker for the interactive
// commands. close stops the worker before the connection.
type session struct {
	conn    *connection.Connection
	manager *subscription.Manager

	stopWorker  context.CancelFunc
	stopConn    context.CancelFunc
	workerDone  chan struct{}
	sessionDone chan struct{}
}

func openSession(ctx context.Context, cfg *config.Config, logger *slog.Logger, connectTimeout time.Duration) (*session, error) {
	if err := cfg.RequireServer(); err != nil {
		return nil, err
	}
	manager := subscription.NewManager(subscriptionConfig(cfg), logger, nil)
	conn := connection.New(dialer(cfg, logger), manager,
		connection.Config{RetryInterval: cfg.OPC.ConnectRetryInterval}, logger, nil)

	workerCtx, stopWorker := context.WithCancel(context.Background())
	connCtx, stopConn := context.WithCancel(context.Background())
	s := &session{
		conn:        conn,
		manager:     manager,
		stopWorker:  stopWorker,
		stopConn:    stopConn,
		workerDone:  make(chan struct{}),
		sessionDone: make(chan struct{}),
	}
	go func() {
		defer close(s.workerDone)
		manager.Run(workerCtx)
	}()
	go func() {
		defer close(s.sessionDone)
		conn.Run(connCtx)
	}()

	waitCtx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()
	if err := conn.WaitConnected(waitCtx); err != nil {
		s.close()
		return nil, fmt.Errorf("failed to connect to %s: %w", cfg.OPC.ServerURL, err)
	}
	return s, nil
}

func (s *session) close() {
	s.stopWorker()
	<-s.workerDone
	s.stopConn()
	<-s.sessionDone
}
