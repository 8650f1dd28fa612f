package repository_test

import (
	"context"
	"errors"
	"time"

	"github.com/sakashimaa/outbox-service/pkg/kafka"
	"github.com/sakashimaa/outbox-service/pkg/outbox/domain"
	outboxUtils "github.com/sakashimaa/outbox-service/pkg/outbox/utils"
	"github.com/sakashimaa/outbox-service/pkg/outbox/worker"
	"go.uber.org/zap"
)

func (s *IntegrationTestSuite) TestWorker_PublishesSavedMessage() {
	producer, err := kafka.NewProducer(s.KafkaBrokers)
	s.Require().NoError(err)
	defer func() {
		s.Require().NoError(producer.Close())
	}()

	m := s.newMessage(time.Now().UTC())
	s.saveMessages(m)

	processor := worker.NewOutboxProcessor(s.Repo, producer, zap.NewNop(), worker.Config{
		BatchSize:   10,
		Interval:    100 * time.Millisecond,
		MaxAttempts: 10,
	})

	workerCtx, cancel := context.WithCancel(s.Ctx)
	defer cancel()

	go processor.Start(workerCtx)

	s.Require().Eventually(func() bool {
		stored, err := s.Repo.GetMessage(s.Ctx, m.Id)
		if err != nil {
			return false
		}

		return stored.Status == domain.StatusProcessed && stored.ProcessedOn != nil
	}, 10*time.Second, 100*time.Millisecond)
}

func (s *IntegrationTestSuite) TestProcessWithDeduplication_SkipsDuplicate() {
	m := s.newMessage(time.Now().UTC())

	calls := 0
	action := func() error {
		calls++
		return nil
	}

	s.Require().NoError(outboxUtils.ProcessWithDeduplication(s.Ctx, s.DbPool, zap.NewNop(), m.Id, action))
	s.Require().NoError(outboxUtils.ProcessWithDeduplication(s.Ctx, s.DbPool, zap.NewNop(), m.Id, action))

	s.Require().Equal(1, calls)
}

func (s *IntegrationTestSuite) TestProcessWithDeduplication_FailedActionNotRecorded() {
	m := s.newMessage(time.Now().UTC())

	s.Require().Error(outboxUtils.ProcessWithDeduplication(s.Ctx, s.DbPool, zap.NewNop(), m.Id, func() error {
		return errors.New("downstream rejected message")
	}))

	// The failed attempt rolled back, so a redelivery still runs the action.
	calls := 0
	s.Require().NoError(outboxUtils.ProcessWithDeduplication(s.Ctx, s.DbPool, zap.NewNop(), m.Id, func() error {
		calls++
		return nil
	}))
	s.Require().Equal(1, calls)
}
