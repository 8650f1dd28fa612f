package repository_test

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sakashimaa/outbox-service/pkg/outbox/domain"
	"github.com/sakashimaa/outbox-service/pkg/outbox/repository"
)

func (s *IntegrationTestSuite) TestGetUnprocessedMessages_Ordering() {
	base := time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC)
	first := s.newMessage(base)
	second := s.newMessage(base.Add(time.Minute))
	third := s.newMessage(base.Add(2 * time.Minute))

	s.saveMessages(third, first, second)

	batch, err := s.Repo.GetUnprocessedMessages(s.Ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(batch, 2)
	s.Require().Equal(first.Id, batch[0].Id)
	s.Require().Equal(second.Id, batch[1].Id)

	s.Require().NoError(s.Repo.MarkMessageAsProcessed(s.Ctx, first.Id))

	batch, err = s.Repo.GetUnprocessedMessages(s.Ctx, 2)
	s.Require().NoError(err)
	s.Require().Len(batch, 2)
	s.Require().Equal(second.Id, batch[0].Id)
	s.Require().Equal(third.Id, batch[1].Id)
}

func (s *IntegrationTestSuite) TestGetUnprocessedMessages_InvalidBatchSize() {
	_, err := s.Repo.GetUnprocessedMessages(s.Ctx, 0)
	s.Require().ErrorIs(err, repository.ErrInvalidArgument)
}

func (s *IntegrationTestSuite) TestSaveMessages_RollbackLeavesNothing() {
	m := s.newMessage(time.Now().UTC())

	tx, err := s.DbPool.Begin(s.Ctx)
	s.Require().NoError(err)
	s.Require().NoError(s.Repo.SaveMessage(s.Ctx, tx, m))
	s.Require().NoError(tx.Rollback(s.Ctx))

	_, err = s.Repo.GetMessage(s.Ctx, m.Id)
	s.Require().ErrorIs(err, repository.ErrMessageNotFound)
}

func (s *IntegrationTestSuite) TestMarkMessageAsProcessed_Idempotent() {
	m := s.newMessage(time.Now().UTC())
	s.saveMessages(m)

	s.Require().NoError(s.Repo.MarkMessageAsProcessed(s.Ctx, m.Id))

	stored, err := s.Repo.GetMessage(s.Ctx, m.Id)
	s.Require().NoError(err)
	s.Require().Equal(domain.StatusProcessed, stored.Status)
	s.Require().NotNil(stored.ProcessedOn)
	processedOn := *stored.ProcessedOn

	s.Require().NoError(s.Repo.MarkMessageAsProcessed(s.Ctx, m.Id))

	stored, err = s.Repo.GetMessage(s.Ctx, m.Id)
	s.Require().NoError(err)
	s.Require().Equal(domain.StatusProcessed, stored.Status)
	s.Require().True(processedOn.Equal(*stored.ProcessedOn))
}

func (s *IntegrationTestSuite) TestMarkMessageAsFailed_Twice() {
	m := s.newMessage(time.Now().UTC())
	s.saveMessages(m)

	s.Require().NoError(s.Repo.MarkMessageAsFailed(s.Ctx, m.Id, "timeout"))
	s.Require().NoError(s.Repo.MarkMessageAsFailed(s.Ctx, m.Id, "timeout"))

	stored, err := s.Repo.GetMessage(s.Ctx, m.Id)
	s.Require().NoError(err)
	s.Require().Equal(domain.StatusRetrying, stored.Status)
	s.Require().EqualValues(2, stored.RetryCount)
	s.Require().Equal("timeout", *stored.LastError)
	s.Require().Nil(stored.ProcessedOn)
}

func (s *IntegrationTestSuite) TestTerminalProtection() {
	m := s.newMessage(time.Now().UTC())
	s.saveMessages(m)

	s.Require().NoError(s.Repo.MarkMessageAsProcessed(s.Ctx, m.Id))
	s.Require().NoError(s.Repo.MarkMessageAsFailed(s.Ctx, m.Id, "late failure report"))

	stored, err := s.Repo.GetMessage(s.Ctx, m.Id)
	s.Require().NoError(err)
	s.Require().Equal(domain.StatusProcessed, stored.Status)
	s.Require().Zero(stored.RetryCount)
	s.Require().Nil(stored.LastError)
}

func (s *IntegrationTestSuite) TestNotFound() {
	unknown := uuid.New()

	s.Require().ErrorIs(s.Repo.MarkMessageAsProcessed(s.Ctx, unknown), repository.ErrMessageNotFound)
	s.Require().ErrorIs(s.Repo.MarkMessageAsFailed(s.Ctx, unknown, "timeout"), repository.ErrMessageNotFound)
	s.Require().ErrorIs(s.Repo.DiscardMessage(s.Ctx, unknown, "gone"), repository.ErrMessageNotFound)

	_, err := s.Repo.GetMessage(s.Ctx, unknown)
	s.Require().ErrorIs(err, repository.ErrMessageNotFound)
}

func (s *IntegrationTestSuite) TestDiscardMessage() {
	m := s.newMessage(time.Now().UTC())
	s.saveMessages(m)

	s.Require().NoError(s.Repo.MarkMessageAsFailed(s.Ctx, m.Id, "broker unavailable"))
	s.Require().NoError(s.Repo.DiscardMessage(s.Ctx, m.Id, "retry budget exhausted"))

	stored, err := s.Repo.GetMessage(s.Ctx, m.Id)
	s.Require().NoError(err)
	s.Require().Equal(domain.StatusFailed, stored.Status)
	s.Require().Equal("retry budget exhausted", *stored.LastError)

	batch, err := s.Repo.GetUnprocessedMessages(s.Ctx, 10)
	s.Require().NoError(err)
	s.Require().Empty(batch)
}

func (s *IntegrationTestSuite) TestUpdateMessageContent() {
	m := s.newMessage(time.Now().UTC())
	s.saveMessages(m)

	s.Require().NoError(s.Repo.UpdateMessageContent(s.Ctx, m.Id, json.RawMessage(`{"order_id":2}`)))

	stored, err := s.Repo.GetMessage(s.Ctx, m.Id)
	s.Require().NoError(err)
	s.Require().JSONEq(`{"order_id":2}`, string(stored.Content))

	s.Require().NoError(s.Repo.MarkMessageAsProcessed(s.Ctx, m.Id))
	s.Require().ErrorIs(
		s.Repo.UpdateMessageContent(s.Ctx, m.Id, json.RawMessage(`{"order_id":3}`)),
		domain.ErrTerminalStatus,
	)
}

func (s *IntegrationTestSuite) TestDeleteProcessedMessagesOlderThan() {
	processed := s.newMessage(time.Now().UTC().Add(-48 * time.Hour))
	pending := s.newMessage(time.Now().UTC().Add(-72 * time.Hour))
	s.saveMessages(processed, pending)

	s.Require().NoError(s.Repo.MarkMessageAsProcessed(s.Ctx, processed.Id))

	// Age the confirmation so the sweep sees it as a day old.
	_, err := s.DbPool.Exec(
		s.Ctx,
		`UPDATE outbox_messages SET processed_on = NOW() - INTERVAL '24 hours' WHERE id = $1`,
		processed.Id,
	)
	s.Require().NoError(err)

	deleted, err := s.Repo.DeleteProcessedMessagesOlderThan(s.Ctx, time.Now())
	s.Require().NoError(err)
	s.Require().EqualValues(1, deleted)

	_, err = s.Repo.GetMessage(s.Ctx, processed.Id)
	s.Require().ErrorIs(err, repository.ErrMessageNotFound)

	stored, err := s.Repo.GetMessage(s.Ctx, pending.Id)
	s.Require().NoError(err)
	s.Require().Equal(domain.StatusPending, stored.Status)

	deleted, err = s.Repo.DeleteProcessedMessagesOlderThan(s.Ctx, time.Now())
	s.Require().NoError(err)
	s.Require().Zero(deleted)
}
