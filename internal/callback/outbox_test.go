package callback_test

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/h2non/gock"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"solapay/internal/callback"
	"solapay/internal/config"
	"solapay/internal/db"
	"solapay/internal/message"
	"solapay/internal/model"
	"solapay/internal/testhelpers"
)

type fakeWriter struct {
	mu       sync.Mutex
	err      error
	messages []kafka.Message
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.messages = append(w.messages, msgs...)
	return nil
}

type OutboxTestSuite struct {
	suite.Suite
	pgContainer *testhelpers.PostgresContainer
	pool        *pgxpool.Pool
	repo        *db.CallbackRepository
	payments    *db.PaymentRepository
	ctx         context.Context
}

func (s *OutboxTestSuite) SetupSuite() {
	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	if err != nil {
		log.Fatal(err)
	}
	s.pgContainer = pgContainer

	if err := db.RunMigrations(pgContainer.ConnectionString, "../../migrations"); err != nil {
		log.Fatal(err)
	}

	pool, err := db.GetPool(s.ctx, pgContainer.ConnectionString)
	if err != nil {
		log.Fatal(err)
	}
	s.pool = pool
	s.repo = db.NewCallbackRepository(pool)
	s.payments = db.NewPaymentRepository(pool)
}

func (s *OutboxTestSuite) TearDownSuite() {
	s.pool.Close()
	if err := s.pgContainer.Terminate(s.ctx); err != nil {
		log.Fatalf("error terminating postgres container: %s", err)
	}
}

func (s *OutboxTestSuite) SetupTest() {
	if _, err := s.pool.Exec(s.ctx, "DELETE FROM callback_message; DELETE FROM payment_intent"); err != nil {
		log.Fatalf("error truncating tables: %s", err)
	}
}

func (s *OutboxTestSuite) TearDownTest() {
	gock.Off()
}

func (s *OutboxTestSuite) queue(url string, scheduledAt time.Time) *db.CallbackMessageEntity {
	t := s.T()

	p := &model.PaymentIntent{ExternalID: "sp_" + uuid.NewString(), Amount: decimal.NewFromInt(1)}
	require.NoError(t, s.payments.Create(s.ctx, p))

	entity := &db.CallbackMessageEntity{
		ID:          uuid.New(),
		PaymentID:   p.ID,
		Url:         url,
		Payload:     `{"id": "` + p.ExternalID + `", "status": "completed"}`,
		ScheduledAt: &scheduledAt,
	}
	_, err := s.repo.Create(s.ctx, entity)
	require.NoError(t, err)
	return entity
}

func (s *OutboxTestSuite) reload(id uuid.UUID) *db.CallbackMessageEntity {
	tx, err := s.repo.BeginTx(s.ctx)
	require.NoError(s.T(), err)
	defer tx.Rollback(s.ctx)

	entity, err := s.repo.SelectForUpdateByID(s.ctx, tx, id)
	require.NoError(s.T(), err)
	return entity
}

func (s *OutboxTestSuite) producer(writer callback.Writer, maxAttempts int) *callback.Producer {
	return callback.NewProducer(s.repo, writer, config.CallbackProducer{
		PollingIntervalMs:  10,
		FetchSize:          10,
		RescheduleDelayMs:  60_000,
		MaxPublishAttempts: maxAttempts,
	}, discard)
}

func (s *OutboxTestSuite) processor(maxAttempts int) *callback.Processor {
	sender := callback.NewSender(config.CallbackSender{TimeoutMs: 500, SigningSecret: "s3cret"}, discard)
	return callback.NewProcessor(s.repo, sender, config.CallbackProcessor{
		Parallelism:         2,
		RescheduleDelayMs:   60_000,
		MaxDeliveryAttempts: maxAttempts,
	}, discard)
}

func (s *OutboxTestSuite) TestProducer_PublishesDueCallbacks() {
	t := s.T()
	due := s.queue("http://merchant.test/hook", time.Now().Add(-time.Second))
	later := s.queue("http://merchant.test/hook", time.Now().Add(time.Hour))

	writer := &fakeWriter{}
	s.producer(writer, 3).Poll(s.ctx)

	require.Len(t, writer.messages, 1)
	assert.Equal(t, due.PaymentID.String(), string(writer.messages[0].Key))

	var published message.Callback
	require.NoError(t, json.Unmarshal(writer.messages[0].Value, &published))
	assert.Equal(t, due.ID, published.ID)
	assert.Equal(t, due.Url, published.Url)

	reloaded := s.reload(due.ID)
	assert.Nil(t, reloaded.ScheduledAt)
	assert.NotNil(t, reloaded.PublishedAt)
	assert.Equal(t, 1, reloaded.PublishAttempts)

	assert.NotNil(t, s.reload(later.ID).ScheduledAt)
}

func (s *OutboxTestSuite) TestProducer_ReschedulesOnPublishFailure() {
	t := s.T()
	entity := s.queue("http://merchant.test/hook", time.Now().Add(-time.Second))

	s.producer(&fakeWriter{err: errors.New("leader not available")}, 2).Poll(s.ctx)

	reloaded := s.reload(entity.ID)
	require.NotNil(t, reloaded.ScheduledAt)
	assert.True(t, reloaded.ScheduledAt.After(time.Now()))
	assert.Equal(t, 1, reloaded.PublishAttempts)
	assert.Equal(t, "leader not available", *reloaded.Error)
	assert.Nil(t, reloaded.PublishedAt)
}

func (s *OutboxTestSuite) TestProducer_ParksAfterMaxAttempts() {
	t := s.T()
	entity := s.queue("http://merchant.test/hook", time.Now().Add(-time.Second))

	s.producer(&fakeWriter{err: errors.New("leader not available")}, 1).Poll(s.ctx)

	reloaded := s.reload(entity.ID)
	assert.Nil(t, reloaded.ScheduledAt)
	assert.NotNil(t, reloaded.Error)
}

func (s *OutboxTestSuite) TestProducer_RunStopsWithContext() {
	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error)
	go func() { done <- s.producer(&fakeWriter{}, 3).Run(ctx) }()

	cancel()
	select {
	case err := <-done:
		assert.NoError(s.T(), err)
	case <-time.After(5 * time.Second):
		s.T().Fatal("producer did not stop")
	}
}

func (s *OutboxTestSuite) TestProcessor_Delivers() {
	t := s.T()
	entity := s.queue("http://merchant.test/hook", time.Now())

	gock.New("http://merchant.test").
		Post("/hook").
		MatchHeader(callback.SignatureHeader, callback.Sign([]byte("s3cret"), []byte(entity.Payload))).
		Reply(200)

	processor := s.processor(3)
	require.NoError(t, processor.Process(s.ctx, message.Callback{ID: entity.ID, PaymentID: entity.PaymentID}))
	processor.Wait()

	assert.True(t, gock.IsDone())
	reloaded := s.reload(entity.ID)
	assert.NotNil(t, reloaded.DeliveredAt)
	assert.Nil(t, reloaded.ScheduledAt)
	assert.Equal(t, 1, reloaded.DeliveryAttempts)
}

func (s *OutboxTestSuite) TestProcessor_ReschedulesFailedDelivery() {
	t := s.T()
	entity := s.queue("http://merchant.test/hook", time.Now())

	gock.New("http://merchant.test").Post("/hook").Reply(503)

	s.processor(3).Deliver(s.ctx, message.Callback{ID: entity.ID})

	reloaded := s.reload(entity.ID)
	assert.Nil(t, reloaded.DeliveredAt)
	require.NotNil(t, reloaded.ScheduledAt)
	assert.True(t, reloaded.ScheduledAt.After(time.Now()))
	assert.Equal(t, 1, reloaded.DeliveryAttempts)
	assert.Contains(t, *reloaded.Error, "503")
}

func (s *OutboxTestSuite) TestProcessor_GivesUpAfterMaxAttempts() {
	t := s.T()
	entity := s.queue("http://merchant.test/hook", time.Now())

	gock.New("http://merchant.test").Post("/hook").Reply(500)

	s.processor(1).Deliver(s.ctx, message.Callback{ID: entity.ID})

	reloaded := s.reload(entity.ID)
	assert.Nil(t, reloaded.ScheduledAt)
	assert.Nil(t, reloaded.DeliveredAt)
	assert.Equal(t, 1, reloaded.DeliveryAttempts)
}

func (s *OutboxTestSuite) TestProcessor_SkipsDelivered() {
	t := s.T()
	entity := s.queue("http://merchant.test/hook", time.Now())

	gock.New("http://merchant.test").Post("/hook").Times(1).Reply(200)

	processor := s.processor(3)
	processor.Deliver(s.ctx, message.Callback{ID: entity.ID})
	// a redelivered Kafka record must not notify the merchant twice
	processor.Deliver(s.ctx, message.Callback{ID: entity.ID})

	assert.True(t, gock.IsDone())
	assert.Equal(t, 1, s.reload(entity.ID).DeliveryAttempts)
}

func TestOutboxTestSuite(t *testing.T) {
	suite.Run(t, new(OutboxTestSuite))
}
