package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tabflow-cloud/tabflow/internal/models"
	"github.com/tabflow-cloud/tabflow/internal/status"
	"github.com/tabflow-cloud/tabflow/pkg/db"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()

	name := strings.ReplaceAll(t.Name(), "/", "_")
	conn, err := gorm.Open(
		sqlite.Open(fmt.Sprintf("file:%s?mode=memory&cache=shared", name)),
		&gorm.Config{},
	)
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(conn))

	return conn
}

func newDispatcher(t *testing.T, conn *gorm.DB, queue Queue) *Dispatcher {
	t.Helper()
	return NewDispatcher(conn, queue, nil, nil, "http://localhost:8080/callback", 0)
}

func createRun(t *testing.T, conn *gorm.DB, s status.Status) *models.FunctionRun {
	t.Helper()

	fnVersion := &models.FunctionVersion{
		ID:           uuid.New(),
		FunctionID:   uuid.New(),
		CollectionID: uuid.New(),
		Name:         "fn",
		CreatedAt:    time.Now().UTC(),
	}
	require.NoError(t, conn.Create(fnVersion).Error)

	run := &models.FunctionRun{
		ID:                uuid.New(),
		FunctionVersionID: fnVersion.ID,
		ExecutionID:       uuid.New(),
		TransactionID:     uuid.New(),
		Trigger:           string(models.TriggerManual),
		Status:            string(s),
		ScheduledOn:       time.Now().UTC(),
	}
	require.NoError(t, conn.Create(run).Error)

	return run
}

// requireData attaches a requirement on a fresh placeholder data
// version and returns the data version for later completion.
func requireData(t *testing.T, conn *gorm.DB, run *models.FunctionRun, optional bool) *models.TableDataVersion {
	t.Helper()

	dataVersion := &models.TableDataVersion{
		ID:             uuid.New(),
		TableID:        uuid.New(),
		TableVersionID: uuid.New(),
		FunctionRunID:  uuid.New(),
		ExecutionID:    run.ExecutionID,
		TransactionID:  run.TransactionID,
	}
	require.NoError(t, conn.Create(dataVersion).Error)

	id := dataVersion.ID
	producer := dataVersion.FunctionRunID
	require.NoError(t, conn.Create(&models.FunctionRequirement{
		ID:                    uuid.New(),
		FunctionRunID:         run.ID,
		TableID:               dataVersion.TableID,
		RequiredFunctionRunID: &producer,
		TableDataVersionID:    &id,
		Optional:              optional,
	}).Error)

	return dataVersion
}

func markHasData(t *testing.T, conn *gorm.DB, dataVersion *models.TableDataVersion) {
	t.Helper()
	hasData := true
	require.NoError(t, conn.Model(dataVersion).Update("has_data", &hasData).Error)
}

func markNoData(t *testing.T, conn *gorm.DB, dataVersion *models.TableDataVersion) {
	t.Helper()
	hasData := false
	require.NoError(t, conn.Model(dataVersion).Update("has_data", &hasData).Error)
}

func TestMemoryQueuePutCommitRollback(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue(8)

	first, second := uuid.New(), uuid.New()

	require.NoError(t, queue.Put(ctx, first, []byte("a")))
	require.NoError(t, queue.Put(ctx, second, []byte("b")))
	require.ErrorIs(t, queue.Put(ctx, first, []byte("a")), ErrMessageAlreadyExisting)

	locked, err := queue.LockedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, locked, 2)
	require.Equal(t, first, locked[0].ID)
	require.Equal(t, second, locked[1].ID)

	require.NoError(t, queue.Commit(ctx, first))
	require.ErrorIs(t, queue.Commit(ctx, first), ErrMessageNonExisting)
	require.NoError(t, queue.Rollback(ctx, second))
	require.ErrorIs(t, queue.Rollback(ctx, second), ErrMessageNonExisting)

	locked, err = queue.LockedMessages(ctx)
	require.NoError(t, err)
	require.Empty(t, locked)
}

func TestMemoryQueueCapacity(t *testing.T) {
	ctx := context.Background()
	queue := NewMemoryQueue(1)

	require.NoError(t, queue.Put(ctx, uuid.New(), nil))
	require.ErrorIs(t, queue.Put(ctx, uuid.New(), nil), ErrQueueFull)
}

func TestPollGatesOnUnsatisfiedRequirements(t *testing.T) {
	conn := openTestDB(t)
	dispatcher := newDispatcher(t, conn, NewMemoryQueue(8))
	ctx := context.Background()

	run := createRun(t, conn, status.Scheduled)
	dataVersion := requireData(t, conn, run, false)

	ready, err := dispatcher.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, ready)

	markHasData(t, conn, dataVersion)

	ready, err = dispatcher.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, run.ID, ready[0].ID)
}

func TestPollBlocksOnNoDataInput(t *testing.T) {
	conn := openTestDB(t)
	dispatcher := newDispatcher(t, conn, NewMemoryQueue(8))
	ctx := context.Background()

	run := createRun(t, conn, status.Scheduled)
	dataVersion := requireData(t, conn, run, false)
	markNoData(t, conn, dataVersion)

	ready, err := dispatcher.Poll(ctx)
	require.NoError(t, err)
	require.Empty(t, ready)

	// A rerun of the producer reporting data unblocks the dependent.
	markHasData(t, conn, dataVersion)

	ready, err = dispatcher.Poll(ctx)
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, run.ID, ready[0].ID)
}

func TestPollIgnoresOptionalRequirements(t *testing.T) {
	conn := openTestDB(t)
	dispatcher := newDispatcher(t, conn, NewMemoryQueue(8))

	run := createRun(t, conn, status.Scheduled)
	dataVersion := requireData(t, conn, run, true)
	markNoData(t, conn, dataVersion)

	ready, err := dispatcher.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, run.ID, ready[0].ID)
}

func TestPollAbsentReferenceNeverBlocks(t *testing.T) {
	conn := openTestDB(t)
	dispatcher := newDispatcher(t, conn, NewMemoryQueue(8))

	// A reference that resolved to nothing is recorded without a data
	// version id; the run consumes empty input.
	run := createRun(t, conn, status.Scheduled)
	require.NoError(t, conn.Create(&models.FunctionRequirement{
		ID:            uuid.New(),
		FunctionRunID: run.ID,
		TableID:       uuid.New(),
	}).Error)

	ready, err := dispatcher.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, ready, 1)
}

func TestPollSkipsNonSchedulableStatuses(t *testing.T) {
	conn := openTestDB(t)
	dispatcher := newDispatcher(t, conn, NewMemoryQueue(8))

	createRun(t, conn, status.RunRequested)
	createRun(t, conn, status.Running)
	createRun(t, conn, status.OnHold)
	createRun(t, conn, status.Done)
	rescheduled := createRun(t, conn, status.ReScheduled)

	ready, err := dispatcher.Poll(context.Background())
	require.NoError(t, err)
	require.Len(t, ready, 1)
	require.Equal(t, rescheduled.ID, ready[0].ID)
}

func TestCreateEnqueuesAndTransitions(t *testing.T) {
	conn := openTestDB(t)
	queue := NewMemoryQueue(8)
	dispatcher := newDispatcher(t, conn, queue)
	ctx := context.Background()

	run := createRun(t, conn, status.Scheduled)
	dataVersion := requireData(t, conn, run, false)
	markHasData(t, conn, dataVersion)

	require.NoError(t, dispatcher.Create(ctx, run))

	stored := &models.FunctionRun{}
	require.NoError(t, conn.First(stored, "id = ?", run.ID).Error)
	require.Equal(t, string(status.RunRequested), stored.Status)

	locked, err := queue.LockedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, locked, 1)
	require.Equal(t, run.ID, locked[0].ID)

	request := &WorkRequest{}
	require.NoError(t, json.Unmarshal(locked[0].Payload, request))
	require.Equal(t, run.ID, request.RunID)
	require.Equal(t, "fn", request.Function)
	require.Equal(t, "http://localhost:8080/callback", request.Callback)
	require.Len(t, request.Input, 1)
	require.Equal(t, dataVersion.ID, request.Input[0].TableDataVersionID)
}

func TestCreateIsIdempotent(t *testing.T) {
	conn := openTestDB(t)
	queue := NewMemoryQueue(8)
	dispatcher := newDispatcher(t, conn, queue)
	ctx := context.Background()

	run := createRun(t, conn, status.Scheduled)

	require.NoError(t, dispatcher.Create(ctx, run))
	require.ErrorIs(t, dispatcher.Create(ctx, run), ErrMessageAlreadyExisting)

	stored := &models.FunctionRun{}
	require.NoError(t, conn.First(stored, "id = ?", run.ID).Error)
	require.Equal(t, string(status.RunRequested), stored.Status)

	locked, err := queue.LockedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, locked, 1)
}

func TestCreateRollsBackOnTransitionFailure(t *testing.T) {
	conn := openTestDB(t)
	queue := NewMemoryQueue(8)
	dispatcher := newDispatcher(t, conn, queue)
	ctx := context.Background()

	run := createRun(t, conn, status.Done)

	require.Error(t, dispatcher.Create(ctx, run))

	locked, err := queue.LockedMessages(ctx)
	require.NoError(t, err)
	require.Empty(t, locked)
}

func TestCycleDispatchesEveryReadyRun(t *testing.T) {
	conn := openTestDB(t)
	queue := NewMemoryQueue(8)
	dispatcher := newDispatcher(t, conn, queue)
	ctx := context.Background()

	first := createRun(t, conn, status.Scheduled)
	second := createRun(t, conn, status.ReScheduled)

	require.NoError(t, dispatcher.Cycle(ctx))

	locked, err := queue.LockedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, locked, 2)

	for _, run := range []*models.FunctionRun{first, second} {
		stored := &models.FunctionRun{}
		require.NoError(t, conn.First(stored, "id = ?", run.ID).Error)
		require.Equal(t, string(status.RunRequested), stored.Status)
	}

	// A second cycle finds nothing left to dispatch.
	require.NoError(t, dispatcher.Cycle(ctx))
	locked, err = queue.LockedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, locked, 2)
}

func TestCycleDefersOnFullQueue(t *testing.T) {
	conn := openTestDB(t)
	queue := NewMemoryQueue(1)
	dispatcher := newDispatcher(t, conn, queue)
	ctx := context.Background()

	createRun(t, conn, status.Scheduled)
	createRun(t, conn, status.Scheduled)

	require.NoError(t, dispatcher.Cycle(ctx))

	locked, err := queue.LockedMessages(ctx)
	require.NoError(t, err)
	require.Len(t, locked, 1)
}

func TestRecoverReschedulesOrphanedRuns(t *testing.T) {
	conn := openTestDB(t)
	queue := NewMemoryQueue(8)
	dispatcher := newDispatcher(t, conn, queue)
	ctx := context.Background()

	orphaned := createRun(t, conn, status.RunRequested)

	inFlight := createRun(t, conn, status.RunRequested)
	require.NoError(t, queue.Put(ctx, inFlight.ID, nil))

	require.NoError(t, dispatcher.Recover(ctx))

	stored := &models.FunctionRun{}
	require.NoError(t, conn.First(stored, "id = ?", orphaned.ID).Error)
	require.Equal(t, string(status.ReScheduled), stored.Status)

	require.NoError(t, conn.First(stored, "id = ?", inFlight.ID).Error)
	require.Equal(t, string(status.RunRequested), stored.Status)
}

func TestRecoverDropsStaleMessages(t *testing.T) {
	conn := openTestDB(t)
	queue := NewMemoryQueue(8)
	dispatcher := newDispatcher(t, conn, queue)
	ctx := context.Background()

	done := createRun(t, conn, status.Done)
	require.NoError(t, queue.Put(ctx, done.ID, nil))

	require.NoError(t, dispatcher.Recover(ctx))

	locked, err := queue.LockedMessages(ctx)
	require.NoError(t, err)
	require.Empty(t, locked)
}
