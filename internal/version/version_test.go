package version

import (
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"github.com/tabflow-cloud/tabflow/internal/models"
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

// seedHistory registers a table with n data versions, oldest first, one
// minute apart ending at base.
func seedHistory(t *testing.T, conn *gorm.DB, n int, base time.Time) (uuid.UUID, []uuid.UUID) {
	t.Helper()

	tableID := uuid.New()
	require.NoError(t, conn.Create(&models.Table{
		ID:           tableID,
		CollectionID: uuid.New(),
		Name:         "events",
	}).Error)

	ids := make([]uuid.UUID, n)
	for i := range ids {
		ids[i] = uuid.New()
		require.NoError(t, conn.Create(&models.TableDataVersion{
			ID:             ids[i],
			TableID:        tableID,
			TableVersionID: uuid.New(),
			FunctionRunID:  uuid.New(),
			ExecutionID:    uuid.New(),
			TransactionID:  uuid.New(),
			CreatedAt:      base.Add(time.Duration(i-n+1) * time.Minute),
		}).Error)
	}

	return tableID, ids
}

func TestParse(t *testing.T) {
	id1, id2 := uuid.New(), uuid.New()

	cases := []struct {
		ref  string
		want Spec
		fail bool
	}{
		{ref: "HEAD", want: Head()},
		{ref: "head", want: Head()},
		{ref: "", want: Head()},
		{ref: " HEAD ", want: Head()},
		{ref: "HEAD^", want: HeadBack(1)},
		{ref: "HEAD^^^", want: HeadBack(3)},
		{ref: "HEAD~0", want: Head()},
		{ref: "HEAD~4", want: HeadBack(4)},
		{ref: id1.String(), want: Fixed(id1)},
		{ref: fmt.Sprintf("%v, %v", id1, id2), want: Fixed(id1, id2)},
		{ref: "HEAD^2", fail: true},
		{ref: "HEAD~", fail: true},
		{ref: "latest", fail: true},
		{ref: "HEAD,not-a-uuid", fail: true},
	}

	for _, c := range cases {
		t.Run(c.ref, func(t *testing.T) {
			spec, err := Parse(c.ref)
			if c.fail {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, c.want, spec)
		})
	}
}

func TestSpecString(t *testing.T) {
	id := uuid.New()

	require.Equal(t, "HEAD", Head().String())
	require.Equal(t, "HEAD~2", HeadBack(2).String())
	require.Equal(t, id.String(), Fixed(id).String())
}

func TestResolveHead(t *testing.T) {
	conn := openTestDB(t)
	now := time.Now().UTC()
	tableID, ids := seedHistory(t, conn, 3, now)

	resolver := NewResolver(conn)

	resolved, err := resolver.Resolve(context.Background(), tableID, Head(), now, false)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids[2]}, resolved.IDs)

	resolved, err = resolver.Resolve(context.Background(), tableID, HeadBack(1), now, false)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids[1]}, resolved.IDs)

	resolved, err = resolver.Resolve(context.Background(), tableID, HeadBack(2), now, false)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids[0]}, resolved.IDs)
}

func TestResolveSelfShiftsBackByOne(t *testing.T) {
	conn := openTestDB(t)
	now := time.Now().UTC()
	tableID, _ := seedHistory(t, conn, 3, now)

	resolver := NewResolver(conn)

	// A function consuming its own output at HEAD must see the version
	// before the one it is about to produce.
	selfHead, err := resolver.Resolve(context.Background(), tableID, Head(), now, true)
	require.NoError(t, err)

	previous, err := resolver.Resolve(context.Background(), tableID, HeadBack(1), now, false)
	require.NoError(t, err)

	require.Equal(t, previous.IDs, selfHead.IDs)
}

func TestResolveAsOfCutoff(t *testing.T) {
	conn := openTestDB(t)
	now := time.Now().UTC()
	tableID, ids := seedHistory(t, conn, 3, now)

	resolver := NewResolver(conn)

	// As of ninety seconds ago only the oldest version existed.
	resolved, err := resolver.Resolve(context.Background(), tableID, Head(), now.Add(-90*time.Second), false)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids[0]}, resolved.IDs)
}

func TestResolveBehindHistoryIsAbsent(t *testing.T) {
	conn := openTestDB(t)
	now := time.Now().UTC()
	tableID, _ := seedHistory(t, conn, 1, now)

	resolver := NewResolver(conn)

	resolved, err := resolver.Resolve(context.Background(), tableID, HeadBack(5), now, false)
	require.NoError(t, err)
	require.True(t, resolved.Absent())
}

func TestResolveEmptyHistoryIsAbsent(t *testing.T) {
	conn := openTestDB(t)
	tableID := uuid.New()
	require.NoError(t, conn.Create(&models.Table{
		ID:           tableID,
		CollectionID: uuid.New(),
		Name:         "empty",
	}).Error)

	resolver := NewResolver(conn)

	resolved, err := resolver.Resolve(context.Background(), tableID, Head(), time.Now().UTC(), false)
	require.NoError(t, err)
	require.True(t, resolved.Absent())
}

func TestResolveUnknownTable(t *testing.T) {
	conn := openTestDB(t)
	resolver := NewResolver(conn)

	missing := uuid.New()
	_, err := resolver.Resolve(context.Background(), missing, Head(), time.Now().UTC(), false)
	require.Error(t, err)
	require.Equal(t, ErrTableNotFound{TableID: missing}, err)
}

func TestResolveFixed(t *testing.T) {
	conn := openTestDB(t)
	now := time.Now().UTC()
	tableID, ids := seedHistory(t, conn, 3, now)

	resolver := NewResolver(conn)

	// Listed order survives resolution regardless of history order.
	resolved, err := resolver.Resolve(context.Background(), tableID, Fixed(ids[2], ids[0]), now, false)
	require.NoError(t, err)
	require.Equal(t, []uuid.UUID{ids[2], ids[0]}, resolved.IDs)

	_, err = resolver.Resolve(context.Background(), tableID, Fixed(ids[0], uuid.New()), now, false)
	require.Error(t, err)
	var outOfRange ErrVersionOutOfRange
	require.ErrorAs(t, err, &outOfRange)
	require.Equal(t, tableID, outOfRange.TableID)
}
