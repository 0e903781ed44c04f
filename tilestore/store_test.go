package tilestore

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/khankhulgun/offlinemap/apierror"
	"github.com/khankhulgun/offlinemap/database"
	"github.com/khankhulgun/offlinemap/mbtiles"
	"github.com/khankhulgun/offlinemap/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := database.Open(filepath.Join(t.TempDir(), "store.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close(db) })
	return New(db), db
}

func addTileset(t *testing.T, db *gorm.DB, id string) {
	t.Helper()
	require.NoError(t, db.Create(&models.Tileset{ID: id, Name: id, Format: models.FormatRaster, TileFormat: models.PNG, MaxZoom: 4}).Error)
}

func addStyle(t *testing.T, db *gorm.DB, id string, tilesetIDs ...string) {
	t.Helper()
	require.NoError(t, db.Create(&models.Style{ID: id, Name: id, Document: "{}"}).Error)
	for i, ts := range tilesetIDs {
		require.NoError(t, db.Create(&models.StyleSource{StyleID: id, SourceName: string(rune('a' + i)), TilesetID: ts}).Error)
	}
}

func stats(t *testing.T, s *Store) (int64, int64) {
	t.Helper()
	blobs, size, err := s.Stats(context.Background())
	require.NoError(t, err)
	return blobs, size
}

func TestPutAndGet(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	addTileset(t, db, "ts")

	require.NoError(t, s.Put(ctx, "ts", 1, 0, 1, []byte("tile-bytes")))

	data, err := s.Get(ctx, "ts", 1, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, []byte("tile-bytes"), data)

	_, err = s.Get(ctx, "ts", 1, 1, 1)
	assert.ErrorIs(t, err, apierror.ErrNotFound)
}

func TestHashIsContentAddress(t *testing.T) {
	assert.Equal(t, Hash([]byte("a")), Hash([]byte("a")))
	assert.NotEqual(t, Hash([]byte("a")), Hash([]byte("b")))
	assert.Len(t, Hash(nil), 64)
}

func TestIdenticalBytesStoredOnce(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	addTileset(t, db, "one")
	addTileset(t, db, "two")

	payload := []byte("shared ocean tile")
	require.NoError(t, s.Put(ctx, "one", 0, 0, 0, payload))
	require.NoError(t, s.Put(ctx, "one", 1, 0, 0, payload))
	require.NoError(t, s.Put(ctx, "two", 0, 0, 0, payload))

	blobs, size := stats(t, s)
	assert.Equal(t, int64(1), blobs)
	assert.Equal(t, int64(len(payload)), size)
}

func TestRePutIsNoop(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	addTileset(t, db, "ts")

	require.NoError(t, s.Put(ctx, "ts", 2, 1, 1, []byte("same")))
	blobsBefore, sizeBefore := stats(t, s)
	require.NoError(t, s.Put(ctx, "ts", 2, 1, 1, []byte("same")))
	blobsAfter, sizeAfter := stats(t, s)

	assert.Equal(t, blobsBefore, blobsAfter)
	assert.Equal(t, sizeBefore, sizeAfter)
}

func TestOverwriteReleasesPreviousBlob(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	addTileset(t, db, "ts")

	require.NoError(t, s.Put(ctx, "ts", 0, 0, 0, []byte("old")))
	require.NoError(t, s.Put(ctx, "ts", 0, 0, 0, []byte("newer")))

	data, err := s.Get(ctx, "ts", 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("newer"), data)

	blobs, size := stats(t, s)
	assert.Equal(t, int64(1), blobs)
	assert.Equal(t, int64(5), size)
}

func TestBytesStoredCountsDistinctBlobs(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	addTileset(t, db, "a")
	addTileset(t, db, "b")
	addStyle(t, db, "style", "a", "b")

	require.NoError(t, s.PutBatch(ctx, "a", []Placement{
		{Z: 0, X: 0, Y: 0, Data: []byte("1234")},
		{Z: 1, X: 0, Y: 0, Data: []byte("1234")},
		{Z: 1, X: 1, Y: 0, Data: []byte("56")},
	}))
	require.NoError(t, s.Put(ctx, "b", 0, 0, 0, []byte("1234")))

	total, err := s.BytesStoredFor(ctx, "style")
	require.NoError(t, err)
	assert.Equal(t, int64(6), total)

	empty, err := s.BytesStoredFor(ctx, "missing")
	require.NoError(t, err)
	assert.Zero(t, empty)
}

func TestDeleteStylePreservesSharedTileset(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	addTileset(t, db, "shared")
	addStyle(t, db, "s1", "shared")
	addStyle(t, db, "s2", "shared")

	require.NoError(t, s.PutBatch(ctx, "shared", []Placement{
		{Z: 0, X: 0, Y: 0, Data: []byte("land")},
		{Z: 1, X: 0, Y: 1, Data: []byte("water")},
	}))
	before, err := s.BytesStoredFor(ctx, "s2")
	require.NoError(t, err)

	removed, err := s.DeleteStyle(ctx, "s1")
	require.NoError(t, err)
	assert.Empty(t, removed)

	after, err := s.BytesStoredFor(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, before, after)
	_, err = s.Get(ctx, "shared", 1, 0, 1)
	require.NoError(t, err)

	removed, err = s.DeleteStyle(ctx, "s2")
	require.NoError(t, err)
	assert.Equal(t, []string{"shared"}, removed)

	blobs, _ := stats(t, s)
	assert.Zero(t, blobs)
	var tilesets int64
	require.NoError(t, db.Model(&models.Tileset{}).Count(&tilesets).Error)
	assert.Zero(t, tilesets)
}

func TestDeleteStyleKeepsBlobsUsedElsewhere(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	addTileset(t, db, "mine")
	addTileset(t, db, "theirs")
	addStyle(t, db, "mine", "mine")
	addStyle(t, db, "theirs", "theirs")

	require.NoError(t, s.Put(ctx, "mine", 0, 0, 0, []byte("common")))
	require.NoError(t, s.Put(ctx, "mine", 1, 0, 0, []byte("only-mine")))
	require.NoError(t, s.Put(ctx, "theirs", 0, 0, 0, []byte("common")))

	_, err := s.DeleteStyle(ctx, "mine")
	require.NoError(t, err)

	blobs, size := stats(t, s)
	assert.Equal(t, int64(1), blobs)
	assert.Equal(t, int64(len("common")), size)

	data, err := s.Get(ctx, "theirs", 0, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, []byte("common"), data)
}

func TestDeleteUnknownStyle(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.DeleteStyle(context.Background(), "nope")
	assert.ErrorIs(t, err, apierror.ErrNotFound)
}

func TestDeleteStyleRemovesSources(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	addTileset(t, db, "ts")
	addStyle(t, db, "s1", "ts")

	removed, err := s.DeleteStyle(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"ts"}, removed)

	var styles, sources int64
	require.NoError(t, db.Model(&models.Style{}).Count(&styles).Error)
	require.NoError(t, db.Model(&models.StyleSource{}).Count(&sources).Error)
	assert.Zero(t, styles)
	assert.Zero(t, sources)
}

func TestPutAfterTilesetDeleted(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	addTileset(t, db, "ts")
	addStyle(t, db, "s1", "ts")
	require.NoError(t, s.Put(ctx, "ts", 0, 0, 0, []byte("before")))

	_, err := s.DeleteStyle(ctx, "s1")
	require.NoError(t, err)

	err = s.Put(ctx, "ts", 1, 0, 0, []byte("too late"))
	assert.ErrorIs(t, err, apierror.ErrNotFound)

	var placements int64
	require.NoError(t, db.Model(&models.TileData{}).Count(&placements).Error)
	assert.Zero(t, placements)
	blobs, _ := stats(t, s)
	assert.Zero(t, blobs)
}

func TestCollectGarbage(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	require.NoError(t, db.Create(&models.Tile{Hash: Hash([]byte("loose")), Data: []byte("loose"), Length: 5}).Error)

	n, err := s.CollectGarbage(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	s, db := newTestStore(t)
	addTileset(t, db, "ts")
	require.NoError(t, s.PutBatch(ctx, "ts", []Placement{
		{Z: 0, X: 0, Y: 0, Data: []byte("root")},
		{Z: 2, X: 3, Y: 1, Data: []byte("leaf")},
	}))

	var ts models.Tileset
	require.NoError(t, db.First(&ts, "id = ?", "ts").Error)

	path := filepath.Join(t.TempDir(), "export.mbtiles")
	n, err := s.Export(ctx, &ts, path)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)

	archive, err := mbtiles.Open(path)
	require.NoError(t, err)
	defer archive.Close()

	got := map[[3]int]string{}
	for tile, err := range archive.Tiles(ctx) {
		require.NoError(t, err)
		got[[3]int{tile.Z, tile.X, tile.Y}] = string(tile.Data)
	}
	assert.Equal(t, map[[3]int]string{{0, 0, 0}: "root", {2, 3, 1}: "leaf"}, got)
}
