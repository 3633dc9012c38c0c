package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"argos/internal/frame"
)

func testDB(t *testing.T) *Database {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "argos.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestRecordingRoundTrip(t *testing.T) {
	db := testDB(t)

	rec := &Recording{
		Camera:        "front",
		Start:         time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC),
		End:           time.Date(2026, 1, 10, 12, 0, 30, 0, time.UTC),
		Trigger:       "object",
		FilePath:      "/recordings/2026-01-10/front/120000.mp4",
		ThumbnailPath: "/recordings/2026-01-10/front/120000.jpg",
		Objects: []frame.DetectedObject{
			{Label: "person", Confidence: 0.92, RelX1: 0.1, RelY1: 0.2, RelX2: 0.4, RelY2: 0.9},
		},
	}
	require.NoError(t, db.SaveRecording(rec))
	require.NotEmpty(t, rec.ID, "save must assign an ID")

	got, err := db.GetRecording(rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "front", got.Camera)
	assert.Equal(t, "object", got.Trigger)
	require.Len(t, got.Objects, 1)
	assert.Equal(t, "person", got.Objects[0].Label)

	missing, err := db.GetRecording("nope")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestListRecordingsFilters(t *testing.T) {
	db := testDB(t)

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	for i, camera := range []string{"front", "front", "back"} {
		require.NoError(t, db.SaveRecording(&Recording{
			Camera:   camera,
			Start:    base.Add(time.Duration(i) * time.Hour),
			End:      base.Add(time.Duration(i)*time.Hour + time.Minute),
			Trigger:  "motion",
			FilePath: "/recordings/r.mp4",
		}))
	}

	all, err := db.ListRecordings("", nil, 0)
	require.NoError(t, err)
	assert.Len(t, all, 3)
	assert.True(t, all[0].Start.After(all[1].Start), "newest first")

	front, err := db.ListRecordings("front", nil, 0)
	require.NoError(t, err)
	assert.Len(t, front, 2)

	since := base.Add(90 * time.Minute)
	late, err := db.ListRecordings("", &since, 0)
	require.NoError(t, err)
	assert.Len(t, late, 1)

	limited, err := db.ListRecordings("", nil, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestDeleteRecordingsBefore(t *testing.T) {
	db := testDB(t)

	base := time.Date(2026, 1, 10, 12, 0, 0, 0, time.UTC)
	for i := 0; i < 3; i++ {
		require.NoError(t, db.SaveRecording(&Recording{
			Camera:   "front",
			Start:    base.Add(time.Duration(i) * time.Hour),
			End:      base.Add(time.Duration(i)*time.Hour + time.Minute),
			Trigger:  "object",
			FilePath: "/recordings/r.mp4",
		}))
	}

	deleted, err := db.DeleteRecordingsBefore(base.Add(90 * time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(2), deleted)

	left, err := db.ListRecordings("", nil, 0)
	require.NoError(t, err)
	assert.Len(t, left, 1)
}

func TestZoneEvents(t *testing.T) {
	db := testDB(t)

	now := time.Now().UTC()
	require.NoError(t, db.SaveZoneEvent(&ZoneEventRecord{
		Camera: "front", Zone: "driveway", Occupied: true, Time: now,
	}))
	require.NoError(t, db.SaveZoneEvent(&ZoneEventRecord{
		Camera: "front", Zone: "driveway", Occupied: false, Time: now.Add(time.Minute),
	}))

	events, err := db.ListZoneEvents("front", 0)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.False(t, events[0].Occupied, "newest first")
	assert.True(t, events[1].Occupied)

	none, err := db.ListZoneEvents("back", 0)
	require.NoError(t, err)
	assert.Empty(t, none)
}
