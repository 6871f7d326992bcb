package selector

import (
	"path/filepath"
	"testing"

	"github.com/centrodesk/lineup/internal/allocator"
	"github.com/centrodesk/lineup/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
	_ "modernc.org/sqlite"
)

func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "lineup.db") + "?_txlock=immediate&_pragma=busy_timeout(10000)"
	gdb, err := gorm.Open(&sqlite.Dialector{DriverName: "sqlite", DSN: dsn}, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(
		&models.Line{},
		&models.LineOperator{},
		&models.Operator{},
	); err != nil {
		t.Fatalf("auto migrate: %v", err)
	}
	return gdb
}

func seg(n int) *int { return &n }

func makeLine(t *testing.T, gdb *gorm.DB, phone, status string, segment *int) *models.Line {
	t.Helper()
	line := models.Line{PhoneNumber: phone, Status: status, Segment: segment}
	if err := gdb.Create(&line).Error; err != nil {
		t.Fatalf("create line: %v", err)
	}
	return &line
}

func makeOperator(t *testing.T, gdb *gorm.DB, name string, segment int) *models.Operator {
	t.Helper()
	op := models.Operator{Name: name, Segment: segment}
	if err := gdb.Create(&op).Error; err != nil {
		t.Fatalf("create operator: %v", err)
	}
	return &op
}

func bind(t *testing.T, gdb *gorm.DB, lineID, operatorID uint) {
	t.Helper()
	if err := allocator.Bind(gdb, lineID, operatorID); err != nil {
		t.Fatalf("bind line=%d op=%d: %v", lineID, operatorID, err)
	}
}

func TestFind_NoLines(t *testing.T) {
	gdb := openTestDB(t)
	line, err := Find(gdb, Query{Segment: 1})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if line != nil {
		t.Errorf("line = %+v, want nil", line)
	}
}

func TestFind_SegmentMatchWinsOverFallback(t *testing.T) {
	gdb := openTestDB(t)
	makeLine(t, gdb, "5511990000000", models.LineActive, nil)            // wildcard pool
	makeLine(t, gdb, "5511990000009", models.LineActive, seg(0))         // fallback segment
	want := makeLine(t, gdb, "5511990000001", models.LineActive, seg(1)) // segment match

	line, err := Find(gdb, Query{Segment: 1, FallbackSegment: 0})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if line == nil || line.ID != want.ID {
		t.Errorf("line = %+v, want %d", line, want.ID)
	}
}

func TestFind_CreationOrderTiebreak(t *testing.T) {
	gdb := openTestDB(t)
	first := makeLine(t, gdb, "5511990000001", models.LineActive, seg(1))
	makeLine(t, gdb, "5511990000002", models.LineActive, seg(1))

	line, err := Find(gdb, Query{Segment: 1})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if line == nil || line.ID != first.ID {
		t.Errorf("line = %+v, want %d", line, first.ID)
	}
}

func TestFind_SkipsInactiveAndFullLines(t *testing.T) {
	gdb := openTestDB(t)
	makeLine(t, gdb, "5511990000001", models.LineBanned, seg(1))
	makeLine(t, gdb, "5511990000002", models.LineDisabled, seg(1))
	full := makeLine(t, gdb, "5511990000003", models.LineActive, seg(1))
	want := makeLine(t, gdb, "5511990000004", models.LineActive, seg(1))

	for _, name := range []string{"ana", "bia"} {
		op := makeOperator(t, gdb, name, 1)
		bind(t, gdb, full.ID, op.ID)
	}

	line, err := Find(gdb, Query{Segment: 1})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if line == nil || line.ID != want.ID {
		t.Errorf("line = %+v, want %d", line, want.ID)
	}
}

func TestFind_SegmentIsolation(t *testing.T) {
	gdb := openTestDB(t)
	// Line tagged segment 1 but occupied by a segment-2 operator (retagging
	// lag): must never be offered to segment 1.
	mixed := makeLine(t, gdb, "5511990000001", models.LineActive, seg(1))
	foreign := makeOperator(t, gdb, "zoe", 2)
	gdb.Create(&models.LineOperator{LineID: mixed.ID, OperatorID: foreign.ID})

	line, err := Find(gdb, Query{Segment: 1})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if line != nil {
		t.Errorf("line = %+v, want nil (segment isolation)", line)
	}
}

func TestFind_SkipsRequestersOwnLine(t *testing.T) {
	gdb := openTestDB(t)
	mine := makeLine(t, gdb, "5511990000001", models.LineActive, seg(1))
	op := makeOperator(t, gdb, "ana", 1)
	bind(t, gdb, mine.ID, op.ID)

	line, err := Find(gdb, Query{Segment: 1, ExcludeOperatorID: op.ID})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if line != nil {
		t.Errorf("line = %+v, want nil", line)
	}
}

func TestFind_ExcludesFailingLine(t *testing.T) {
	gdb := openTestDB(t)
	bad := makeLine(t, gdb, "5511990000001", models.LineActive, seg(1))
	good := makeLine(t, gdb, "5511990000002", models.LineActive, seg(1))

	line, err := Find(gdb, Query{Segment: 1, ExcludeLineID: bad.ID})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if line == nil || line.ID != good.ID {
		t.Errorf("line = %+v, want %d", line, good.ID)
	}
}

func TestFind_FallbackAdoptsAndRetags(t *testing.T) {
	gdb := openTestDB(t)
	pool := makeLine(t, gdb, "5511990000001", models.LineActive, seg(0))

	line, err := Find(gdb, Query{Segment: 3, FallbackSegment: 0})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if line == nil || line.ID != pool.ID {
		t.Fatalf("line = %+v, want %d", line, pool.ID)
	}
	if line.Segment == nil || *line.Segment != 3 {
		t.Errorf("returned segment = %v, want 3", line.Segment)
	}

	var got models.Line
	gdb.First(&got, pool.ID)
	if got.Segment == nil || *got.Segment != 3 {
		t.Errorf("stored segment = %v, want 3", got.Segment)
	}
}

func TestFind_WildcardLineInFallbackPool(t *testing.T) {
	gdb := openTestDB(t)
	wild := makeLine(t, gdb, "5511990000001", models.LineActive, nil)

	line, err := Find(gdb, Query{Segment: 2, FallbackSegment: 0})
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if line == nil || line.ID != wild.ID {
		t.Fatalf("line = %+v, want %d", line, wild.ID)
	}
	if line.Segment == nil || *line.Segment != 2 {
		t.Errorf("segment = %v, want 2", line.Segment)
	}
}

func TestAvailable_NoRetagSideEffect(t *testing.T) {
	gdb := openTestDB(t)
	pool := makeLine(t, gdb, "5511990000001", models.LineActive, nil)

	ok, err := Available(gdb, Query{Segment: 2, FallbackSegment: 0})
	if err != nil {
		t.Fatalf("Available: %v", err)
	}
	if !ok {
		t.Fatal("Available = false, want true")
	}

	var got models.Line
	gdb.First(&got, pool.ID)
	if got.Segment != nil {
		t.Errorf("segment = %v, want nil (probe must not retag)", got.Segment)
	}
}
