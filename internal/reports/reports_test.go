package reports

import (
	"testing"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"chatpool/internal/models"
)

func openReportsTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}
	if err := gdb.AutoMigrate(&models.Job{}, &models.JobAttempt{}); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return gdb
}

func seedTraffic(t *testing.T, gdb *gorm.DB, base time.Time) {
	t.Helper()
	jobs := []models.Job{
		{JobID: "j1", PromptID: "default", ProfileID: "p1", Status: models.JobSucceeded, StartedAt: base},
		{JobID: "j2", PromptID: "default", ProfileID: "p1", Status: models.JobFailed, StartedAt: base.Add(time.Minute)},
		{JobID: "j3", PromptID: "alt", SelectedPromptID: "alt", ProfileID: "p2", Status: models.JobSucceeded, StartedAt: base.Add(2 * time.Minute)},
		{JobID: "j4", PromptID: "default", ProfileID: "p1", Status: models.JobSucceeded, StartedAt: base.Add(48 * time.Hour)},
	}
	attempts := []models.JobAttempt{
		{AttemptID: "a1", JobID: "j1", ContainerID: "qwen-a", PromptID: "default", Status: models.AttemptSucceeded, StartedAt: base},
		{AttemptID: "a2", JobID: "j2", ContainerID: "qwen-a", PromptID: "default", Status: models.AttemptFailed, StartedAt: base},
		{AttemptID: "a3", JobID: "j2", ContainerID: "qwen-b", PromptID: "default", Status: models.AttemptFailed, StartedAt: base},
		{AttemptID: "a4", JobID: "j3", ContainerID: "qwen-b", PromptID: "alt", Status: models.AttemptSucceeded, StartedAt: base},
	}
	for _, j := range jobs {
		if err := gdb.Create(&j).Error; err != nil {
			t.Fatal(err)
		}
	}
	for _, a := range attempts {
		if err := gdb.Create(&a).Error; err != nil {
			t.Fatal(err)
		}
	}
}

func TestContainersUsage(t *testing.T) {
	gdb := openReportsTestDB(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedTraffic(t, gdb, base)

	rows, err := ContainersUsage(gdb, Window{})
	if err != nil {
		t.Fatal(err)
	}
	if len(rows) != 2 {
		t.Fatalf("rows = %+v", rows)
	}
	byID := map[string]ContainerUsage{}
	for _, r := range rows {
		byID[r.ContainerID] = r
	}
	if a := byID["qwen-a"]; a.Attempts != 2 || a.Succeeded != 1 || a.Failed != 1 {
		t.Errorf("qwen-a = %+v", a)
	}
	if b := byID["qwen-b"]; b.Attempts != 2 || b.Succeeded != 1 || b.Failed != 1 {
		t.Errorf("qwen-b = %+v", b)
	}
}

func TestProfilesUsage_WindowFilters(t *testing.T) {
	gdb := openReportsTestDB(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedTraffic(t, gdb, base)

	rows, err := ProfilesUsage(gdb, Window{From: base, To: base.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]ProfileUsage{}
	for _, r := range rows {
		byID[r.ProfileID] = r
	}
	// j4 falls outside the window.
	if p := byID["p1"]; p.Jobs != 2 || p.Succeeded != 1 || p.Failed != 1 {
		t.Errorf("p1 = %+v", p)
	}
	if p := byID["p2"]; p.Jobs != 1 || p.Succeeded != 1 {
		t.Errorf("p2 = %+v", p)
	}
}

func TestPromptsUsage_PrefersSelectedPrompt(t *testing.T) {
	gdb := openReportsTestDB(t)
	base := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	seedTraffic(t, gdb, base)

	rows, err := PromptsUsage(gdb, Window{})
	if err != nil {
		t.Fatal(err)
	}
	byID := map[string]PromptUsage{}
	for _, r := range rows {
		byID[r.PromptID] = r
	}
	if p := byID["default"]; p.Jobs != 3 {
		t.Errorf("default = %+v", p)
	}
	if p := byID["alt"]; p.Jobs != 1 || p.Succeeded != 1 {
		t.Errorf("alt = %+v", p)
	}
}

func TestWindow_LimitClamped(t *testing.T) {
	w := Window{Limit: 10000}.normalize()
	if w.Limit != maxLimit {
		t.Errorf("limit = %d, want %d", w.Limit, maxLimit)
	}
	w = Window{}.normalize()
	if w.Limit != defaultLimit {
		t.Errorf("default limit = %d, want %d", w.Limit, defaultLimit)
	}
}
