package db

import (
	"strings"
	"testing"

	"github.com/relkit/conductor/internal/config"
	"github.com/relkit/conductor/internal/models"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func TestDSN(t *testing.T) {
	tests := []struct {
		name     string
		user     string
		host     string
		port     int
		database string
		want     string
	}{
		{
			name:     "default local",
			user:     "root",
			host:     "127.0.0.1",
			port:     3306,
			database: "conductor",
			want:     "root@tcp(127.0.0.1:3306)/conductor?parseTime=true",
		},
		{
			name:     "custom user and host",
			user:     "conductor",
			host:     "db.vpc.internal",
			port:     3307,
			database: "conductor_prod",
			want:     "conductor@tcp(db.vpc.internal:3307)/conductor_prod?parseTime=true",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DSN(tt.user, tt.host, tt.port, tt.database)
			if got != tt.want {
				t.Errorf("DSN() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestDSN_ParseTimeFlag(t *testing.T) {
	dsn := DSN("root", "localhost", 3306, "test")
	if !strings.Contains(dsn, "parseTime=true") {
		t.Errorf("DSN missing parseTime=true: %s", dsn)
	}
}

func testDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := AutoMigrate(db); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return db
}

func TestAutoMigrate_AllTables(t *testing.T) {
	db := testDB(t)

	for _, model := range AllModels() {
		if !db.Migrator().HasTable(model) {
			t.Errorf("table for %T not created", model)
		}
	}
}

func TestSeedTrains_UpsertKeepsVersion(t *testing.T) {
	db := testDB(t)

	trains := []config.TrainConfig{{
		ID:                "acme-android",
		Name:              "Acme Android",
		Platform:          "android",
		Repo:              "acme/acme-android",
		VCS:               "github",
		CI:                "bitrise",
		WorkingBranch:     "develop",
		BranchingStrategy: "release_branch",
		Version:           "1.5.0",
		Channels:          []string{"firebase", "playstore"},
	}}

	if err := SeedTrains(db, trains); err != nil {
		t.Fatalf("seed: %v", err)
	}

	// Simulate a version bump landing after the initial seed.
	if err := db.Model(&models.Train{}).Where("id = ?", "acme-android").
		Update("version", "1.5.3").Error; err != nil {
		t.Fatal(err)
	}

	// Re-seeding with a renamed train must update config fields but not
	// roll the version back.
	trains[0].Name = "Acme Droid"
	if err := SeedTrains(db, trains); err != nil {
		t.Fatalf("re-seed: %v", err)
	}

	var train models.Train
	if err := db.First(&train, "id = ?", "acme-android").Error; err != nil {
		t.Fatal(err)
	}
	if train.Name != "Acme Droid" {
		t.Errorf("Name = %q, want Acme Droid", train.Name)
	}
	if train.Version != "1.5.3" {
		t.Errorf("Version = %q, want 1.5.3 (version must survive re-seed)", train.Version)
	}
	if !strings.Contains(train.Channels, "playstore") {
		t.Errorf("Channels = %q, want to contain playstore", train.Channels)
	}
}
