package database

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/MarcoPoloResearchLab/murmur/internal/messages"
	sqlite "github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
	"gorm.io/gorm"
)

func TestApplyMigrationsCollapsesDuplicateTombstones(testContext *testing.T) {
	tempDir := testContext.TempDir()
	databasePath := filepath.Join(tempDir, "migration.db")

	database, err := gorm.Open(sqlite.Open(databasePath), &gorm.Config{})
	if err != nil {
		testContext.Fatalf("failed to open sqlite: %v", err)
	}

	if err := database.AutoMigrate(&messages.EventRecord{}, &migrationRecord{}); err != nil {
		testContext.Fatalf("failed to migrate schema: %v", err)
	}

	existing := []messages.EventRecord{
		{EventID: "evt-1", ConversationID: "conv-1", AuthorID: "alice", Kind: string(messages.KindText), Status: string(messages.StatusSent), CreatedAtMillis: 1, Content: "hi"},
		{EventID: "evt-3", ConversationID: "conv-1", AuthorID: "bob", Kind: string(messages.KindDeleteRecord), Status: string(messages.StatusDeleted), CreatedAtMillis: 3, TargetEventID: "evt-1", OriginalAuthorID: "alice"},
		{EventID: "evt-2", ConversationID: "conv-1", AuthorID: "bob", Kind: string(messages.KindDeleteRecord), Status: string(messages.StatusDeleted), CreatedAtMillis: 2, TargetEventID: "evt-1", OriginalAuthorID: "alice"},
		{EventID: "evt-4", ConversationID: "conv-1", AuthorID: "alice", Kind: string(messages.KindDeleteRecord), Status: string(messages.StatusDeleted), CreatedAtMillis: 4, TargetEventID: "evt-1", OriginalAuthorID: "alice"},
	}
	for _, record := range existing {
		if err := database.Create(&record).Error; err != nil {
			testContext.Fatalf("failed to insert record: %v", err)
		}
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("failed to apply migrations: %v", err)
	}

	var remaining []string
	if err := database.Model(&messages.EventRecord{}).Order("event_id").Pluck("event_id", &remaining).Error; err != nil {
		testContext.Fatalf("failed to reload records: %v", err)
	}
	if strings.Join(remaining, ",") != "evt-1,evt-2,evt-4" {
		testContext.Fatalf("expected the earliest tombstone per deleter to survive, got %v", remaining)
	}

	duplicate := messages.EventRecord{EventID: "evt-5", ConversationID: "conv-1", AuthorID: "bob", Kind: string(messages.KindDeleteRecord), Status: string(messages.StatusDeleted), CreatedAtMillis: 5, TargetEventID: "evt-1", OriginalAuthorID: "alice"}
	if err := database.Create(&duplicate).Error; err == nil {
		testContext.Fatalf("expected a second tombstone from the same deleter to be rejected")
	}
	reply := messages.EventRecord{EventID: "evt-6", ConversationID: "conv-1", AuthorID: "bob", Kind: string(messages.KindText), Status: string(messages.StatusSent), CreatedAtMillis: 6, Content: "still allowed"}
	if err := database.Create(&reply).Error; err != nil {
		testContext.Fatalf("expected messages to be unaffected by the tombstone index: %v", err)
	}

	var record migrationRecord
	if err := database.Where("name = ?", migrationUniqueTombstones).Take(&record).Error; err != nil {
		testContext.Fatalf("expected migration record to be created: %v", err)
	}
	if record.AppliedAtSeconds == 0 {
		testContext.Fatalf("expected migration timestamp to be set")
	}

	if err := applyMigrations(database, zap.NewNop()); err != nil {
		testContext.Fatalf("expected re-applying migrations to be a no-op: %v", err)
	}
}

func TestOpenSQLiteCreatesSchema(testContext *testing.T) {
	databasePath := filepath.Join(testContext.TempDir(), "murmur.db")
	database, err := OpenSQLite(databasePath, zap.NewNop())
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	for _, table := range []string{"message_events", "user_identities", "db_migrations"} {
		if !database.Migrator().HasTable(table) {
			testContext.Fatalf("expected table %s to exist", table)
		}
	}
	if _, err := OpenSQLite(" ", nil); err == nil {
		testContext.Fatalf("expected empty path to be rejected")
	}
}

func TestOpenSQLiteRoutesStatementErrorsThroughZap(testContext *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	database, err := OpenSQLite(filepath.Join(testContext.TempDir(), "murmur.db"), zap.New(core))
	if err != nil {
		testContext.Fatalf("failed to open database: %v", err)
	}
	sqlDB, err := database.DB()
	if err != nil {
		testContext.Fatalf("failed to access sql db: %v", err)
	}
	defer sqlDB.Close()

	var missing messages.EventRecord
	if err := database.Where("event_id = ?", "evt-none").Take(&missing).Error; err == nil {
		testContext.Fatalf("expected no record")
	}
	if logs.FilterMessageSnippet("evt-none").Len() != 0 {
		testContext.Fatalf("expected missing rows to stay quiet")
	}

	if err := database.Exec("SELECT * FROM table_that_does_not_exist").Error; err == nil {
		testContext.Fatalf("expected query against a missing table to fail")
	}
	failures := logs.FilterMessageSnippet("table_that_does_not_exist")
	if failures.Len() != 1 {
		testContext.Fatalf("expected the failed statement to be logged once, got %d entries", failures.Len())
	}
	if failures.All()[0].LoggerName != "gorm" {
		testContext.Fatalf("expected the gorm logger name, got %q", failures.All()[0].LoggerName)
	}
}
