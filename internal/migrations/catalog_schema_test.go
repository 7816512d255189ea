package migrations

import (
	"strings"
	"testing"
)

func TestSharingMigrationContainsRequiredTablesAndIndexes(t *testing.T) {
	body, err := embeddedFS.ReadFile("sql/000001_sharing.up.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}

	sql := string(body)
	requiredSnippets := []string{
		"CREATE TABLE share",
		"CREATE TABLE share_schema",
		"CREATE TABLE shared_table",
		"CREATE TABLE table_version",
		"CREATE TABLE data_file",
		"CREATE TABLE recipient",
		"CREATE TABLE recipient_token",
		"CREATE TABLE share_grant",
		"CREATE UNIQUE INDEX idx_share_name",
		"CREATE UNIQUE INDEX idx_shared_table_name",
		"CREATE INDEX idx_data_file_table_versions",
		"CREATE INDEX idx_share_grant_recipient",
	}

	for _, snippet := range requiredSnippets {
		if !strings.Contains(sql, snippet) {
			t.Fatalf("migration missing required snippet: %s", snippet)
		}
	}
}

func TestSharingDownMigrationDropsEveryTable(t *testing.T) {
	body, err := embeddedFS.ReadFile("sql/000001_sharing.down.sql")
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	for _, table := range []string{"share_grant", "recipient_token", "recipient", "data_file", "table_version", "shared_table", "share_schema", "share"} {
		if !strings.Contains(string(body), "DROP TABLE IF EXISTS "+table+";") {
			t.Fatalf("down migration does not drop %s", table)
		}
	}
}
