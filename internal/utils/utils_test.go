package utils

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/vitebski/sqlmeta/pkg/models"
)

func createTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.FatalLevel) // Suppress log output during tests
	return logger
}

func TestSetupLogging(t *testing.T) {
	t.Setenv("SQLMETA_LOG_LEVEL", "")

	// Test with default log level
	logger := SetupLogging("")
	if logger.Level != logrus.InfoLevel {
		t.Errorf("Expected log level to be info by default, got %s", logger.Level)
	}
	if logger.Out != os.Stderr {
		t.Error("Expected logs to go to stderr")
	}

	logger = SetupLogging("debug")
	if logger.Level != logrus.DebugLevel {
		t.Errorf("Expected log level to be debug, got %s", logger.Level)
	}

	logger = SetupLogging("warn")
	if logger.Level != logrus.WarnLevel {
		t.Errorf("Expected log level to be warn, got %s", logger.Level)
	}

	// Test with invalid log level (should default to info)
	logger = SetupLogging("invalid")
	if logger.Level != logrus.InfoLevel {
		t.Errorf("Expected log level to be info for invalid input, got %s", logger.Level)
	}

	// Environment is used when no level is passed
	t.Setenv("SQLMETA_LOG_LEVEL", "error")
	logger = SetupLogging("")
	if logger.Level != logrus.ErrorLevel {
		t.Errorf("Expected log level to be error from environment, got %s", logger.Level)
	}
}

func TestLoadEnvironmentVariables(t *testing.T) {
	dir := t.TempDir()
	logger := createTestLogger()

	if LoadEnvironmentVariables(filepath.Join(dir, ".env"), logger) {
		t.Error("Expected no file to be loaded")
	}

	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("SQLMETA_TEST_URL=sqlite:///tmp/app.db\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("SQLMETA_TEST_URL", "")
	os.Unsetenv("SQLMETA_TEST_URL")

	if !LoadEnvironmentVariables(envFile, logger) {
		t.Fatal("Expected the file to be loaded")
	}
	if got := os.Getenv("SQLMETA_TEST_URL"); got != "sqlite:///tmp/app.db" {
		t.Errorf("Expected SQLMETA_TEST_URL to be set, got %q", got)
	}
}

func testDatabase() *models.Database {
	def := "0"
	observed := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)
	return models.NewDatabase(
		&models.Table{Name: "users", Modified: observed, Columns: []models.Column{
			{Name: "id", Type: "integer", PrimaryKey: true},
			{Name: "email", Type: "varchar(255)", Nullable: true},
		}, Indexes: []models.Index{{Name: "users_email_key", Unique: true, Columns: []string{"email"}}}},
		&models.Table{Name: "orders", Modified: observed, Columns: []models.Column{
			{Name: "id", Type: "integer", PrimaryKey: true},
			{Name: "user_id", Type: "integer", References: &models.ColumnRef{Table: "users", Column: "id"}},
			{Name: "total", Type: "numeric(8,2)", Default: &def},
		}},
		&models.Table{Name: "big_orders", IsView: true, Modified: observed, Columns: []models.Column{
			{Name: "id", Type: "integer"},
		}},
	)
}

func TestPrintTables(t *testing.T) {
	var buf bytes.Buffer
	db := testDatabase()
	PrintTables(&buf, db.Tables())

	out := buf.String()
	for _, want := range []string{"orders", "users", "big_orders", "view"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q:\n%s", want, out)
		}
	}
}

func TestPrintDescribe(t *testing.T) {
	var buf bytes.Buffer
	db := testDatabase()
	tbl, _ := db.Table("orders")
	PrintDescribe(&buf, tbl, nil)

	out := buf.String()
	for _, want := range []string{"Table orders", "user_id", "users.id", "numeric", "PK"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q:\n%s", want, out)
		}
	}

	buf.Reset()
	users, _ := db.Table("users")
	PrintDescribe(&buf, users, db.FieldsReferencing("users", "id"))
	out = buf.String()
	if !strings.Contains(out, "users_email_key") {
		t.Errorf("Expected index listing:\n%s", out)
	}
	if !strings.Contains(out, "Referenced by:") {
		t.Errorf("Expected referencing keys:\n%s", out)
	}
}

func TestPrintForeignKeys(t *testing.T) {
	var buf bytes.Buffer
	PrintForeignKeys(&buf, nil)
	if strings.TrimSpace(buf.String()) != "(no foreign keys)" {
		t.Errorf("Unexpected output for no keys: %q", buf.String())
	}

	buf.Reset()
	PrintForeignKeys(&buf, testDatabase().ForeignKeys("orders"))
	if !strings.Contains(buf.String(), "users inner join orders on users.id = orders.user_id") {
		t.Errorf("Expected join expression:\n%s", buf.String())
	}
}

func TestPrintSummary(t *testing.T) {
	var buf bytes.Buffer
	PrintSummary(&buf, "shop", testDatabase(), true)

	out := buf.String()
	for _, want := range []string{"SCHEMA METADATA: shop", "Tables: 2", "Views: 1", "Columns: 6", "Foreign keys: 1", "Refresh in progress"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected output to contain %q:\n%s", want, out)
		}
	}

	buf.Reset()
	PrintSummary(&buf, "empty", models.NewDatabase(), false)
	if !strings.Contains(buf.String(), "Last reflected: never") {
		t.Errorf("Expected never reflected:\n%s", buf.String())
	}
}

func TestPrintQueryResult(t *testing.T) {
	columns := []string{"id", "email"}
	rows := []map[string]interface{}{
		{"id": int64(1), "email": "a@example.com"},
		{"id": int64(2), "email": nil},
	}

	var buf bytes.Buffer
	if err := PrintQueryResult(&buf, FormatTable, columns, rows); err != nil {
		t.Fatal(err)
	}
	out := buf.String()
	if !strings.Contains(out, "a@example.com") || !strings.Contains(out, "NULL") {
		t.Errorf("Expected row values:\n%s", out)
	}
	if !strings.HasSuffix(out, "(2 rows)\n") {
		t.Errorf("Expected row count footer:\n%s", out)
	}

	buf.Reset()
	if err := PrintQueryResult(&buf, FormatCSV, columns, rows); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "id,email\n1,a@example.com\n2,NULL\n" {
		t.Errorf("Unexpected CSV output: %q", buf.String())
	}

	buf.Reset()
	if err := PrintQueryResult(&buf, FormatTable, columns, nil); err != nil {
		t.Fatal(err)
	}
	if buf.String() != "(0 rows)\n" {
		t.Errorf("Unexpected empty output: %q", buf.String())
	}
}
