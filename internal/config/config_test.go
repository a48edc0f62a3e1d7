package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadFromFileAppliesValues(t *testing.T) {
	path := writeConfig(t, `
app:
  name: ticketpipe
  env: production
database:
  driver: postgres
  host: db.internal
  port: 5432
  name: pipe
  user: pipe
  password: secret
  ssl_mode: require
ingest:
  domain: mail.ticketpipe.example
pipeline:
  max_retries: 5
  stage_timeouts:
    ocr: 20m
cleanup:
  inbox_grace: 15m
`)
	require.NoError(t, LoadFromFile(path))

	c := Get()
	assert.True(t, c.App.IsProduction())
	assert.Equal(t, "mail.ticketpipe.example", c.Ingest.Domain)
	assert.Equal(t, 5, c.Pipeline.MaxRetries)
	assert.Equal(t, 20*time.Minute, c.Pipeline.StageTimeouts.OCR)
	assert.Equal(t, 15*time.Minute, c.Cleanup.InboxGrace)
}

func TestLoadFromFileKeepsDefaults(t *testing.T) {
	path := writeConfig(t, `
app:
  name: ticketpipe
`)
	require.NoError(t, LoadFromFile(path))

	c := Get()
	assert.Equal(t, "mysql", c.Database.Driver)
	assert.Equal(t, "t-", c.Ingest.PrimaryPrefix)
	assert.Equal(t, 3, c.Pipeline.MaxRetries)
	assert.Equal(t, 30*time.Minute, c.Cleanup.InboxGrace)
	assert.Equal(t, 500, c.Cleanup.BatchSize)
	assert.Equal(t, 8085, c.Ops.Port)
}

func TestLoadFromFileInvalidYAML(t *testing.T) {
	path := writeConfig(t, "app: [unclosed")
	assert.Error(t, LoadFromFile(path))
}

func TestDatabaseDSNPerDriver(t *testing.T) {
	mysql := DatabaseConfig{Driver: "mysql", Host: "localhost", Port: 3306, Name: "pipe", User: "u", Password: "p"}
	assert.Equal(t, "u:p@tcp(localhost:3306)/pipe?parseTime=true&charset=utf8mb4", mysql.DSN())

	pg := DatabaseConfig{Driver: "postgres", Host: "db", Port: 5432, Name: "pipe", User: "u", Password: "p", SSLMode: "disable"}
	assert.Equal(t, "host=db port=5432 user=u password=p dbname=pipe sslmode=disable", pg.DSN())

	lite := DatabaseConfig{Driver: "sqlite3", Path: "/tmp/pipe.db"}
	assert.Equal(t, "/tmp/pipe.db", lite.DSN())
}

func TestStageTimeoutLookup(t *testing.T) {
	st := StageTimeouts{OCR: 10 * time.Minute, Summary: 5 * time.Minute, Issue: 2 * time.Minute}
	assert.Equal(t, 10*time.Minute, st.Timeout("OCR"))
	assert.Equal(t, 2*time.Minute, st.Timeout("ISSUE"))
	assert.Equal(t, 5*time.Minute, st.Timeout("SUMMARY"))
	assert.Equal(t, 5*time.Minute, st.Timeout("anything-else"))
}
