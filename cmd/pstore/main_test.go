package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sukryu/pStore/pkg/errors"
)

func setupConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	body := "database:\n  driver: sqlite\n  dsn: " + filepath.Join(dir, "store.db") + "\nlog:\n  level: error\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func runCmd(t *testing.T, cfg string, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := run(append([]string{"--config", cfg}, args...), &out)
	return out.String(), err
}

func TestCLI_ObjectLifecycle(t *testing.T) {
	cfg := setupConfig(t)

	_, err := runCmd(t, cfg, "init")
	require.NoError(t, err)

	out, err := runCmd(t, cfg, "schema", "create", "Game",
		"--fields", `{"title":{"type":"String"},"score":{"type":"Number"}}`,
		"--indexes", `{"score_1":{"score":1}}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"score_1"`)

	out, err = runCmd(t, cfg, "classes")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"Game", "_Role", "_User"}, strings.Fields(out))

	out, err = runCmd(t, cfg, "create", "Game", "--data", `{"title":"chess","score":10}`)
	require.NoError(t, err)
	var created map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &created))
	id, _ := created["objectId"].(string)
	require.Len(t, id, 10)

	_, err = runCmd(t, cfg, "create", "Game", "--data", `{"title":"go","score":20}`)
	require.NoError(t, err)

	out, err = runCmd(t, cfg, "update", "Game", id, "--data", `{"score":{"__op":"Increment","amount":5}}`)
	require.NoError(t, err)
	assert.JSONEq(t, `{"score":15}`, out)

	out, err = runCmd(t, cfg, "find", "Game", "--order", "-score", "--keys", "title")
	require.NoError(t, err)
	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "go", rows[0]["title"])
	assert.NotContains(t, rows[0], "score")

	out, err = runCmd(t, cfg, "count", "Game", "--where", `{"score":{"$gt":12}}`)
	require.NoError(t, err)
	assert.Equal(t, "2\n", out)

	_, err = runCmd(t, cfg, "destroy", "Game")
	assert.True(t, usageError.Has(err))

	_, err = runCmd(t, cfg, "destroy", "Game", id)
	require.NoError(t, err)

	_, err = runCmd(t, cfg, "schema", "delete", "Game")
	assert.True(t, errors.Is(err, errors.ErrInvalidSchemaOperation))

	_, err = runCmd(t, cfg, "schema", "purge", "Game")
	require.NoError(t, err)
	_, err = runCmd(t, cfg, "schema", "delete", "Game")
	require.NoError(t, err)

	_, err = runCmd(t, cfg, "schema", "get", "Game")
	assert.True(t, errors.Is(err, errors.ErrClassNotFound))
}

func TestCLI_SchemaUpdateAndPermissions(t *testing.T) {
	cfg := setupConfig(t)

	_, err := runCmd(t, cfg, "schema", "create", "Note",
		"--fields", `{"text":{"type":"String"}}`,
		"--clp", `{"find":{"abcdefghij":true},"create":{"*":true}}`)
	require.NoError(t, err)

	out, err := runCmd(t, cfg, "schema", "update", "Note", "--fields", `{"pinned":{"type":"Boolean"}}`)
	require.NoError(t, err)
	assert.Contains(t, out, `"pinned"`)

	_, err = runCmd(t, cfg, "create", "Note", "--data", `{"text":"hi"}`)
	require.NoError(t, err)

	out, err = runCmd(t, cfg, "--as", "abcdefghij", "find", "Note")
	require.NoError(t, err)
	var rows []map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	assert.Len(t, rows, 1)

	out, err = runCmd(t, cfg, "--as", "bcdefghijk", "find", "Note")
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal([]byte(out), &rows))
	assert.Empty(t, rows)

	_, err = runCmd(t, cfg, "--as", "bcdefghijk", "create", "Note", "--data", `{"text":"x","extra":1}`)
	assert.True(t, errors.Is(err, errors.ErrOperationForbidden))

	_, err = runCmd(t, cfg, "find", "Note", "--where", `not json`)
	assert.True(t, usageError.Has(err))
}

func TestParseOrder(t *testing.T) {
	got := parseOrder("-score, name,,")
	require.Len(t, got, 2)
	assert.Equal(t, "score", got[0].Field)
	assert.True(t, got[0].Desc)
	assert.Equal(t, "name", got[1].Field)
	assert.False(t, got[1].Desc)
}
