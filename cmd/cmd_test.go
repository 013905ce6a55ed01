package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := newRootCmd("v0.1.0", "2026-01-01", "abc")
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs(args)
	err := root.Execute()
	return out.String(), err
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	for _, key := range []string{"TELEGRAM_TOKEN", "KIE_API_KEY", "KIE_BASE_URL", "KIE_GENERATE_PATH"} {
		t.Setenv(key, "")
	}
	path := filepath.Join(t.TempDir(), "config.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestVersionCommand(t *testing.T) {
	out, err := execute(t, "version")
	require.NoError(t, err)
	assert.Contains(t, out, "telegram-veo-bot: v0.1.0")
	assert.Contains(t, out, "gitCommit: abc")
}

func TestCheckCommand(t *testing.T) {
	kie := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/chat/credit", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"code":200,"data":42}`))
	}))
	defer kie.Close()

	path := writeConfig(t, `
botToken = "123:abc"
dbPath = "`+filepath.Join(t.TempDir(), "bot.db")+`"

[kie]
apiKey = "test-key"
baseURL = "`+kie.URL+`"
`)
	out, err := execute(t, "check", path)
	require.NoError(t, err)
	assert.Contains(t, out, "KIE credits: 42.00")
}

func TestCheckCommandRejectsBadConfig(t *testing.T) {
	path := writeConfig(t, `botToken = "123:abc"`)
	_, err := execute(t, "check", "--offline", path)
	assert.ErrorContains(t, err, "kie.apiKey is required")

	_, err = execute(t, "check", filepath.Join(t.TempDir(), "missing.toml"))
	assert.ErrorContains(t, err, "does not exist")
}
