package cmd

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironkey/api"
	"github.com/jmcleod/ironkey/backend"
	"github.com/jmcleod/ironkey/client"
	"github.com/jmcleod/ironkey/storage/memory"
	"github.com/jmcleod/ironkey/vault"
)

func TestMain(m *testing.M) {
	kdfParams.Iterations = 10_000
	os.Exit(m.Run())
}

type testCLI struct {
	t        *testing.T
	server   string
	user     string
	token    string
	stateDir string
}

func newTestCLI(t *testing.T) *testCLI {
	t.Helper()
	svc, err := backend.New(memory.NewRepository())
	require.NoError(t, err)
	a := api.New(svc, api.WithAccessToken("tok"))
	t.Cleanup(a.Close)
	srv := httptest.NewServer(newServerRouter(a))
	t.Cleanup(srv.Close)
	return &testCLI{t: t, server: srv.URL, user: "alice", token: "tok", stateDir: t.TempDir()}
}

func (c *testCLI) run(stdin string, args ...string) (stdout, stderr string, err error) {
	c.t.Helper()
	var out, errOut bytes.Buffer
	rootCmd.SetIn(strings.NewReader(stdin))
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&errOut)
	rootCmd.SetArgs(append(args,
		"--server", c.server,
		"--user", c.user,
		"--token", c.token,
		"--state-dir", c.stateDir,
	))
	err = rootCmd.ExecuteContext(c.t.Context())
	return out.String(), errOut.String(), err
}

func recoveryKeyFrom(t *testing.T, stderr string) string {
	t.Helper()
	lines := strings.Split(stderr, "\n")
	for i, l := range lines {
		if strings.TrimSpace(l) == "Your recovery key:" && i+2 < len(lines) {
			return strings.TrimSpace(lines[i+2])
		}
	}
	t.Fatalf("no recovery key in output:\n%s", stderr)
	return ""
}

var addedRe = regexp.MustCompile(`Entry (\S+) added\.`)

func TestVaultCommands(t *testing.T) {
	c := newTestCLI(t)

	out, errOut, err := c.run("first pw\nfirst pw\n\n", "signup")
	require.NoError(t, err)
	assert.Contains(t, out, `Account "alice" created.`)
	firstKey := recoveryKeyFrom(t, errOut)

	out, _, err = c.run("first pw\ngh-secret\n", "add", "--name", "GitHub", "--username", "alice", "--url", "https://github.com")
	require.NoError(t, err)
	m := addedRe.FindStringSubmatch(out)
	require.Len(t, m, 2, out)
	id := m[1]

	out, _, err = c.run("", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "NAME")
	assert.Contains(t, out, "GitHub")
	assert.NotContains(t, out, "gh-secret")

	out, _, err = c.run("first pw\n", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Password: gh-secret")
	assert.Contains(t, out, "URL:      https://github.com")

	// One wrong password, then end of input.
	_, _, err = c.run("wrong pw\n", "show", id)
	require.ErrorIs(t, err, vault.ErrUnlockCancelled)

	_, _, err = c.run("not it\n", "passwd")
	require.ErrorContains(t, err, "wrong master password")

	out, errOut, err = c.run("first pw\nsecond pw\nsecond pw\ny\n\n", "passwd")
	require.NoError(t, err)
	assert.Contains(t, out, "1 entries re-encrypted")
	secondKey := recoveryKeyFrom(t, errOut)
	assert.NotEqual(t, firstKey, secondKey)

	out, _, err = c.run("second pw\n", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Password: gh-secret")

	// The superseded recovery key no longer unwraps.
	_, _, err = c.run(firstKey+"\nthird pw\nthird pw\n", "recover")
	require.ErrorIs(t, err, vault.ErrRotationAborted)

	out, _, err = c.run(secondKey+"\nthird pw\nthird pw\n\n", "recover")
	require.NoError(t, err)
	assert.Contains(t, out, "1 entries re-encrypted")

	out, _, err = c.run("third pw\nnew secret\n", "edit", id, "--name", "GitHub Work", "--password")
	require.NoError(t, err)
	assert.Contains(t, out, "updated")

	out, _, err = c.run("third pw\n", "show", id)
	require.NoError(t, err)
	assert.Contains(t, out, "Name:     GitHub Work")
	assert.Contains(t, out, "Password: new secret")

	out, _, err = c.run("", "audit", "list")
	require.NoError(t, err)
	for _, action := range []backend.AuditAction{
		backend.AuditAccountRegistered,
		backend.AuditEntryCreated,
		backend.AuditKeyMaterialReplaced,
		backend.AuditSecretsReplaced,
		backend.AuditRecoveryWrapRead,
		backend.AuditEntryUpdated,
	} {
		assert.Contains(t, out, string(action))
	}

	_, _, err = c.run("n\n", "rm", id)
	require.ErrorContains(t, err, "not deleted")

	out, _, err = c.run("y\n", "rm", id)
	require.NoError(t, err)
	assert.Contains(t, out, "deleted")

	out, _, err = c.run("", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No entries.")
}

func TestSignupCancelled(t *testing.T) {
	c := newTestCLI(t)
	_, _, err := c.run("\n", "signup")
	require.ErrorIs(t, err, vault.ErrUnlockCancelled)

	out, _, err := c.run("", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "No entries.")

	_, _, err = c.run("pw\n", "passwd")
	require.ErrorIs(t, err, vault.ErrNoAccount)
}

func TestWrongToken(t *testing.T) {
	c := newTestCLI(t)
	c.token = "nope"
	_, _, err := c.run("", "list")
	require.ErrorIs(t, err, client.ErrUnauthorized)
}

func TestUserRequired(t *testing.T) {
	c := newTestCLI(t)
	c.user = ""
	_, _, err := c.run("", "list")
	require.ErrorContains(t, err, "--user")
}

func TestServerRouter(t *testing.T) {
	svc, err := backend.New(memory.NewRepository())
	require.NoError(t, err)
	a := api.New(svc)
	defer a.Close()
	h := newServerRouter(a)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
	assert.Equal(t, "nosniff", rec.Header().Get("X-Content-Type-Options"))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/users/alice/account/salt", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
