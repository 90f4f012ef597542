package cli

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/require"

	"github.com/GoDashPi/device-client/internal/remote"
	"github.com/GoDashPi/device-client/internal/store"
	"github.com/GoDashPi/device-client/internal/testutil"
)

// testEnv is a config file pointing at a fake API and temp paths.
type testEnv struct {
	root   string
	db     string
	config string
	api    *testutil.FakeAPI
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		root:   filepath.Join(dir, "recordings"),
		db:     filepath.Join(dir, "dashpi.db"),
		config: filepath.Join(dir, "dashpi.yaml"),
		api:    testutil.NewFakeAPI(t),
	}
	require.NoError(t, os.MkdirAll(env.root, 0o755))

	yaml := fmt.Sprintf(`environment: development
api:
  base_url: %s
  key: test-key
  timeout: 5s
paths:
  recordings: %s
  database: %s
upload:
  max_concurrent: 2
  probe_timeout: 100ms
  probe_attempts: 1
control:
  listen: ""
`, env.api.URL(), env.root, env.db)
	require.NoError(t, os.WriteFile(env.config, []byte(yaml), 0o644))
	return env
}

// withStore opens the env database, runs fn and closes it again so the
// command under test can open it.
func (e *testEnv) withStore(t *testing.T, fn func(st *store.Store)) {
	t.Helper()
	st, err := store.Open(e.db)
	require.NoError(t, err)
	defer st.Close()
	fn(st)
}

func (e *testEnv) options(format string, resolver remote.Resolver) *RootOptions {
	return &RootOptions{Format: format, Config: e.config, Resolver: resolver}
}

// execute runs cmd with args and returns what it wrote to stdout.
func execute(ctx context.Context, cmd *cobra.Command, args ...string) (string, error) {
	out := &bytes.Buffer{}
	cmd.SetOut(out)
	cmd.SetErr(&bytes.Buffer{})
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(ctx)
	return out.String(), err
}
