package cli

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/GoDashPi/device-client/internal/store"
	"github.com/GoDashPi/device-client/internal/testutil"
)

func seedFile(t *testing.T, env *testEnv, session, name string, status store.Status) store.FileArtifact {
	t.Helper()
	var f store.FileArtifact
	env.withStore(t, func(st *store.Store) {
		f = testutil.AddFile(t, st, env.root, session, name, status)
	})
	return f
}

func fileStatus(t *testing.T, env *testEnv, id int64) store.Status {
	t.Helper()
	var status store.Status
	env.withStore(t, func(st *store.Store) {
		status = testutil.FileStatus(t, st, id)
	})
	return status
}

func TestUploadSuccess(t *testing.T) {
	env := newTestEnv(t)
	f := seedFile(t, env, "S1", "000001.h264", store.StatusReadyForUpload)

	out, err := execute(context.Background(), NewUploadCommand(env.options("text", testutil.StaticResolver{})))
	require.NoError(t, err)
	assert.Contains(t, out, "uploaded=1")

	require.Len(t, env.api.Transfers(), 1)
	assert.Equal(t, store.StatusDeleted, fileStatus(t, env, f.ID))
}

func TestUploadOfflineLeavesRecordsPending(t *testing.T) {
	env := newTestEnv(t)
	f := seedFile(t, env, "S1", "000001.h264", store.StatusReadyForUpload)

	out, err := execute(context.Background(), NewUploadCommand(env.options("json", testutil.Offline)))
	require.NoError(t, err)

	var resp struct {
		Status string       `json:"status"`
		Data   UploadResult `json:"data"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, 1, resp.Data.Report.Offline)
	assert.Equal(t, store.NonTerminal, resp.Data.Statuses)

	assert.Empty(t, env.api.Registrations())
	assert.Equal(t, store.StatusReadyForUpload, fileStatus(t, env, f.ID))
}

func TestUploadServerErrorExitsWithFailure(t *testing.T) {
	env := newTestEnv(t)
	env.api.SetRegisterStatus(http.StatusInternalServerError)
	f := seedFile(t, env, "S1", "000001.h264", store.StatusReadyForUpload)

	_, err := execute(context.Background(), NewUploadCommand(env.options("text", testutil.StaticResolver{})))
	require.Error(t, err)
	assert.Equal(t, ExitFailure, GetExitCode(err))
	assert.Equal(t, store.StatusFailedToUpload, fileStatus(t, env, f.ID))
}

func TestUploadStatusFilter(t *testing.T) {
	env := newTestEnv(t)
	ready := seedFile(t, env, "S1", "000001.h264", store.StatusReadyForUpload)
	failed := seedFile(t, env, "S1", "000002.h264", store.StatusReadyForUpload)
	env.withStore(t, func(st *store.Store) {
		ctx := context.Background()
		_, err := st.UpdateStatus(ctx, store.KindFile, []int64{failed.ID}, store.StatusUploading)
		require.NoError(t, err)
		_, err = st.UpdateStatus(ctx, store.KindFile, []int64{failed.ID}, store.StatusFailedToUpload)
		require.NoError(t, err)
	})

	_, err := execute(context.Background(), NewUploadCommand(env.options("text", testutil.StaticResolver{})), "--status", "failed_to_upload")
	require.NoError(t, err)

	assert.Equal(t, store.StatusReadyForUpload, fileStatus(t, env, ready.ID))
	assert.Equal(t, store.StatusDeleted, fileStatus(t, env, failed.ID))
}

func TestUploadInvalidStatus(t *testing.T) {
	env := newTestEnv(t)

	out, err := execute(context.Background(), NewUploadCommand(env.options("text", testutil.StaticResolver{})), "--status", "LOST")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
	assert.Contains(t, out, "Error [E005]")
}
