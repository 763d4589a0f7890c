package daemonrun_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callsync/internal/daemonrun"
	"callsync/internal/queue"
	"callsync/internal/spool"
	"callsync/internal/testsupport"
)

func TestOpenBackendSelectsImplementation(t *testing.T) {
	sqliteCfg := testsupport.NewConfig(t, testsupport.WithQueueBackend("sqlite"))
	backend, err := daemonrun.OpenBackend(sqliteCfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = backend.Close() })
	assert.IsType(t, &queue.Store{}, backend)

	spoolCfg := testsupport.NewConfig(t, testsupport.WithQueueBackend("spool"))
	backend, err = daemonrun.OpenBackend(spoolCfg)
	require.NoError(t, err)
	assert.IsType(t, &spool.Store{}, backend)

	badCfg := testsupport.NewConfig(t, testsupport.WithQueueBackend("redis"))
	_, err = daemonrun.OpenBackend(badCfg)
	assert.Error(t, err)
}

func TestBuildWiresPipeline(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	comps, err := daemonrun.Build(context.Background(), cfg, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = comps.Close() })

	require.NotNil(t, comps.Manager)
	require.NotNil(t, comps.Writer)
	require.NotNil(t, comps.Index)
	assert.Nil(t, comps.Tracker)

	status := comps.Manager.Status(context.Background())
	assert.False(t, status.Running)
	assert.Equal(t, 0, status.Queue.Total)
}
