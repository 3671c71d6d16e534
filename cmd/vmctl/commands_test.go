package main

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatchUnknownCommandIsUsageError(t *testing.T) {
	err := dispatch(context.Background(), []string{"bogus"}, commonFlags{jsonOutput: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUsage))
}

func TestRunSnapshotCommandRequiresSubcommand(t *testing.T) {
	err := runSnapshotCommand(context.Background(), nil, commonFlags{jsonOutput: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUsage))
}

func TestParseVMIDRejectsNonNumeric(t *testing.T) {
	_, err := parseVMID("abc")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUsage))
}

func TestParseVMIDAcceptsZeroAndPositive(t *testing.T) {
	v, err := parseVMID("100")
	require.NoError(t, err)
	assert.Equal(t, 100, v)

	v, err = parseVMID("0")
	require.NoError(t, err)
	assert.Equal(t, 0, v)
}

func TestRunSnapshotCreateRequiresName(t *testing.T) {
	err := runSnapshotCreate(context.Background(), []string{"100"}, commonFlags{jsonOutput: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUsage))
}

func TestRunMigrateStartRequiresAllPositionalArgs(t *testing.T) {
	err := runMigrateStart(context.Background(), []string{"100", "node-a"}, commonFlags{jsonOutput: true})
	require.Error(t, err)
	assert.True(t, errors.Is(err, errUsage))
}
