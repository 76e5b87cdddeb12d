package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isitobservable/netcheck/pkg/config"
)

func TestRootCmd_NoScopePrintsUsage(t *testing.T) {
	code := 0
	cmd := newRootCmd(&code)
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(nil)

	require.NoError(t, cmd.Execute())
	assert.Equal(t, 1, code)
	assert.Contains(t, out.String(), "--control-planes")
	assert.Contains(t, out.String(), "--seed")
}

func TestRootCmd_InvalidOutput(t *testing.T) {
	code := 0
	cmd := newRootCmd(&code)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetArgs([]string{"--nodes", "--output", "yaml"})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid --output")
}

func TestRootCmd_MissingKubeconfigIsFatal(t *testing.T) {
	t.Setenv("KUBECONFIG", "")

	assert.Equal(t, 1, run([]string{"--nodes"}))
}

func TestRootCmd_RepeatableSeed(t *testing.T) {
	code := 0
	cmd := newRootCmd(&code)
	require.NoError(t, cmd.ParseFlags([]string{"--seed", "shoot--a", "--seed", "shoot--b"}))

	seeds, err := cmd.Flags().GetStringArray("seed")
	require.NoError(t, err)
	assert.Equal(t, []string{"shoot--a", "shoot--b"}, seeds)
}

func TestClusterName(t *testing.T) {
	assert.Equal(t, "https://10.0.0.1:6443", clusterName(&config.Config{}, "https://10.0.0.1:6443"))
	assert.Equal(t, "garden-eu1", clusterName(&config.Config{ClusterName: "garden-eu1"}, "https://10.0.0.1:6443"))
}
