package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseArgs(t *testing.T) {
	args, err := parseArgs("", []string{"state=running", "limit=5", "dry_run=true", "instance_ids=i-1", "instance_ids=i-2"})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{
		"state":        "running",
		"limit":        float64(5),
		"dry_run":      true,
		"instance_ids": []any{"i-1", "i-2"},
	}, args)
}

func TestParseArgsJSONBase(t *testing.T) {
	args, err := parseArgs(`{"instance_ids":["i-1"],"region":"eu-west-1"}`, []string{"region=us-east-1"})
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", args["region"])
	assert.Equal(t, []any{"i-1"}, args["instance_ids"])
}

func TestParseArgsErrors(t *testing.T) {
	_, err := parseArgs("[1]", nil)
	assert.Error(t, err)

	_, err = parseArgs("", []string{"novalue"})
	assert.Error(t, err)

	_, err = parseArgs("", []string{"=x"})
	assert.Error(t, err)
}
