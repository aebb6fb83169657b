package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRawFlagsMapping(t *testing.T) {
	tc := &traceCmd{
		Command:      "myprog --flag",
		Binary:       "/bin/myprog",
		Strategy:     "all",
		GlobalSample: 4,
		Engine:       "ebpf",
		Pipeline:     "advanced",
	}
	raw := rawFlags(tc)
	require.Equal(t, tc.Command, raw.Command)
	require.Equal(t, tc.Binary, raw.Binary)
	require.Equal(t, tc.Strategy, raw.Strategy)
	require.Equal(t, tc.GlobalSample, raw.GlobalSample)
	require.Equal(t, tc.Engine, raw.Engine)
	require.Equal(t, tc.Pipeline, raw.Pipeline)
}
