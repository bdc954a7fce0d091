package cmd

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestVersionCmd_PrintsBuildVersion(t *testing.T) {
	defer SetVersion("")
	SetVersion("1.0.0-test")

	versionCmd := newVersionCmd()
	var out bytes.Buffer
	versionCmd.SetOut(&out)

	versionCmd.Run(versionCmd, nil)
	require.Contains(t, out.String(), "gatewayd version 1.0.0-test")
}

func TestProbeHealth_FailsAgainstUnreachableAddr(t *testing.T) {
	err := probeHealth("http://127.0.0.1:1/health")
	assert.Error(t, err)
}
