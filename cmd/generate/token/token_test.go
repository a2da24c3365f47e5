package token

import (
	"bytes"
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate(t *testing.T) {
	a, err := Generate(32)
	require.NoError(t, err)
	b, err := Generate(32)
	require.NoError(t, err)

	raw, err := hex.DecodeString(a)
	require.NoError(t, err)
	assert.Len(t, raw, 32)
	assert.NotEqual(t, a, b)

	_, err = Generate(8)
	assert.Error(t, err)
}

func TestCmdPrintsToken(t *testing.T) {
	var out bytes.Buffer
	Cmd.SetOut(&out)
	Cmd.SetArgs([]string{"--bytes", "16"})
	require.NoError(t, Cmd.Execute())
	assert.Len(t, strings.TrimSpace(out.String()), 32)
}
