package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommandStructure(t *testing.T) {
	root := NewRootCommand()
	assert.Equal(t, "hwkeyctl", root.Name())

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Contains(t, names, "list")
	assert.Contains(t, names, "send")
	assert.Contains(t, names, "serve")
	assert.Contains(t, names, "version")

	for _, flag := range []string{"config", "port", "baud", "debug"} {
		assert.NotNil(t, root.PersistentFlags().Lookup(flag), "missing flag %s", flag)
	}
}

func TestVersionCommand(t *testing.T) {
	root := NewRootCommand()
	out := new(bytes.Buffer)
	root.SetOut(out)
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"version"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "hwkeyctl")
}

func TestSendRejectsNonHexArgs(t *testing.T) {
	root := NewRootCommand()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"send", "zz"})

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hex")
}

func TestSendRequiresArgs(t *testing.T) {
	root := NewRootCommand()
	root.SetOut(new(bytes.Buffer))
	root.SetErr(new(bytes.Buffer))
	root.SetArgs([]string{"send"})

	require.Error(t, root.Execute())
}
