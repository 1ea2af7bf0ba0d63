package cmd

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRootCmdRequiresFourArgs(t *testing.T) {
	cmd := RootCmd()
	cmd.SetArgs([]string{"base.o", "patched.o"})
	assert.Error(t, cmd.Execute())
}

func TestRootCmdFlags(t *testing.T) {
	cmd := RootCmd()
	for _, name := range []string{"debug", "resolve", "profile"} {
		assert.NotNilf(t, cmd.PersistentFlags().Lookup(name), "missing --%s", name)
	}
}
