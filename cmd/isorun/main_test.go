package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestVersionCmd_DefaultsToDev(t *testing.T) {
	oldVersion := Version
	t.Cleanup(func() { Version = oldVersion })
	Version = "dev"
	assert.Equal(t, "dev", Version)
}

func TestRootCmd_HasVersionSubcommand(t *testing.T) {
	found := false
	for _, c := range rootCmd.Commands() {
		if c.Use == "version" {
			found = true
		}
	}
	assert.True(t, found)
}
