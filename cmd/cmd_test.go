package cmd

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
)

// execute runs the root command with args and captures its output. Flag
// variables and viper state are reset afterwards so tests stay independent.
func execute(t *testing.T, args ...string) (string, string, error) {
	t.Helper()
	viper.Reset()

	var stdout, stderr bytes.Buffer
	rootCmd.SetOut(&stdout)
	rootCmd.SetErr(&stderr)
	rootCmd.SetArgs(args)

	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
		viper.Reset()
		cfgFile = ""
		chatJSON = false
		chatReasoning = false
		chatMode = ""
		replayChat = ""
		callParams = ""
		callTimeout = 0
		addCommand = ""
		addArgs = nil
		addDir = ""
		addEnv = nil
		addTimeout = 0
	})

	err := rootCmd.Execute()
	return stdout.String(), stderr.String(), err
}

// missingConfig returns a config path that does not exist, so commands run
// on defaults without writing a config file.
func missingConfig(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.yaml")
}
