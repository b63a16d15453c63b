package process

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func requireUnixSpec(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("requires Unix-like shell")
	}
}

func TestBuildCommand_AlwaysUsesShell(t *testing.T) {
	requireUnixSpec(t)
	s := Spec{Command: "docker compose up"}
	cmd := s.BuildCommand()
	assert.Equal(t, []string{"/bin/sh", "-c", "docker compose up"}, cmd.Args)
}

// An explicit "sh -c" prefix is honored without a second shell layer.
func TestBuildCommand_ExplicitShellNoDoubleWrap(t *testing.T) {
	requireUnixSpec(t)
	s := Spec{Command: "sh -c 'echo hi && sleep 1'"}
	cmd := s.BuildCommand()
	assert.Equal(t, []string{"/bin/sh", "-c", "echo hi && sleep 1"}, cmd.Args)
}

func TestParseExplicitShell(t *testing.T) {
	shell, after, ok := parseExplicitShell(`  /bin/sh -c "make run"`)
	assert.True(t, ok)
	assert.Equal(t, "/bin/sh", shell)
	assert.Equal(t, "make run", after)

	_, _, ok = parseExplicitShell("bash -c 'x'")
	assert.False(t, ok)
}

func TestSpec_Validate(t *testing.T) {
	tests := []struct {
		name      string
		spec      Spec
		expectErr bool
	}{
		{"valid", Spec{Command: "echo hello"}, false},
		{"empty command", Spec{Command: "  "}, true},
		{"bad env", Spec{Command: "true", Env: []string{"NOVALUE"}}, true},
		{"good env", Spec{Command: "true", Env: []string{"A=1", "B="}}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate()
			if tt.expectErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestConfigureSysProcAttr(t *testing.T) {
	s := Spec{Command: "echo hi"}
	cmd := s.BuildCommand()
	configureSysProcAttr(cmd)
	checkSysProcAttrs(t, cmd)
}
