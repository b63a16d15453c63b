//go:build windows

package process

import (
	"testing"
)

func TestBuildCommand_UsesCmd_Windows(t *testing.T) {
	spec := Spec{Name: "test", Command: "docker compose up"}
	cmd := spec.BuildCommand()
	if len(cmd.Args) != 3 || cmd.Args[1] != "/C" || cmd.Args[2] != "docker compose up" {
		t.Errorf("expected cmd /C <script>, got %v", cmd.Args)
	}
}
