//go:build !unix

package build

import "os/exec"

func useProcessGroup(cmd *exec.Cmd) {}
