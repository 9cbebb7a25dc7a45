//go:build !unix

package modelrunner

import "os/exec"

func killProcessGroupOnCancel(cmd *exec.Cmd) {}
