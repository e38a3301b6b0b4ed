//go:build !unix

package driver

import "os/exec"

func setProcessGroup(*exec.Cmd) {}

func terminate(c *exec.Cmd) error {
	if c.Process == nil {
		return nil
	}
	return c.Process.Kill()
}
