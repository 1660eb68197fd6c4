package util

import (
	"context"
	"os"
	"os/exec"

	"github.com/kballard/go-shellquote"
	"k8s.io/klog/v2"
)

// ExecuteCommandContext runs name with args, streaming output to this process' stdout/stderr.
// env entries are appended to the current environment.
func ExecuteCommandContext(ctx context.Context, env []string, name string, args ...string) error {
	klog.V(2).Infof("exec: %s", shellquote.Join(append([]string{name}, args...)...))
	command := exec.CommandContext(ctx, name, args...)
	command.Stdout = os.Stdout
	command.Stderr = os.Stderr
	if len(env) > 0 {
		command.Env = append(os.Environ(), env...)
	}
	return command.Run()
}

// CommandOutput runs name with args and returns its trimmed stdout.
func CommandOutput(ctx context.Context, name string, args ...string) (string, error) {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return "", err
	}
	for len(out) > 0 && (out[len(out)-1] == '\n' || out[len(out)-1] == '\r') {
		out = out[:len(out)-1]
	}
	return string(out), nil
}
