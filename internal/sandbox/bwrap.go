package sandbox

import (
	"sort"

	"github.com/pkg/errors"

	"forgescan/tool-runner/internal/model"
)

// BwrapOptions describes one bubblewrap invocation.
type BwrapOptions struct {
	Network      model.NetworkMode
	WorkDir      string
	Env          map[string]string
	Capabilities []string
	Command      []string
}

// BwrapBuilder builds bubblewrap command-line arguments.
type BwrapBuilder struct {
	args []string
}

func NewBwrapBuilder() *BwrapBuilder {
	return &BwrapBuilder{}
}

// Build returns the arguments that follow the bwrap binary. The host root is
// always mounted read-only; only WorkDir and a private /tmp are writable.
func (b *BwrapBuilder) Build(opts *BwrapOptions) ([]string, error) {
	if opts.WorkDir == "" {
		return nil, errors.New("workdir is required")
	}
	if len(opts.Command) == 0 {
		return nil, ErrEmptyCommand
	}

	b.args = []string{"--unshare-pid", "--unshare-ipc", "--unshare-uts"}

	// Restricted egress cannot be filtered from a process sandbox, so it gets
	// no network at all.
	switch opts.Network {
	case model.NetworkHost, model.NetworkBridge:
	default:
		b.args = append(b.args, "--unshare-net")
	}

	b.args = append(b.args, "--new-session", "--die-with-parent")
	for _, c := range opts.Capabilities {
		b.args = append(b.args, "--cap-add", c)
	}

	b.args = append(b.args,
		"--ro-bind", "/", "/",
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--bind", opts.WorkDir, opts.WorkDir,
		"--chdir", opts.WorkDir,
		"--clearenv",
	)

	keys := make([]string, 0, len(opts.Env))
	for k := range opts.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.args = append(b.args, "--setenv", k, opts.Env[k])
	}

	b.args = append(b.args, "--")
	b.args = append(b.args, opts.Command...)
	return b.args, nil
}
