package docker

import (
	"sort"
	"strings"

	"github.com/docker/docker/api/types/container"

	"forgescan/tool-runner/internal/model"
)

const (
	labelRunID  = "forgescan.run-id"
	labelTool   = "forgescan.tool"
	labelEgress = "forgescan.allowed-egress"
)

// HostConfig maps a manifest's security posture and the clamped limits onto a
// container host config. Capabilities are always dropped wholesale and only
// the manifest's keep list is added back.
func HostConfig(m *model.ToolManifest, limits model.Limits, cfg Config) *container.HostConfig {
	hc := &container.HostConfig{
		ReadonlyRootfs: m.ReadOnlyRootfs(),
		CapDrop:        capDrop(m.Security.DropCapabilities),
		CapAdd:         append([]string(nil), m.Security.KeepCapabilities...),
		NetworkMode:    networkMode(m.Network(), cfg.RestrictedNetwork),
		Tmpfs:          map[string]string{"/tmp": "rw,noexec,nosuid,size=" + cfg.TmpfsSize},
	}
	if m.NoNewPrivs() {
		hc.SecurityOpt = []string{"no-new-privileges:true"}
	}

	memory := limits.MemoryMB * 1024 * 1024
	hc.Resources = container.Resources{
		Memory:     memory,
		MemorySwap: memory,
		NanoCPUs:   int64(limits.CPUs * 1e9),
	}
	if limits.PidsLimit > 0 {
		pids := limits.PidsLimit
		hc.Resources.PidsLimit = &pids
	}
	return hc
}

// ContainerConfig builds the create config. argv becomes the entrypoint so the
// image's own entrypoint and any shell are bypassed.
func ContainerConfig(runID string, argv []string, m *model.ToolManifest, cfg Config) *container.Config {
	c := &container.Config{
		Image:           m.Image,
		Entrypoint:      argv,
		Cmd:             nil,
		User:            cfg.User,
		WorkingDir:      m.WorkingDirectory,
		Env:             envList(m.Environment),
		NetworkDisabled: m.Network() == model.NetworkNone,
		Labels: map[string]string{
			labelRunID: runID,
			labelTool:  m.Name,
		},
	}
	if m.Network() == model.NetworkRestricted && len(m.Security.AllowedEgress) > 0 {
		c.Labels[labelEgress] = strings.Join(m.Security.AllowedEgress, ",")
	}
	return c
}

// networkMode fails closed: restricted without a configured egress network
// gets no network at all.
func networkMode(mode model.NetworkMode, restricted string) container.NetworkMode {
	switch mode {
	case model.NetworkHost:
		return "host"
	case model.NetworkBridge:
		return "bridge"
	case model.NetworkRestricted:
		if restricted != "" {
			return container.NetworkMode(restricted)
		}
	}
	return "none"
}

func capDrop(extra []string) []string {
	out := []string{"ALL"}
	for _, c := range extra {
		if strings.EqualFold(c, "ALL") {
			continue
		}
		out = append(out, c)
	}
	return out
}

func envList(env map[string]string) []string {
	out := make([]string, 0, len(env))
	for k, v := range env {
		out = append(out, k+"="+v)
	}
	sort.Strings(out)
	return out
}
