package container

import (
	"fmt"
	"os"
	"path/filepath"
)

type Mount struct {
	Source   string
	Target   string
	ReadOnly bool
}

// StateMount binds the agent's host state directory under root into the
// container, creating it when missing.
func StateMount(root, agentID, runtime string) (Mount, error) {
	src := filepath.Join(root, "agents", agentID)
	if err := os.MkdirAll(src, 0o755); err != nil {
		return Mount{}, fmt.Errorf("create agent state dir: %w", err)
	}
	return Mount{Source: src, Target: "/var/lib/" + runtime}, nil
}

func buildBinds(mounts []Mount) []string {
	binds := make([]string, 0, len(mounts))
	for _, m := range mounts {
		bind := fmt.Sprintf("%s:%s", m.Source, m.Target)
		if m.ReadOnly {
			bind += ":ro"
		}
		binds = append(binds, bind)
	}
	return binds
}
