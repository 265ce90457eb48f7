package tools

import "testing"

func TestDockerConfig_Defaults(t *testing.T) {
	cfg := DockerConfig{}.withDefaults()
	if cfg.Image != "alpine:3.20" || cfg.MemoryMB != 256 || cfg.NetworkMode != "none" {
		t.Fatalf("defaults = %+v", cfg)
	}
	custom := DockerConfig{Image: "busybox", MemoryMB: 64, NetworkMode: "bridge"}.withDefaults()
	if custom.Image != "busybox" || custom.MemoryMB != 64 || custom.NetworkMode != "bridge" {
		t.Fatalf("custom = %+v", custom)
	}
}

func TestNewDockerExecutor(t *testing.T) {
	d, err := NewDockerExecutor(DockerConfig{Image: "alpine"})
	if err != nil {
		t.Skip("docker client init failed:", err)
	}
	defer d.Close()
	if d.cfg.Image != "alpine" || d.cfg.MemoryMB != 256 {
		t.Fatalf("cfg = %+v", d.cfg)
	}
	var _ Executor = d
}
