package api

import (
	"bufio"
	"context"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/aitask/aitask/internal/db"
	"github.com/aitask/aitask/internal/sshx"
)

// probeTimeout bounds local resource probes; remote ones ride the SSH
// client's own timeout.
const probeTimeout = 15 * time.Second

type gpuInfo struct {
	Name        string `json:"name"`
	MemoryTotal int64  `json:"memory_total_mb"`
	MemoryUsed  int64  `json:"memory_used_mb"`
	Utilization int64  `json:"utilization_pct"`
}

type resourceSnapshot struct {
	MemoryTotalBytes *int64    `json:"memory_total_bytes"`
	MemoryFreeBytes  *int64    `json:"memory_free_bytes"`
	GPUs             []gpuInfo `json:"gpus"`
}

// probeResources collects a best-effort memory and GPU snapshot; anything
// unavailable stays null or empty.
func probeResources(ctx context.Context, ws *db.Workspace) resourceSnapshot {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if !ws.IsRemote() {
		snap := localMemory()
		snap.GPUs = parseGPUQuery(runLocal(ctx, "nvidia-smi",
			"--query-gpu=name,memory.total,memory.used,utilization.gpu",
			"--format=csv,noheader,nounits"))
		if snap.GPUs == nil {
			snap.GPUs = []gpuInfo{}
		}
		return snap
	}

	client := sshx.NewClient(sshx.Target{
		Host: ws.Host, Port: ws.Port, User: ws.SSHUser,
		Container: ws.ContainerName, Path: sshx.ExtractRemotePath(ws.Path, ws.Kind),
	})
	var snap resourceSnapshot
	if out, err := client.RunHost(ctx, "free -b"); err == nil {
		snap.MemoryTotalBytes, snap.MemoryFreeBytes = parseFreeOutput(out)
	}
	if out, err := client.RunHost(ctx,
		"nvidia-smi --query-gpu=name,memory.total,memory.used,utilization.gpu --format=csv,noheader,nounits"); err == nil {
		snap.GPUs = parseGPUQuery(out)
	}
	if snap.GPUs == nil {
		snap.GPUs = []gpuInfo{}
	}
	return snap
}

func runLocal(ctx context.Context, name string, args ...string) string {
	out, err := exec.CommandContext(ctx, name, args...).Output()
	if err != nil {
		return ""
	}
	return string(out)
}

// localMemory reads MemTotal and MemAvailable from /proc/meminfo.
func localMemory() resourceSnapshot {
	var snap resourceSnapshot
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return snap
	}
	defer func() { _ = f.Close() }()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			continue
		}
		bytes := kb * 1024
		switch fields[0] {
		case "MemTotal:":
			snap.MemoryTotalBytes = &bytes
		case "MemAvailable:":
			snap.MemoryFreeBytes = &bytes
		}
	}
	return snap
}

// parseFreeOutput extracts total and available bytes from `free -b`.
func parseFreeOutput(out string) (total, free *int64) {
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if len(fields) < 7 || fields[0] != "Mem:" {
			continue
		}
		if v, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
			total = &v
		}
		if v, err := strconv.ParseInt(fields[6], 10, 64); err == nil {
			free = &v
		}
		return total, free
	}
	return nil, nil
}

// parseGPUQuery parses nvidia-smi CSV rows: name, total MiB, used MiB,
// utilization %.
func parseGPUQuery(out string) []gpuInfo {
	var gpus []gpuInfo
	for _, line := range strings.Split(strings.TrimSpace(out), "\n") {
		parts := strings.Split(line, ",")
		if len(parts) != 4 {
			continue
		}
		g := gpuInfo{Name: strings.TrimSpace(parts[0])}
		g.MemoryTotal, _ = strconv.ParseInt(strings.TrimSpace(parts[1]), 10, 64)
		g.MemoryUsed, _ = strconv.ParseInt(strings.TrimSpace(parts[2]), 10, 64)
		g.Utilization, _ = strconv.ParseInt(strings.TrimSpace(parts[3]), 10, 64)
		gpus = append(gpus, g)
	}
	return gpus
}
