package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const powerSupplyRoot = "/sys/class/power_supply"

// sysfsSource reads battery percent and charging state from sysfs. It is
// the daemon's battery signal source; percent arrives quantized exactly the
// way the kernel reports it.
type sysfsSource struct {
	dir string
}

func newSysfsSource(name string) (*sysfsSource, error) {
	if name != "" {
		return &sysfsSource{dir: filepath.Join(powerSupplyRoot, name)}, nil
	}

	entries, err := os.ReadDir(powerSupplyRoot)
	if err != nil {
		return nil, fmt.Errorf("list power supplies: %w", err)
	}
	for _, entry := range entries {
		dir := filepath.Join(powerSupplyRoot, entry.Name())
		kind, err := readSysfsValue(filepath.Join(dir, "type"))
		if err == nil && kind == "Battery" {
			return &sysfsSource{dir: dir}, nil
		}
	}
	return nil, fmt.Errorf("no battery found under %s", powerSupplyRoot)
}

// Read returns the current percent and charging state.
func (s *sysfsSource) Read() (int, bool, error) {
	capStr, err := readSysfsValue(filepath.Join(s.dir, "capacity"))
	if err != nil {
		return 0, false, fmt.Errorf("read capacity: %w", err)
	}
	percent, err := strconv.Atoi(capStr)
	if err != nil {
		return 0, false, fmt.Errorf("parse capacity %q: %w", capStr, err)
	}

	status, err := readSysfsValue(filepath.Join(s.dir, "status"))
	if err != nil {
		return 0, false, fmt.Errorf("read status: %w", err)
	}
	return percent, status == "Charging", nil
}

func readSysfsValue(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}
