package topology

import (
	"os"
	"path/filepath"
	"reflect"
	"testing"

	"golang.org/x/sys/unix"
)

func TestParseCPUList(t *testing.T) {
	tests := []struct {
		in      string
		want    []int
		wantErr bool
	}{
		{"", nil, false},
		{"0", []int{0}, false},
		{"0-3", []int{0, 1, 2, 3}, false},
		{"0-1,8,10-11", []int{0, 1, 8, 10, 11}, false},
		{"3-1", nil, true},
		{"a-b", nil, true},
		{"1,", nil, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseCPUList(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCPUList(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestNUMAFromSysfs(t *testing.T) {
	root := t.TempDir()
	nodeDir := filepath.Join(root, "devices/system/node")
	if err := os.MkdirAll(nodeDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(nodeDir, "online"), []byte("0-1\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	old := SysRoot
	SysRoot = root
	t.Cleanup(func() { SysRoot = old })

	nodes, err := NUMANodes()
	if err != nil {
		t.Fatal(err)
	}
	if !reflect.DeepEqual(nodes, []int{0, 1}) {
		t.Errorf("NUMANodes = %v", nodes)
	}

	SysRoot = filepath.Join(root, "missing")
	if _, err := NUMANodes(); err == nil {
		t.Error("NUMANodes should fail without a node directory")
	}
}

func TestCPUsFromSet(t *testing.T) {
	var set unix.CPUSet
	set.Set(0)
	set.Set(2)
	set.Set(65)

	got := cpusFromSet(&set)
	if !reflect.DeepEqual(got, []int{0, 2, 65}) {
		t.Errorf("cpusFromSet = %v", got)
	}
}

func TestAllowedCPUs(t *testing.T) {
	cpus, err := AllowedCPUs()
	if err != nil {
		t.Fatal(err)
	}
	if len(cpus) == 0 {
		t.Fatal("process has no allowed CPUs")
	}
	for i := 1; i < len(cpus); i++ {
		if cpus[i] <= cpus[i-1] {
			t.Fatalf("AllowedCPUs not sorted: %v", cpus)
		}
	}
}
