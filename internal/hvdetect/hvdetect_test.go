// SPDX-FileCopyrightText: Copyright (c) 2025 Siderolabs
// SPDX-License-Identifier: Apache-2.0

package hvdetect

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/moby/sys/capability"
)

func writeFiles(t *testing.T, files map[string]string) string {
	t.Helper()

	root := t.TempDir()

	for name, content := range files {
		p := filepath.Join(root, name)

		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			t.Fatal(err)
		}

		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}

	return root
}

func TestDetect(t *testing.T) {
	for _, tc := range []struct {
		name  string
		files map[string]string
		want  Info
	}{
		{
			name: "bare metal",
		},
		{
			name:  "kvm",
			files: map[string]string{"sys/hypervisor/type": "kvm\n"},
			want:  Info{Hypervisor: "kvm"},
		},
		{
			name: "xen guest",
			files: map[string]string{
				"sys/hypervisor/type":          "xen\n",
				"sys/hypervisor/version/major": "4\n",
				"sys/hypervisor/version/minor": "19\n",
				"sys/hypervisor/version/extra": ".1\n",
				"proc/xen/capabilities":        "\n",
			},
			want: Info{Hypervisor: "xen", Version: "4.19.1"},
		},
		{
			name: "xen control domain",
			files: map[string]string{
				"sys/hypervisor/type":   "xen\n",
				"proc/xen/capabilities": "control_d\n",
			},
			want: Info{Hypervisor: "xen", Control: true},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := Detect(writeFiles(t, tc.files))
			if err != nil {
				t.Fatal(err)
			}

			if diff := cmp.Diff(tc.want, got); diff != "" {
				t.Errorf("unexpected info (-want +got):\n%s", diff)
			}

			if got.Xen() != (tc.want.Hypervisor == "xen") {
				t.Errorf("Xen() = %v", got.Xen())
			}
		})
	}
}

func TestHasCapability(t *testing.T) {
	status, err := os.ReadFile("/proc/self/status")
	if err != nil {
		t.Skipf("no procfs: %v", err)
	}

	var effective uint64

	for _, line := range strings.Split(string(status), "\n") {
		if v, ok := strings.CutPrefix(line, "CapEff:"); ok {
			effective, err = strconv.ParseUint(strings.TrimSpace(v), 16, 64)
			if err != nil {
				t.Fatal(err)
			}
		}
	}

	for _, c := range []capability.Cap{capability.CAP_SYS_ADMIN, capability.CAP_NET_ADMIN, capability.CAP_CHOWN} {
		got, err := HasCapability(c)
		if err != nil {
			t.Fatal(err)
		}

		if want := effective&(1<<uint(c)) != 0; got != want {
			t.Errorf("%s: got %v, want %v", c, got, want)
		}
	}
}
