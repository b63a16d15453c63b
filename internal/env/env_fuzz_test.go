package env

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"
)

// FuzzLoadFileMerge feeds arbitrary .env content and entries through
// LoadFile, SetList and Merge. Whatever is accepted must merge into a sorted
// list of unique, non-empty keys.
func FuzzLoadFileMerge(f *testing.F) {
	f.Add("PORT=8080\nURL=http://localhost:${PORT}", "MODE=${URL}")
	f.Add("# comment\nexport NAME='svc'\n\nEMPTY=", "NAME=override")
	f.Add("A=${B}\nB=${A}", "C=$A")
	f.Add("=novalue", "no-equals")

	f.Fuzz(func(t *testing.T, file, entries string) {
		if len(file) > 4096 || len(entries) > 1024 {
			t.Skip()
		}
		p := filepath.Join(t.TempDir(), "workload.env")
		if err := os.WriteFile(p, []byte(file), 0o600); err != nil {
			t.Fatal(err)
		}

		e := New().UseOS(false)
		if err := e.LoadFile(p); err != nil {
			return
		}
		if err := e.SetList(strings.Split(entries, "\n")); err != nil {
			return
		}

		out := e.Merge(nil)
		keys := make([]string, 0, len(out))
		for _, kv := range out {
			k, _, ok := strings.Cut(kv, "=")
			if !ok || k == "" {
				t.Fatalf("bad pair %q", kv)
			}
			keys = append(keys, k)
		}
		if !sort.StringsAreSorted(keys) {
			t.Fatalf("keys not sorted: %v", keys)
		}
		for i := 1; i < len(keys); i++ {
			if keys[i] == keys[i-1] {
				t.Fatalf("duplicate key %q", keys[i])
			}
		}
	})
}
