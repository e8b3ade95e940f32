package detector

import (
	"os"
	"path/filepath"
	"testing"
)

func FuzzPIDFileRead(f *testing.F) {
	f.Add("123\n{\"start_unix_ms\":1,\"exe\":\"/opt/game-server\"}\n")
	f.Add("0\n")
	f.Add("not-a-pid\n{}\n")
	f.Add("42\r\n{broken\r\n")
	f.Add("")
	f.Fuzz(func(t *testing.T, content string) {
		pf := PIDFile{Path: filepath.Join(t.TempDir(), "server.pid")}
		if err := os.WriteFile(pf.Path, []byte(content), 0o600); err != nil {
			t.Skip()
		}
		pid, _, err := pf.Read()
		if err == nil && pid <= 0 {
			t.Fatalf("accepted non-positive pid %d from %q", pid, content)
		}
	})
}
