// internal/app/helpers.go
package app

import (
	"fmt"
	"io"
	"net"
	"time"
)

// WaitTCP polls addr until it accepts connections or timeout passes.
func WaitTCP(addr string, timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		c, err := net.DialTimeout("tcp", addr, 200*time.Millisecond)
		if err == nil {
			_ = c.Close()
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for %s", addr)
}

// Banner prints the working directory scope of this process.
func Banner(w io.Writer, mode, dir, cfgPath string) {
	fmt.Fprintln(w, "────────────────────────────────────────")
	fmt.Fprintf(w, "Parley %s\n", mode)
	fmt.Fprintf(w, " Folder      : %s\n", dir)
	fmt.Fprintf(w, " Config file : %s\n", cfgPath)
	fmt.Fprintln(w)
	fmt.Fprintln(w, " This process represents ONE identity.")
	fmt.Fprintln(w, " Different folder/config = different user.")
	fmt.Fprintln(w, "────────────────────────────────────────")
}
