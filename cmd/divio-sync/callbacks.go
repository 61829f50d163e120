package main

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	syncer "github.com/divio/divio-sync/internal/client/sync"
	"github.com/mattn/go-isatty"
)

// terminalCallbacks reports sync problems on out. Network failures are only
// prompted for when in is a terminal; otherwise the sender retries on its own.
func terminalCallbacks(out io.Writer, in io.Reader, interactive bool) *syncer.Callbacks {
	cb := &syncer.Callbacks{
		SyncError: func(message, title string) {
			fmt.Fprintf(out, "%s %s\n", red(title+":"), message)
		},
		ProtectedFileChange: func(message string) {
			fmt.Fprintf(out, "%s %s\n", yellow("Protected file:"), message)
		},
		SyncIndicator: func(stop bool) {
			if stop {
				fmt.Fprintln(out, green("✓ in sync"))
			} else {
				fmt.Fprintln(out, cyan("↻ syncing"))
			}
		},
	}

	if interactive {
		lines := bufio.NewScanner(in)
		cb.NetworkError = func(message string, confirm, cancel func()) {
			fmt.Fprintf(out, "%s %s\nRetry? [Y/n] ", red("Network error:"), message)
			go func() {
				if !lines.Scan() {
					cancel()
					return
				}
				switch strings.ToLower(strings.TrimSpace(lines.Text())) {
				case "", "y", "yes":
					confirm()
				default:
					cancel()
				}
			}()
		}
	}
	return cb
}

func isInteractive(nonInteractive bool) bool {
	return !nonInteractive && isatty.IsTerminal(os.Stdin.Fd())
}
