//go:build windows
// +build windows

package progress

import (
	"os"

	"golang.org/x/sys/windows"
)

// enableWindowsANSI enables Virtual Terminal processing on Windows consoles
// so ANSI escape sequences render instead of printing literally.
func enableWindowsANSI(f *os.File) {
	handle := windows.Handle(f.Fd())
	var mode uint32

	if err := windows.GetConsoleMode(handle, &mode); err == nil {
		const enableVirtualTerminalProcessing = 0x0004
		_ = windows.SetConsoleMode(handle, mode|enableVirtualTerminalProcessing)
	}
}
