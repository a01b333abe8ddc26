package cryptoengine

import (
	"runtime"

	"golang.org/x/sys/cpu"
)

// hasAESHardwareSupport reports whether the running CPU exposes AES
// instructions that crypto/aes will use automatically. It is informational
// only: Go's AES implementation already selects the hardware path when
// available, so this never changes behavior, only what gets logged.
func hasAESHardwareSupport() bool {
	switch runtime.GOARCH {
	case "amd64", "386":
		return cpu.X86.HasAES
	case "arm64":
		return cpu.ARM64.HasAES
	case "s390x":
		return cpu.S390X.HasAES
	default:
		return false
	}
}
