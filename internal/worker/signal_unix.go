//go:build linux || darwin

package worker

import "syscall"

// interruptSignal is sent to the transcription process on graceful
// cancellation, before the forced kill after CancelGrace (spec §4.4).
var interruptSignal = syscall.SIGTERM
