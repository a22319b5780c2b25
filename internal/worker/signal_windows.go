//go:build windows

package worker

import "os"

// interruptSignal is sent to the transcription process on graceful
// cancellation, before the forced kill after CancelGrace (spec §4.4).
// Windows has no SIGTERM equivalent deliverable this way, so this
// degrades straight to os.Kill; the process normally exits on that first
// Kill, so the grace window and the second Kill call are rarely reached.
var interruptSignal = os.Kill
