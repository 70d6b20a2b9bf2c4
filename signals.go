package cntr

import (
	"os"
	"os/signal"

	"golang.org/x/sys/unix"
)

// forwardSignals relays terminal-lifecycle signals to the given process
// until stop is called: SIGINT and SIGTERM for cancellation before the
// user command takes over, SIGHUP for controlling-terminal loss. After the
// user command execs, job control belongs to it; the parent keeps relaying
// only because the signals keep arriving at the session leader.
func forwardSignals(p *os.Process) (stop func()) {
	ch := make(chan os.Signal, 4)
	signal.Notify(ch, unix.SIGINT, unix.SIGTERM, unix.SIGHUP)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for sig := range ch {
			p.Signal(sig)
		}
	}()
	return func() {
		signal.Stop(ch)
		close(ch)
		<-done
	}
}
