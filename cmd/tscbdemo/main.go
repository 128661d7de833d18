// Command tscbdemo wires a watched pipe, a repeating timer, and an async
// procedure onto one Reactor and runs it for a few seconds, printing each
// event as it fires.
package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/afett/libtscb"
)

func main() {
	r, err := tscb.NewReactor()
	if err != nil {
		panic(err.Error())
	}
	defer r.Close()

	var fds [2]int
	if err := unix.Pipe2(fds[:], unix.O_CLOEXEC); err != nil {
		panic(err.Error())
	}

	_, err = r.Watch(fds[0], tscb.Input, func(fd int, mask int32) {
		var buf [64]byte
		n, _ := unix.Read(fd, buf[:])
		fmt.Printf("pipe readable: %q\n", buf[:n])
	})
	if err != nil {
		panic(err.Error())
	}

	_, err = r.Timer(time.Now().Add(time.Second), func(now time.Time) (time.Time, bool) {
		fmt.Println("tick", now.Format(time.RFC3339))
		unix.Write(fds[1], []byte("tick\n"))
		return now.Add(time.Second), true
	})
	if err != nil {
		panic(err.Error())
	}

	asyncConn, err := r.AsyncProcedure(func() {
		fmt.Println("async procedure ran")
	})
	if err != nil {
		panic(err.Error())
	}
	asyncConn.Post()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	done := make(chan struct{})
	go func() {
		<-stop
		close(done)
	}()

	fmt.Println("hello boy, dispatching for 3 seconds (Ctrl-C to stop early)")
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		select {
		case <-done:
			return
		default:
		}
		if _, err := r.Dispatch(200*time.Millisecond, 0); err != nil {
			fmt.Fprintln(os.Stderr, "dispatch:", err)
		}
	}
}
