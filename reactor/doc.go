// Package reactor is a single-threaded, epoll(7)-based event loop.
//
// One goroutine calls Run; every readiness callback and every function
// queued with CallSoon runs on that goroutine, one at a time, so the code
// they drive needs no locking. Descriptors are registered level-triggered
// for read and/or write readiness:
//
//	loop, err := reactor.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	loop.CallSoon(func() {
//	    loop.AddReader(fd, func() {
//	        // fd is readable
//	    })
//	})
//	err = loop.Run(ctx)
//
// CallSoon, Stop and Close may be called from any goroutine. Register,
// deregister and the callbacks themselves belong to the loop goroutine.
//
// A panic inside a callback is recovered and handed to the loop's error
// handler; it never stops the loop. Always remove a descriptor from the loop
// before closing it, fd numbers are recycled by the kernel.
package reactor
