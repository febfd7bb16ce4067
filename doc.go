// Package serial provides a Linux-only, event-driven serial port transport
// designed for high-frequency unbuffered communication with embedded devices.
//
// A Transport turns a non-blocking tty descriptor into a byte stream driven
// by an event loop (see the reactor subpackage). Incoming data is handed to a
// Protocol as soon as it is read; outgoing data is written immediately when
// the device accepts it and buffered otherwise, with PauseWriting and
// ResumeWriting notifications around configurable watermarks.
//
// Features:
//   - Raw syscall-based serial I/O on Linux, no buffering delays
//   - Termios line settings (8 data bits, no parity, 1 or 2 stop bits,
//     XON/XOFF and RTS/CTS flow control, standard baud rates)
//   - Modem line control through ModemBits (DTR, RTS, CTS, ...)
//   - Graceful close that drains buffered writes, and immediate Abort
//   - Line-based reading with custom delimiter (LineReceiver)
//   - TCP endpoints through the same Transport (Dial with tcp://)
//   - PTY-based tests for reliability
//
// This package does **not** support Windows.
//
// Example usage:
//
//	loop, err := reactor.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	lines := &serial.LineReceiver{
//	    Delimiter: "\r\n",
//	    OnLine:    func(line string) { fmt.Println("Received:", line) },
//	    OnError:   func(err error) { log.Println("Read error:", err) },
//	    OnClose:   loop.Stop,
//	}
//	cfg := serial.Config{Device: "/dev/ttyUSB0", BaudRate: 115200}
//	t, err := serial.Open(loop, lines, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	loop.CallSoon(func() { lines.WriteLine("C,START") })
//
//	// Run until the device goes away or t.Close() is called on the loop.
//	_ = loop.Run(context.Background())
//	_ = t
package serial
