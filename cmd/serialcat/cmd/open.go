package cmd

import (
	"context"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	serial "github.com/luhtfiimanal/go-serial-transport"
	"github.com/luhtfiimanal/go-serial-transport/reactor"
)

var metricsAddr string

func init() {
	rootCmd.AddCommand(openCmd)
	openCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9100)")
}

var openCmd = &cobra.Command{
	Use:   "open <target>",
	Short: "Connect stdin and stdout to a device",
	Long: `Open a serial device (or a tcp://host:port endpoint) and copy
stdin to it and its output to stdout, until the device goes away,
stdin ends or the process is interrupted.`,
	Args: cobra.ExactArgs(1),
	RunE: runOpen,
}

// pipe copies everything received to out and stops the loop when the
// connection is lost.
type pipe struct {
	out  io.Writer
	loop *reactor.Loop
	err  error
}

func (p *pipe) ConnectionMade(t *serial.Transport) {
	log.Info().Str("transport", t.ID()).Msgf("connected to %s", t)
}

func (p *pipe) DataReceived(data []byte) {
	if _, err := p.out.Write(data); err != nil {
		log.Error().Err(err).Msg("write to stdout")
	}
}

func (p *pipe) EOFReceived() {}

func (p *pipe) ConnectionLost(err error) {
	p.err = err
	p.loop.Stop()
}

func (p *pipe) PauseWriting()  {}
func (p *pipe) ResumeWriting() {}

func runOpen(cmd *cobra.Command, args []string) error {
	target := args[0]
	cfg, err := loadConfig(cmd, "")
	if err != nil {
		return err
	}

	if metricsAddr != "" {
		serveMetrics(metricsAddr)
	}

	loop, err := reactor.New(reactor.WithLogger(log.Logger))
	if err != nil {
		return err
	}
	defer loop.Close()

	p := &pipe{out: cmd.OutOrStdout(), loop: loop}
	t, _, err := serial.Dial(loop, func() serial.Protocol { return p }, target, cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go pumpStdin(ctx, cmd.InOrStdin(), loop, t)

	runErr := loop.Run(ctx)
	if ctx.Err() != nil {
		abortTransport(loop, t)
		return nil
	}
	if runErr != nil {
		return runErr
	}
	return p.err
}

// abortTransport tears t down after Run stopped early and runs the loop
// until ConnectionLost has released the descriptor.
func abortTransport(loop *reactor.Loop, t *serial.Transport) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	loop.CallSoon(t.Abort)
	if err := loop.Run(ctx); err != nil && ctx.Err() == nil {
		log.Error().Err(err).Msg("abort transport")
	}
}

// pumpStdin forwards input to the transport from the loop goroutine and
// closes it gracefully at end of input.
func pumpStdin(ctx context.Context, in io.Reader, loop *reactor.Loop, t *serial.Transport) {
	buf := make([]byte, 4096)
	for ctx.Err() == nil {
		n, err := in.Read(buf)
		if n > 0 {
			data := append([]byte(nil), buf[:n]...)
			loop.CallSoon(func() { t.Write(data) })
		}
		if err != nil {
			if err != io.EOF {
				log.Error().Err(err).Msg("read stdin")
			}
			loop.CallSoon(t.Close)
			return
		}
	}
}

func serveMetrics(addr string) {
	serial.RegisterMetrics(nil)
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	go func() {
		if err := http.ListenAndServe(addr, mux); err != nil {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server stopped")
		}
	}()
}
