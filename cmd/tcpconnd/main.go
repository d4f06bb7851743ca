// Command tcpconnd is a small demo binary wiring the tcpconn library
// into a TCP server and client, the way rclone's cmd/
// packages exist only to wire fs/lib into a runnable program. It is
// not part of the core library (spec.md places a scheduling reactor
// out of scope) and adds nothing beyond what's needed to exercise
// cobra, pflag, errgroup and logrus end to end.
package main

import (
	"net"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/connio/tcpconn"
	"github.com/connio/tcpconn/notifier"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		logrus.WithError(err).Fatal("tcpconnd failed")
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "tcpconnd",
		Short: "demo server/client built on the tcpconn state machine",
	}
	root.AddCommand(listenCmd(), dialCmd())
	return root
}

// connPollable adapts a *tcpconn.Connection, which needs a Notifier
// passed to every Poll call, to the zero-argument notifier.Pollable
// interface the reactor dispatches against.
type connPollable struct {
	c  *tcpconn.Connection
	nf notifier.Notifier
}

func (p *connPollable) Poll() { p.c.Poll(p.nf) }

type listenerPollable struct {
	l  *tcpconn.Listener
	nf notifier.Notifier
	on func(*tcpconn.Connection)
}

func (p *listenerPollable) Poll() {
	for _, c := range p.l.Poll() {
		p.on(c)
	}
}

func listenCmd() *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "listen",
		Short: "accept connections and drive them; received bytes are not echoed or read",
		RunE: func(cmd *cobra.Command, args []string) error {
			nf, err := notifier.NewEpoll()
			if err != nil {
				return err
			}
			defer nf.Close()

			ip := net.ParseIP(addr)
			ln, err := tcpconn.NewEphemeral(ip, nf)
			if err != nil {
				return err
			}
			defer ln.Close()

			logrus.WithField("fd", ln.FD()).Info("listening")

			lp := &listenerPollable{l: ln, nf: nf}
			lp.on = func(c *tcpconn.Connection) {
				logrus.WithField("fd", c.FD()).Info("accepted connection")
				nf.Register(c.FD(), &connPollable{c: c, nf: nf})
			}
			nf.Register(ln.FD(), lp)

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error {
				stop := ctx.Done()
				return nf.Run(stop)
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "127.0.0.1", "address to bind")
	return cmd
}

func dialCmd() *cobra.Command {
	var remote string
	cmd := &cobra.Command{
		Use:   "dial",
		Short: "connect to a remote listener and send one line of input",
		RunE: func(cmd *cobra.Command, args []string) error {
			nf, err := notifier.NewEpoll()
			if err != nil {
				return err
			}
			defer nf.Close()

			raddr, err := net.ResolveTCPAddr("tcp", remote)
			if err != nil {
				return err
			}
			c, err := tcpconn.Connect(raddr, nf)
			if err != nil {
				return err
			}
			nf.Register(c.FD(), &connPollable{c: c, nf: nf})

			line, err := readLine(os.Stdin)
			if err != nil {
				return err
			}

			g, ctx := errgroup.WithContext(cmd.Context())
			g.Go(func() error { return nf.Run(ctx.Done()) })
			g.Go(func() error {
				for !c.Sendable() && c.Valid() {
					time.Sleep(time.Millisecond)
				}
				if c.Valid() {
					c.Send(line)
				}
				return nil
			})
			return g.Wait()
		},
	}
	cmd.Flags().StringVar(&remote, "remote", "127.0.0.1:0", "remote address to dial")
	return cmd
}

func readLine(f *os.File) ([]byte, error) {
	var buf []byte
	b := make([]byte, 1)
	for {
		n, err := f.Read(b)
		if n == 1 {
			if b[0] == '\n' {
				break
			}
			buf = append(buf, b[0])
		}
		if err != nil {
			break
		}
	}
	return buf, nil
}
