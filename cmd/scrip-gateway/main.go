package main

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"
	"golang.org/x/net/netutil"

	"github.com/scripworks/scrip/gateway"
	"github.com/scripworks/scrip/pool"
)

const iniFilename = "scrip.ini"

// Config is the top-level configuration object of a scrip gateway worker.
var Config = new(struct {
	Gateway struct {
		Listen   string `long:"listen" env:"LISTEN" default:":3000" description:"Address of the HTTP listener"`
		Engine   string `long:"engine" env:"ENGINE" default:"127.0.0.1:9999" description:"Address of the issuance engine"`
		Company  string `long:"company" env:"COMPANY" default:"Impossible Cuts Inc." description:"Company name echoed on issued certificates"`
		MaxConns int    `long:"max-conns" default:"256" description:"Bound of concurrent HTTP connections"`

		Pool struct {
			Max     int           `long:"max" default:"64" description:"Maximum engine connections held by this worker"`
			Timeout time.Duration `long:"timeout" default:"5s" description:"Bound of one connection checkout, including dialing"`
		} `group:"Pool" namespace:"pool" env-namespace:"POOL"`
	} `group:"Gateway" namespace:"gateway" env-namespace:"GATEWAY"`

	Log         mbp.LogConfig         `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
})

type cmdServe struct{}

func (cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(Config.Diagnostics)()
	mbp.InitLog(Config.Log)

	log.WithFields(log.Fields{
		"config":    Config,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("scrip-gateway configuration")

	var client = pool.NewClient(pool.Config{
		Addr:            Config.Gateway.Engine,
		Max:             Config.Gateway.Pool.Max,
		CheckoutTimeout: Config.Gateway.Pool.Timeout,
	})

	listener, err := net.Listen("tcp", Config.Gateway.Listen)
	mbp.Must(err, "binding gateway listener")
	listener = netutil.LimitListener(listener, Config.Gateway.MaxConns)

	var (
		tasks    = task.NewGroup(context.Background())
		signalCh = make(chan os.Signal, 1)
		server   = &http.Server{Handler: gateway.NewHandler(client, Config.Gateway.Company)}
	)

	tasks.Queue("gateway.serveHTTP", func() error {
		if err := server.Serve(listener); err != http.ErrServerClosed {
			return err
		}
		return nil
	})
	tasks.Queue("gateway.shutdown", func() error {
		<-tasks.Context().Done()

		var ctx, cancel = context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		var err = server.Shutdown(ctx)
		client.Close()
		return err
	})

	log.WithFields(log.Fields{
		"listen": Config.Gateway.Listen,
		"engine": Config.Gateway.Engine,
	}).Info("starting scrip-gateway")

	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)
	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")
			tasks.Cancel()
			return nil
		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	mbp.Must(tasks.Wait(), "gateway task failed")
	log.Info("goodbye")

	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as scrip gateway", `
Serve a scrip gateway worker with the provided configuration, until
signaled to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
