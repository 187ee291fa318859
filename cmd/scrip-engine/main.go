package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/jessevdk/go-flags"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/scripworks/scrip/issue"
)

const iniFilename = "scrip.ini"

// Config is the top-level configuration object of the scrip issuance engine.
var Config = new(struct {
	Engine struct {
		Listen  string            `long:"listen" env:"LISTEN" default:"127.0.0.1:9999" description:"Address of the engine grant listener"`
		Journal string            `long:"journal" env:"JOURNAL" default:"scrip.journal" description:"Path of the append-only grant journal"`
		Class   map[string]uint64 `long:"class" description:"Share class and its authorized total, e.g. --engine.class CS:100"`
		Queue   int               `long:"queue" default:"1024" description:"Bound of grant requests queued on the decision loop"`
		Batch   int               `long:"batch" default:"256" description:"Maximum grants committed under one journal sync"`
	} `group:"Engine" namespace:"engine" env-namespace:"ENGINE"`

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
	}).Info("scrip-engine configuration")

	svc, err := issue.NewService(issue.Config{
		Classes:    Config.Engine.Class,
		Journal:    Config.Engine.Journal,
		QueueDepth: Config.Engine.Queue,
		BatchLimit: Config.Engine.Batch,
	})
	mbp.Must(err, "recovering issuance state")

	srv, err := issue.NewServer(svc, Config.Engine.Listen)
	mbp.Must(err, "binding engine listener")

	var (
		tasks    = task.NewGroup(context.Background())
		signalCh = make(chan os.Signal, 1)
	)
	svc.QueueTasks(tasks)
	srv.QueueTasks(tasks)

	log.WithField("endpoint", srv.Endpoint()).Info("starting scrip-engine")

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

	// Block until all tasks complete. Assert none returned an error:
	// a journal fault or startup corruption exits non-zero here.
	mbp.Must(tasks.Wait(), "engine task failed")
	log.Info("goodbye")

	return nil
}

func main() {
	var parser = flags.NewParser(Config, flags.Default)

	_, _ = parser.AddCommand("serve", "Serve as scrip issuance engine", `
Serve the scrip issuance engine with the provided configuration, until
signaled to exit (via SIGTERM).
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
