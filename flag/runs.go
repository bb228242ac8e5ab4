package flag

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"

	"github.com/alecthomas/kong"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/virtgpu/iovrelay/devm"
	"github.com/virtgpu/iovrelay/probe"
)

// CLI is the iovrelay command tree.
type CLI struct {
	Probe   ProbeCMD   `cmd:"" help:"Print relay capabilities and exit."`
	PF      PFCMD      `cmd:"" name:"pf" help:"Run the PF daemon."`
	Migrate MigrateCMD `cmd:"" help:"Ask a running PF daemon to migrate one VF."`

	LogLevel string `help:"Log level (debug, info, warn, error)." default:"info"`
}

func Parse() error {
	c := CLI{}

	programName := "iovrelay"
	programDesc := "iovrelay is a PF/VF relay and VF live-migration daemon for virtualized GPUs"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	level, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return err
	}

	logrus.SetLevel(level)

	err = ctx.Run()

	return err
}

type ProbeCMD struct{}

func (d *ProbeCMD) Run() error {
	if err := probe.Capabilities(); err != nil {
		return err
	}

	return nil
}

type PFCMD struct {
	Config string `help:"Daemon config file." default:"iovrelay.yaml" type:"existingfile"`
}

func (s *PFCMD) Run() error {
	cfg, err := LoadConfig(s.Config)
	if err != nil {
		return err
	}

	m := devm.New()

	ctx := context.Background()

	for _, def := range cfg.VFs {
		lmem, err := ParseSize(def.LMEM, "m")
		if err != nil {
			return fmt.Errorf("vf %d lmem: %w", def.VFID, err)
		}

		ggtt, err := ParseSize(def.GGTT, "m")
		if err != nil {
			return fmt.Errorf("vf %d ggtt: %w", def.VFID, err)
		}

		vf := devm.VFConfig{
			VFID:          def.VFID,
			Tile:          def.Tile,
			LMEMSize:      uint64(lmem),
			GGTTSize:      uint64(ggtt),
			TelemetryRate: def.TelemetryRate,
		}

		if err := m.AddVF(ctx, vf); err != nil {
			return err
		}
	}

	sockPath, err := m.StartControlSocket()
	if err != nil {
		return err
	}

	logrus.WithField("socket", sockPath).Info("control socket ready")

	reg := prometheus.NewRegistry()
	if err := reg.Register(m.PF().Telemetry()); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	incoming, err := net.Listen("tcp", cfg.IncomingAddr)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return http.ListenAndServe(cfg.MetricsAddr, mux)
	})

	g.Go(func() error {
		return m.ServeIncoming(ctx, incoming)
	})

	return g.Wait()
}

type MigrateCMD struct {
	Pid  int    `help:"PID of the running PF daemon." required:""`
	Addr string `arg:"" help:"Destination host:port."`
	VFID uint32 `arg:"" help:"VF to migrate."`
	Tile uint32 `arg:"" optional:"" help:"Tile of the VF." default:"0"`
}

func (c *MigrateCMD) Run() error {
	conn, err := net.Dial("unix", devm.ControlSocketPath(c.Pid))
	if err != nil {
		return err
	}

	defer conn.Close()

	cmd := fmt.Sprintf("MIGRATE %s %d %d\n", c.Addr, c.VFID, c.Tile)
	if _, err := conn.Write([]byte(cmd)); err != nil {
		return err
	}

	reply, err := bufio.NewReader(conn).ReadString('\n')
	if err != nil {
		return err
	}

	reply = strings.TrimSpace(reply)
	fmt.Fprintln(os.Stdout, reply)

	if strings.HasPrefix(reply, "ERROR") {
		return fmt.Errorf("migration failed: %s", reply)
	}

	return nil
}
