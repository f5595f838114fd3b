package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/encodeous/meshsec/core"
	"github.com/encodeous/meshsec/state"
	"github.com/spf13/cobra"
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Simulate a mesh in-process",
	Long: `Runs every node of a topology on an in-process radio medium. Regular nodes periodically send
application traffic to the base station. Without a topology file, a line of --line nodes is simulated.`,
	Run: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		trace, _ := cmd.Flags().GetBool("trace")
		duration, _ := cmd.Flags().GetDuration("duration")
		interval, _ := cmd.Flags().GetDuration("interval")
		line, _ := cmd.Flags().GetUint8("line")

		var topo *state.TopologyCfg
		var err error
		if path, _ := cmd.Flags().GetString("topology"); path != "" {
			topo, err = readTopology(path)
		} else {
			topo, err = lineTopology(line)
		}
		if err != nil {
			panic(err)
		}

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		err = simulate(topo, level, trace, duration, interval)
		if err != nil {
			panic(err)
		}
	},
	GroupID: "mesh",
}

// lineTopology builds n nodes that can each only hear their direct predecessor and successor.
func lineTopology(n uint8) (*state.TopologyCfg, error) {
	if n < 2 || state.IdValidator(state.NodeId(n)) != nil {
		return nil, fmt.Errorf("line of %d nodes cannot be simulated", n)
	}
	initial, global := state.GenerateKey(), state.GenerateKey()
	topo := &state.TopologyCfg{Latency: 5 * time.Millisecond}
	for id := range state.NodeId(n) {
		cfg := state.NodeCfg{
			Id:            id + 1,
			BaseStation:   id == 0,
			BaseStationId: 1,
			InitialKey:    initial,
			GlobalKey:     global,
		}
		cfg.ApplyPreset()
		topo.Nodes = append(topo.Nodes, cfg)
		if id > 0 {
			topo.Graph = append(topo.Graph, fmt.Sprintf("%s, %s", id, id+1))
		}
	}
	return topo, state.TopologyValidator(topo)
}

// nextReading numbers application payloads across every simulated node.
func nextReading(sent *atomic.Uint64, id state.NodeId) []byte {
	return []byte(fmt.Sprintf("reading %d from %s", sent.Add(1), id))
}

type simNode struct {
	s    *state.State
	done chan error
}

func simulate(topo *state.TopologyCfg, level slog.Level, trace bool, duration, interval time.Duration) error {
	links, err := topo.Links()
	if err != nil {
		return err
	}
	medium := core.NewVirtualMedium()
	for _, l := range links {
		medium.Connect(l.V1, l.V2).WithLatency(topo.Latency).WithLoss(topo.Loss)
		medium.Link(l.V2, l.V1).WithLatency(topo.Latency).WithLoss(topo.Loss)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if duration > 0 {
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	var sent, delivered atomic.Uint64
	var bs state.NodeId
	for _, cfg := range topo.Nodes {
		if cfg.BaseStation {
			bs = cfg.Id
		}
	}

	nodes := make([]simNode, 0, len(topo.Nodes))
	for _, cfg := range topo.Nodes {
		logger, err := core.NewLogger(os.Stderr, cfg.Id, level, cfg.LogPath)
		if err != nil {
			return err
		}
		s, dispatch := core.NewState(cfg, logger)
		err = core.InitModules(s, medium.Radio(cfg.Id))
		if err != nil {
			core.Stop(s)
			return err
		}
		if trace {
			events := make(chan any, 256)
			core.Get[*core.MeshTrace](s).Register(events)
			go printTrace(ctx, events)
		}
		if cfg.BaseStation {
			err = core.Get[*core.Controller](s).RegisterProtocol(state.ProtocolApplication, func(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) {
				delivered.Add(1)
				s.Log.Info("application data", "from", pkt.Source, "via", phySrc, "payload", string(pkt.Payload()))
			})
			if err != nil {
				return err
			}
		} else {
			s.RepeatTask(func(s *state.State) error {
				if err := core.Get[*core.Controller](s).Send(s, bs, state.ProtocolApplication, nextReading(&sent, s.Id)); err != nil {
					s.Log.Warn("failed to send application data", "err", err)
				}
				return nil
			}, interval)
		}
		n := simNode{s: s, done: make(chan error, 1)}
		go func() {
			n.done <- core.MainLoop(n.s, dispatch)
		}()
		nodes = append(nodes, n)
	}

	slog.Info("simulation started", "nodes", len(nodes), "links", len(links), "base_station", bs)
	<-ctx.Done()

	for _, n := range nodes {
		n.s.Cancel(context.Canceled)
	}
	for _, n := range nodes {
		if err := <-n.done; err != nil {
			slog.Error("node stopped with error", "node", n.s.Id, "err", err)
		}
	}
	medium.Close()
	slog.Info("simulation finished", "sent", sent.Load(), "delivered", delivered.Load())
	return nil
}

func printTrace(ctx context.Context, events <-chan any) {
	for {
		select {
		case ev := <-events:
			fmt.Println(ev)
		case <-ctx.Done():
			return
		}
	}
}

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().StringP("topology", "t", "", "topology file, see verify --topology")
	simCmd.Flags().Uint8P("line", "l", 4, "length of the generated line topology")
	simCmd.Flags().DurationP("duration", "d", time.Minute, "how long to run, 0 runs until interrupted")
	simCmd.Flags().DurationP("interval", "i", 15*time.Second, "interval between application packets of each node")
	simCmd.Flags().BoolP("verbose", "v", false, "Verbose output")
	simCmd.Flags().Bool("trace", false, "print mesh trace events")
}
