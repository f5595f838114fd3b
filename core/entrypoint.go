package core

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path"
	"reflect"
	"runtime"
	"slices"
	"syscall"
	"time"

	"github.com/encodeous/meshsec/perf"
	"github.com/encodeous/meshsec/state"
	"github.com/encodeous/tint"
	"github.com/goccy/go-yaml"
	slogmulti "github.com/samber/slog-multi"
)

func ReadNodeConfig(nodePath string) (*state.NodeCfg, error) {
	var nodeCfg state.NodeCfg
	file, err := os.ReadFile(nodePath)
	if err != nil {
		return nil, err
	}
	err = yaml.Unmarshal(file, &nodeCfg)
	if err != nil {
		return nil, err
	}
	nodeCfg.ApplyPreset()
	return &nodeCfg, nil
}

// Bootstrap manages the lifetime of a node. The runtime may be restarted multiple times, but Bootstrap is only called once.
func Bootstrap(nodePath, logPath string, verbose bool, radio func(cfg *state.NodeCfg) (Radio, error)) error {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}

	for {
		nodeCfg, err := ReadNodeConfig(nodePath)
		if err != nil {
			return err
		}
		if logPath != "" {
			nodeCfg.LogPath = logPath
		}
		err = state.NodeConfigValidator(nodeCfg)
		if err != nil {
			return err
		}
		r, err := radio(nodeCfg)
		if err != nil {
			return err
		}
		restart, err := Start(*nodeCfg, level, r, nil)
		if err != nil {
			return err
		}
		if !restart {
			return nil
		}
	}
}

// NewLogger builds the node logger: a tint console handler, fanned out to logPath when set.
func NewLogger(w io.Writer, id state.NodeId, level slog.Level, logPath string) (*slog.Logger, error) {
	handlers := make([]slog.Handler, 0)
	handlers = append(handlers,
		tint.NewHandler(w, &tint.Options{
			Level:        level,
			AddSource:    false,
			CustomPrefix: id.String(),
			ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
				if attr.Key == "time" {
					return slog.Attr{}
				}
				return attr
			},
		}))

	if logPath != "" {
		err := os.MkdirAll(path.Dir(logPath), 0700)
		if err != nil {
			return nil, err
		}
		f, err := os.OpenFile(logPath, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0700)
		if err != nil {
			return nil, err
		}
		handlers = append(handlers, slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
	}

	return slog.New(slogmulti.Fanout(handlers...)), nil
}

// NewState creates the state of a node that has not been initialized yet.
func NewState(cfg state.NodeCfg, logger *slog.Logger) (*state.State, chan func(*state.State) error) {
	ctx, cancel := context.WithCancelCause(context.Background())
	dispatch := make(chan func(*state.State) error, state.DispatchBuffer)

	bs := cfg.BaseStationId
	if cfg.BaseStation {
		bs = cfg.Id
	}
	s := &state.State{
		Modules:   make(map[string]state.MeshModule),
		Directory: state.NewDirectory(cfg.Id, bs),
		Keys: state.KeyRing{
			Initial: cfg.InitialKey,
			Current: cfg.GlobalKey,
			Last:    cfg.GlobalKey,
			Seq:     state.InitialKeySeq,
		},
		Env: &state.Env{
			Context:         ctx,
			Cancel:          cancel,
			DispatchChannel: dispatch,
			NodeCfg:         cfg,
			Log:             logger,
		},
	}
	return s, dispatch
}

func Start(cfg state.NodeCfg, logLevel slog.Level, radio Radio, initState **state.State) (bool, error) {
	logger, err := NewLogger(os.Stderr, cfg.Id, logLevel, cfg.LogPath)
	if err != nil {
		return false, err
	}

	s, dispatch := NewState(cfg, logger)
	if initState != nil {
		*initState = s
	}

	s.Log.Info("init modules")
	err = InitModules(s, radio)
	if err != nil {
		Stop(s)
		return false, err
	}
	s.Log.Info("init modules complete")

	if cfg.MetricsBind != "" {
		if err := perf.Serve(s.Context, cfg.MetricsBind, s.Log, NewInspectAPI(s.Env).RegisterRoutes); err != nil {
			Stop(s)
			return false, err
		}
	}

	s.Log.Info("node has been initialized. To gracefully exit, send SIGINT or Ctrl+C.", "base_station", s.IsBaseStation())

	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		defer signal.Stop(c)
		select {
		case <-c:
			s.Cancel(errors.New("received shutdown signal"))
		case <-s.Context.Done():
			return
		}
	}()

	err = MainLoop(s, dispatch)
	if err != nil {
		return false, err
	}
	if s.Restart.Load() {
		s.Log.Info("restarting node...")
		return true, nil
	}
	return false, nil
}

// InitModules registers and initializes every module. Framework services are dispatched to
// in the order they appear here.
func InitModules(s *state.State, radio Radio) error {
	var modules []state.MeshModule
	modules = append(modules, &MeshTrace{})
	modules = append(modules, &NetworkSecurity{})
	modules = append(modules, &PacketSecurity{})
	modules = append(modules, NewController(radio))
	modules = append(modules, &Routing{})
	modules = append(modules, &KeyExchange{})
	modules = append(modules, &KeepAlive{})
	modules = append(modules, &SecurityUpdate{})
	modules = append(modules, &Watchdog{})

	for _, module := range modules {
		name := reflect.TypeOf(module).String()
		s.Modules[name] = module
		if err := module.Init(s); err != nil {
			return err
		}
		s.ModuleOrder = append(s.ModuleOrder, name)
	}
	return nil
}

func runDispatch(s *state.State, wd *Watchdog, fun func(*state.State) error, queued int) {
	start := time.Now()
	wd.Enter()
	err := fun(s)
	wd.Leave()
	if err != nil {
		s.Log.Error("error occurred during dispatch: ", "error", err)
		s.Cancel(err)
	}
	elapsed := time.Since(start)
	perf.DispatchLatency.Add(float64(elapsed.Microseconds()))
	if elapsed > state.SlowDispatch {
		s.Log.Warn("dispatch took a long time!", "fun", runtime.FuncForPC(reflect.ValueOf(fun).Pointer()).Name(), "elapsed", elapsed, "len", queued)
	}
}

func MainLoop(s *state.State, dispatch <-chan func(*state.State) error) error {
	s.Log.Debug("started main loop")
	s.Started.Store(true)
	c := Get[*Controller](s)
	wd := Get[*Watchdog](s)
	frames := c.Frames()
	for {
		select {
		case fun := <-dispatch:
			if fun == nil {
				goto endLoop
			}
			runDispatch(s, wd, fun, len(dispatch))
		case f := <-frames:
			runDispatch(s, wd, func(s *state.State) error {
				c.HandleFrame(s, f.data, f.phySrc)
				return nil
			}, len(frames))
		case <-s.Context.Done():
			goto endLoop
		}
	}
endLoop:
	s.Log.Info("stopped main loop", "reason", context.Cause(s.Context).Error())
	Stop(s)
	return nil
}

func Stop(s *state.State) {
	if s.Stopping.Swap(true) {
		return // don't stop twice
	}
	s.Cancel(context.Canceled)
	if s.DispatchChannel != nil {
		close(s.DispatchChannel)
		s.DispatchChannel = nil
	}
	s.Log.Info("cleaning up modules")
	for _, name := range slices.Backward(s.ModuleOrder) {
		err := s.Modules[name].Cleanup(s)
		if err != nil {
			s.Log.Error("error occurred during Stop: ", "module", name, "error", err)
		}
	}
	s.Log.Info("stopped")
}
