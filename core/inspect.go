package core

import (
	"encoding/json"
	"net/http"
	"reflect"

	"github.com/encodeous/meshsec/state"
	"github.com/go-chi/chi/v5"
)

// InspectAPI serves a read-only JSON view of a running node next to its metrics.
type InspectAPI struct {
	env *state.Env
}

func NewInspectAPI(env *state.Env) *InspectAPI {
	return &InspectAPI{env: env}
}

func (a *InspectAPI) RegisterRoutes(r chi.Router) {
	r.Route("/api/v1/node", func(r chi.Router) {
		r.Get("/", a.handleNode)
		r.Get("/directory", a.handleDirectory)
		r.Get("/routing", a.handleRouting)
	})
}

type nodeResponse struct {
	Id          uint8    `json:"id"`
	BaseStation bool     `json:"base_station"`
	KeySeq      uint32   `json:"key_seq"`
	Sequence    uint32   `json:"sequence"`
	DataMode    string   `json:"data_mode"`
	KeyExchange string   `json:"key_exchange_mode"`
	KeyRefresh  string   `json:"key_refresh"`
	Neighbours  int      `json:"neighbours"`
	Known       int      `json:"known"`
	Components  []string `json:"components"`
}

// pairwise keys are never exposed
type directoryEntry struct {
	Id               uint8  `json:"id"`
	IsNeighbour      bool   `json:"neighbour"`
	Gateway          uint8  `json:"gateway,omitempty"`
	HopDistance      uint8  `json:"hops,omitempty"`
	Route            []int  `json:"route,omitempty"`
	Seq              uint16 `json:"seq"`
	WrongMACs        uint16 `json:"wrong_macs"`
	MissedKeepAlives uint8  `json:"missed_keep_alives"`
}

type routingResponse struct {
	Pending     int          `json:"pending"`
	Discovering []int        `json:"discovering"`
	Stats       RoutingStats `json:"stats"`
}

func (a *InspectAPI) handleNode(w http.ResponseWriter, r *http.Request) {
	a.query(w, func(s *state.State) any {
		kx := Get[*KeyExchange](s)
		var components []string
		for _, svc := range Get[*NetworkSecurity](s).Services() {
			components = append(components, reflect.TypeOf(svc).Elem().Name())
		}
		return nodeResponse{
			Id:          uint8(s.Id),
			BaseStation: s.IsBaseStation(),
			KeySeq:      s.Keys.Seq,
			Sequence:    Get[*PacketSecurity](s).Sequence(),
			DataMode:    s.DataMode.String(),
			KeyExchange: kx.Mode().String(),
			KeyRefresh:  kx.Interval().String(),
			Neighbours:  s.Directory.CountNeighbours(),
			Known:       s.Directory.Len(),
			Components:  components,
		}
	})
}

func (a *InspectAPI) handleDirectory(w http.ResponseWriter, r *http.Request) {
	a.query(w, func(s *state.State) any {
		nodes := s.Directory.Snapshot()
		out := make([]directoryEntry, 0, len(nodes))
		for _, n := range nodes {
			e := directoryEntry{
				Id:               uint8(n.Id),
				IsNeighbour:      n.IsNeighbour,
				Gateway:          uint8(n.Gateway),
				HopDistance:      n.HopDistance,
				Seq:              n.Seq,
				WrongMACs:        n.WrongMACs,
				MissedKeepAlives: n.MissedKeepAlives,
			}
			for _, hop := range n.FullRoute {
				e.Route = append(e.Route, int(hop))
			}
			out = append(out, e)
		}
		return out
	})
}

func (a *InspectAPI) handleRouting(w http.ResponseWriter, r *http.Request) {
	a.query(w, func(s *state.State) any {
		rt := Get[*Routing](s)
		res := routingResponse{Pending: rt.Pending(), Discovering: []int{}, Stats: rt.Stats}
		for id := 1; id <= 255; id++ {
			if rt.InFlight(state.NodeId(id)) {
				res.Discovering = append(res.Discovering, id)
			}
		}
		return res
	})
}

// query runs fn on the processing context and writes its result.
func (a *InspectAPI) query(w http.ResponseWriter, fn func(s *state.State) any) {
	if err := a.env.Context.Err(); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	res, err := a.env.DispatchWait(func(s *state.State) (any, error) {
		return fn(s), nil
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(res)
}
