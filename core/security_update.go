package core

import (
	"github.com/encodeous/meshsec/perf"
	"github.com/encodeous/meshsec/state"
	"github.com/google/uuid"
)

type escalation int

const (
	escalateNone escalation = iota
	escalateSoft
	escalateHard
)

func (e escalation) String() string {
	switch e {
	case escalateSoft:
		return "soft"
	case escalateHard:
		return "hard"
	}
	return "none"
}

// SecurityUpdate reports attack indicators to the base station, which raises the security
// level of the whole network when too many nodes see forged packets.
type SecurityUpdate struct {
	timer uuid.UUID

	// base station window
	errorNodes map[state.NodeId]bool
	escalated  bool
}

func (u *SecurityUpdate) Init(s *state.State) error {
	u.errorNodes = make(map[state.NodeId]bool)
	ns := Get[*NetworkSecurity](s)
	ns.RegisterComponent(u)
	u.timer = ns.RegisterTimer(s, state.StatusReportInterval, u.tick, nil)
	return nil
}

func (u *SecurityUpdate) Cleanup(s *state.State) error {
	return nil
}

func (u *SecurityUpdate) status(s *state.State) state.SecurityStatus {
	p := Get[*PacketSecurity](s)
	wrong, received := p.Window()
	return state.SecurityStatus{
		WrongMACs:       wrong,
		Received:        received,
		OverflowWarning: p.OverflowWarning(),
		NodesWithErrors: uint8(min(s.Directory.CountNodesWithMacErrors(uint16(state.MacErrorsPerNodeLimit)), 255)),
		Neighbours:      uint8(min(s.Directory.CountNeighbours(), 255)),
	}
}

func (u *SecurityUpdate) resetWindow(s *state.State) {
	Get[*PacketSecurity](s).ResetWindow()
	s.Directory.ResetMacErrors()
}

func (u *SecurityUpdate) tick(s *state.State, _ any) TimerResult {
	if s.IsBaseStation() {
		u.evaluate(s, s.Id, u.status(s))
		clear(u.errorNodes)
		u.escalated = false
		u.resetWindow(s)
		return TimerContinue
	}
	if err := u.SendStatus(s); err != nil {
		s.Log.Debug("failed to send security status", "err", err)
	}
	return TimerContinue
}

// SendStatus reports the current window to the base station and starts a new one.
func (u *SecurityUpdate) SendStatus(s *state.State) error {
	st := u.status(s)
	u.resetWindow(s)
	_, err := sendMessage(s, s.BaseStationId, state.ProtocolNetworkSecurity, state.DefaultTTL, s.DataMode, false, st)
	return err
}

func (u *SecurityUpdate) HandlePacket(s *state.State, pkt *state.SecurePacket, phySrc state.NodeId) (Verdict, error) {
	if pkt.Protocol != state.ProtocolNetworkSecurity {
		return VerdictPass, nil
	}
	switch pkt.MessageType() {
	case state.MsgSecurityStatus:
		msg := state.SecurityStatus{}
		if err := msg.UnmarshalBinary(pkt.Payload()); err != nil {
			return VerdictNoRebroadcast, err
		}
		if s.IsBaseStation() {
			u.evaluate(s, pkt.Source, msg)
		}
		return VerdictNoRebroadcast, nil
	case state.MsgSecurityRefresh:
		msg := state.SecurityRefresh{}
		if err := msg.UnmarshalBinary(pkt.Payload()); err != nil {
			return VerdictNoRebroadcast, err
		}
		if s.IsBaseStation() || pkt.Source != s.BaseStationId {
			return VerdictNoRebroadcast, nil
		}
		kx := Get[*KeyExchange](s)
		kx.SetMode(msg.KeyExchangeMode)
		kx.SetInterval(s, msg.Interval)
		s.Log.Info("security level raised", "mode", msg.KeyExchangeMode, "interval", msg.Interval)
		return VerdictHandled, nil
	}
	return VerdictPass, nil
}

func (u *SecurityUpdate) HandleEvent(s *state.State, ev Event) {
	if ev.Kind != EventSequenceOverflow {
		return
	}
	if s.IsBaseStation() {
		if err := Get[*KeyExchange](s).Refresh(s); err != nil {
			s.Log.Error("refresh after sequence overflow failed", "err", err)
		}
		return
	}
	if err := u.SendStatus(s); err != nil {
		s.Log.Warn("failed to report sequence overflow", "err", err)
	}
}

// evaluate folds one status report into the base station window.
func (u *SecurityUpdate) evaluate(s *state.State, from state.NodeId, st state.SecurityStatus) {
	if st.OverflowWarning {
		s.Log.Info("node is running out of sequence numbers", "node", from)
		if err := Get[*KeyExchange](s).Refresh(s); err != nil {
			s.Log.Error("refresh after overflow warning failed", "err", err)
		}
	}
	ratio := st.ErrorRatio()
	if st.WrongMACs >= uint16(state.MacErrorsPerNodeLimit) || ratio >= state.MacErrorRatioSoft {
		u.errorNodes[from] = true
	}
	level := escalateNone
	switch {
	case ratio >= state.MacErrorRatioHard || len(u.errorNodes) > state.NodesWithErrorsLimitHard:
		level = escalateHard
	case len(u.errorNodes) > state.NodesWithErrorsLimitSoft:
		level = escalateSoft
	}
	if level == escalateNone || u.escalated {
		return
	}
	u.escalated = true
	u.escalate(s, level)
}

func (u *SecurityUpdate) escalate(s *state.State, level escalation) {
	kx := Get[*KeyExchange](s)
	interval := state.RefreshHourly
	if level == escalateSoft {
		interval = kx.Interval().Escalate()
	}
	mode := state.SecurityEncryptAndMACPairwiseBroadcast
	s.Log.Warn("escalating network security", "level", level, "mode", mode, "interval", interval, "error_nodes", len(u.errorNodes))
	perf.Mesh.Escalations.WithLabelValues(s.Id.String(), level.String()).Inc()

	kx.SetMode(mode)
	if _, err := sendMessage(s, state.Broadcast, state.ProtocolNetworkSecurity, state.DefaultTTL, s.DataMode, false,
		state.SecurityRefresh{KeyExchangeMode: mode, Interval: interval}); err != nil {
		s.Log.Warn("failed to announce security refresh", "err", err)
	}
	if err := kx.Refresh(s); err != nil {
		s.Log.Error("refresh after escalation failed", "err", err)
	}
	kx.SetInterval(s, interval)
}

// Escalated reports whether the current window already escalated.
func (u *SecurityUpdate) Escalated() bool {
	return u.escalated
}
