package strategy

import (
	"fmt"
	"sync/atomic"
)

// Phase 策略实例所处阶段
type Phase int32

const (
	PhaseIdle Phase = iota
	PhaseComputingQuotes
	PhasePlacingOrders
	PhaseMonitoring
	PhaseCancelling
	PhaseRefreshing
	PhaseStopped
)

func (p Phase) String() string {
	switch p {
	case PhaseIdle:
		return "IDLE"
	case PhaseComputingQuotes:
		return "COMPUTING_QUOTES"
	case PhasePlacingOrders:
		return "PLACING_ORDERS"
	case PhaseMonitoring:
		return "MONITORING"
	case PhaseCancelling:
		return "CANCELLING"
	case PhaseRefreshing:
		return "REFRESHING"
	case PhaseStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

type phaseTransition struct {
	from, to Phase
}

var phaseTransitions = map[phaseTransition]bool{
	{PhaseIdle, PhaseComputingQuotes}:          true,
	{PhaseComputingQuotes, PhasePlacingOrders}: true,
	{PhasePlacingOrders, PhaseMonitoring}:      true,
	{PhaseMonitoring, PhaseRefreshing}:         true,
	{PhaseMonitoring, PhaseCancelling}:         true,
	{PhaseCancelling, PhaseRefreshing}:         true,
	{PhaseRefreshing, PhaseComputingQuotes}:    true,
}

// PhaseMachine 阶段状态机。任何阶段都可进入 Stopped，Stopped 为终态。
// 只由所属实例的 goroutine 推进，Current 可并发读取。
type PhaseMachine struct {
	cur      atomic.Int32
	onChange func(Phase)
}

func NewPhaseMachine(onChange func(Phase)) *PhaseMachine {
	return &PhaseMachine{onChange: onChange}
}

func (m *PhaseMachine) Current() Phase { return Phase(m.cur.Load()) }

// Transition 推进到 to；非法转换返回错误且不改变阶段。
func (m *PhaseMachine) Transition(to Phase) error {
	from := m.Current()
	if from == to {
		return nil
	}
	if from == PhaseStopped {
		return fmt.Errorf("strategy stopped: cannot enter %s", to)
	}
	if to != PhaseStopped && !phaseTransitions[phaseTransition{from, to}] {
		return fmt.Errorf("illegal phase transition %s -> %s", from, to)
	}
	m.cur.Store(int32(to))
	if m.onChange != nil {
		m.onChange(to)
	}
	return nil
}

// Walk 依次推进多个阶段，遇到非法转换即停止。
func (m *PhaseMachine) Walk(phases ...Phase) error {
	for _, p := range phases {
		if err := m.Transition(p); err != nil {
			return err
		}
	}
	return nil
}

// BeginCycle 进入 ComputingQuotes：Idle 直接进入，Monitoring/Cancelling 经 Refreshing。
// 其余阶段返回 false。
func (m *PhaseMachine) BeginCycle() bool {
	switch m.Current() {
	case PhaseIdle, PhaseRefreshing:
		return m.Transition(PhaseComputingQuotes) == nil
	case PhaseMonitoring, PhaseCancelling:
		return m.Walk(PhaseRefreshing, PhaseComputingQuotes) == nil
	}
	return false
}

// EndCycle 从 ComputingQuotes 经 PlacingOrders 回到 Monitoring。
func (m *PhaseMachine) EndCycle() {
	switch m.Current() {
	case PhaseComputingQuotes:
		_ = m.Walk(PhasePlacingOrders, PhaseMonitoring)
	case PhasePlacingOrders:
		_ = m.Transition(PhaseMonitoring)
	}
}
