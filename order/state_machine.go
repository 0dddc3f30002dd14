package order

import (
	"fmt"
)

// StateTransition 状态转换
type StateTransition struct {
	From Status
	To   Status
}

// StateMachine 订单状态机，只允许向前推进；终态不可离开。
type StateMachine struct {
	transitions map[StateTransition]bool
}

// NewStateMachine 创建新的状态机
func NewStateMachine() *StateMachine {
	sm := &StateMachine{
		transitions: make(map[StateTransition]bool),
	}
	sm.initializeTransitions()
	return sm
}

func (sm *StateMachine) initializeTransitions() {
	legalTransitions := []StateTransition{
		// 从PENDING_CREATE可以转到；ACK 之前就可能收到成交或撤单推送
		{StatusPendingCreate, StatusOpen},
		{StatusPendingCreate, StatusPartiallyFilled},
		{StatusPendingCreate, StatusFilled},
		{StatusPendingCreate, StatusCancelled},
		{StatusPendingCreate, StatusFailed},
		{StatusPendingCreate, StatusAmbiguous},

		// 从OPEN可以转到
		{StatusOpen, StatusPartiallyFilled},
		{StatusOpen, StatusFilled},
		{StatusOpen, StatusPendingCancel},
		{StatusOpen, StatusCancelled},

		// 从PARTIALLY_FILLED可以转到
		{StatusPartiallyFilled, StatusFilled},
		{StatusPartiallyFilled, StatusPendingCancel},
		{StatusPartiallyFilled, StatusCancelled},

		// 撤单中：部分成交保持 PENDING_CANCEL
		{StatusPendingCancel, StatusFilled},
		{StatusPendingCancel, StatusCancelled},
		{StatusPendingCancel, StatusAmbiguous},

		// 核实后回到真实状态
		{StatusAmbiguous, StatusOpen},
		{StatusAmbiguous, StatusPartiallyFilled},
		{StatusAmbiguous, StatusPendingCancel},
		{StatusAmbiguous, StatusFilled},
		{StatusAmbiguous, StatusCancelled},
		{StatusAmbiguous, StatusFailed},

		// 终态不能转换（FILLED, CANCELLED, FAILED）
	}

	for _, t := range legalTransitions {
		sm.transitions[t] = true
	}
}

// ValidateTransition 验证状态转换是否合法；相同状态视为幂等。
func (sm *StateMachine) ValidateTransition(from, to Status) error {
	if from == to {
		return nil
	}
	if !sm.transitions[StateTransition{From: from, To: to}] {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, from, to)
	}
	return nil
}

// AllowedTransitions 返回当前状态所有合法的目标状态
func (sm *StateMachine) AllowedTransitions(current Status) []Status {
	allowed := make([]Status, 0)
	for transition := range sm.transitions {
		if transition.From == current {
			allowed = append(allowed, transition.To)
		}
	}
	return allowed
}

// IsLive 仍由跟踪器持有、可能占用余额的状态
func IsLive(status Status) bool {
	return status != "" && !status.IsTerminal()
}

// CanCancel 可以直接发出撤单请求的状态
func CanCancel(status Status) bool {
	switch status {
	case StatusOpen, StatusPartiallyFilled:
		return true
	default:
		return false
	}
}

// Describe 状态描述
func Describe(status Status) string {
	descriptions := map[Status]string{
		StatusPendingCreate:   "订单待确认",
		StatusOpen:            "订单已挂出",
		StatusPartiallyFilled: "订单部分成交",
		StatusFilled:          "订单完全成交",
		StatusPendingCancel:   "订单撤销中",
		StatusCancelled:       "订单已撤销",
		StatusFailed:          "订单失败",
		StatusAmbiguous:       "订单状态待核实",
	}
	if desc, ok := descriptions[status]; ok {
		return desc
	}
	return "未知状态"
}
