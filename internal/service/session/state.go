package session

// State 会话状态机的状态
type State string

const (
	StateConnecting  State = "connecting"
	StateActive      State = "active"
	StateInterrupted State = "interrupted"
	StateClosing     State = "closing"
	StateClosed      State = "closed"
	StateFailed      State = "failed"
)

// Terminal 判断是否为终态
func (s State) Terminal() bool {
	return s == StateClosed || s == StateFailed
}

// Connected 判断该状态下会话是否持有活跃的上游连接
func (s State) Connected() bool {
	return s == StateActive || s == StateInterrupted
}
