package domain

import "time"

// ExecStatus is the outcome of one sequence execution.
type ExecStatus string

const (
	ExecCompleted  ExecStatus = "completed"
	ExecAborted    ExecStatus = "aborted"
	ExecReturned   ExecStatus = "returned_home"
	ExecBaseSwitch ExecStatus = "base_switched"
	ExecStranded   ExecStatus = "stranded"
)

// SequenceExecution records one attempt to trade a sequence end to end.
type SequenceExecution struct {
	ID             string
	Sequence       string
	StartCurrency  string
	StartAmount    float64
	EndCurrency    string
	EndAmount      float64
	ExpectedProfit float64
	ActualProfit   float64
	Status         ExecStatus
	Error          string
	Hops           []HopExecution
	StartedAt      time.Time
	CompletedAt    time.Time
}

// HopExecution records one order placed for a hop.
type HopExecution struct {
	Index           int
	OrderID         string
	Pair            Pair
	Side            Side
	Type            OrderType
	Amount          string
	Price           string
	RequiredBalance float64
	ReceivedAmount  float64
	Status          OrderStatus
}

// BannedPair is a pair excluded from evaluation until ExpiresAt.
type BannedPair struct {
	Pair      Pair
	Reason    string
	ExpiresAt time.Time
}
