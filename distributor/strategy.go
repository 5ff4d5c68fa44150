package distributor

// Strategy names a selection policy applied to the eligible candidates.
type Strategy string

const (
	// StrategyCapabilityMatch takes the first candidate in deterministic
	// (sorted) order. The default.
	StrategyCapabilityMatch Strategy = "CAPABILITY_MATCH"
	// StrategyRoundRobin picks a candidate uniformly at random.
	StrategyRoundRobin Strategy = "ROUND_ROBIN"
	// StrategyLoadBalanced picks the candidate with the lowest current
	// load, first-found on ties.
	StrategyLoadBalanced Strategy = "LOAD_BALANCED"
	// StrategyPriorityBased picks the candidate with the highest priority
	// rank, first-found on ties.
	StrategyPriorityBased Strategy = "PRIORITY_BASED"
	// StrategyCustom delegates to the selector registered with
	// UseCustomSelector.
	StrategyCustom Strategy = "CUSTOM"
)

// AgentState is a point-in-time copy of one agent's distribution record.
type AgentState struct {
	AgentID      string
	Capabilities []string
	PriorityRank int
	CurrentLoad  int
	Online       bool
}

// SelectorFunc implements a custom selection policy. It receives the
// eligible candidates in deterministic order and a snapshot of every
// registered agent, and returns the chosen agent id.
type SelectorFunc func(candidates []string, snapshot map[string]AgentState) (string, error)
