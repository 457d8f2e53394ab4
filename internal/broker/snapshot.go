package broker

// ClientSnapshot is one client's status, as reported by Broker.Snapshot.
type ClientSnapshot struct {
	Addr           string `json:"addr"`
	TaskID         string `json:"task_id"`
	HasAlgorithmID bool   `json:"has_algorithm_id"`
	Pending        int    `json:"pending"`
	Results        int    `json:"results"`
	Submitted      int64  `json:"submitted"`
	Completed      int64  `json:"completed"`
	Servicers      int    `json:"servicers"`
}

// NodeSnapshot is one connected node's status, as reported by
// Broker.Snapshot.
type NodeSnapshot struct {
	Addr          string `json:"addr"`
	CurrentTaskID string `json:"current_task_id,omitempty"`
	InFlight      int    `json:"in_flight"`
}

// Snapshot is the broker's point-in-time status, used by the HTTP status
// endpoint.
type Snapshot struct {
	Clients   []ClientSnapshot `json:"clients"`
	NodeCount int              `json:"node_count"`
	Nodes     []NodeSnapshot   `json:"nodes"`
}

// Snapshot reports the broker's current clients and their queue depths,
// and, per connected node, which task it is servicing and how many
// subtasks it currently holds in flight. It takes a brief read lock over
// the state table; it never blocks on connection I/O.
func (b *Broker) Snapshot() Snapshot {
	order, depths := b.state.pendingDepths()

	b.state.mu.RLock()
	nodeCount := len(b.state.nodes)
	clients := make([]ClientSnapshot, 0, len(order))
	for _, addr := range order {
		cs, ok := b.state.clientsByAddr[addr]
		if !ok {
			continue
		}
		clients = append(clients, ClientSnapshot{
			Addr:           addr,
			TaskID:         cs.taskID.String(),
			HasAlgorithmID: cs.algorithmID != nil,
			Pending:        depths[addr],
			Results:        cs.results.len(),
			Submitted:      cs.submitted.Load(),
			Completed:      cs.completed.Load(),
			Servicers:      b.state.dispatcher.servicerCount(addr),
		})
	}
	nodes := make([]NodeSnapshot, 0, nodeCount)
	for n := range b.state.nodes {
		addr, taskID := n.currentTask()
		ns := NodeSnapshot{Addr: n.addr, InFlight: n.inFlightCount()}
		if addr != "" {
			ns.CurrentTaskID = taskID.String()
		}
		nodes = append(nodes, ns)
	}
	b.state.mu.RUnlock()

	return Snapshot{Clients: clients, NodeCount: nodeCount, Nodes: nodes}
}
