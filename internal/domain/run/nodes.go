package run

// Node names one workflow stage. The driver executes nodes strictly in the
// order returned by Nodes.
type Node string

const (
	NodePrepare    Node = "prepare"
	NodeAnalyze    Node = "analyze"
	NodeImplement  Node = "implement"
	NodeTest       Node = "test"
	NodeQA         Node = "qa"
	NodeFinalize   Node = "finalize"
	NodeValidation Node = "validation"
	NodeMerge      Node = "merge"
	NodeUpdate     Node = "update"
)

// nodeOrder is the fixed execution sequence.
var nodeOrder = []Node{
	NodePrepare,
	NodeAnalyze,
	NodeImplement,
	NodeTest,
	NodeQA,
	NodeFinalize,
	NodeValidation,
	NodeMerge,
	NodeUpdate,
}

// Nodes returns the fixed node execution order.
func Nodes() []Node {
	out := make([]Node, len(nodeOrder))
	copy(out, nodeOrder)
	return out
}

// NodeIndex returns the zero-based position of a node in the execution
// order, or -1 for an unknown node.
func NodeIndex(n Node) int {
	for i, name := range nodeOrder {
		if name == n {
			return i
		}
	}
	return -1
}

// NodeAfter returns the node following n, or "" if n is last or unknown.
func NodeAfter(n Node) Node {
	i := NodeIndex(n)
	if i < 0 || i+1 >= len(nodeOrder) {
		return ""
	}
	return nodeOrder[i+1]
}

// Progress returns the completion percentage for the given step order.
func Progress(stepOrder int) int {
	if stepOrder <= 0 {
		return 0
	}
	if stepOrder >= len(nodeOrder) {
		return 100
	}
	return stepOrder * 100 / len(nodeOrder)
}
