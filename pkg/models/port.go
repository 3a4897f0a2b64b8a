package models

// Link binds an output port of one node to an input port of another.
type Link struct {
	From string `json:"from" yaml:"from" validate:"required"` // "{node_id}:{port_name}"
	To   string `json:"to"   yaml:"to"   validate:"required"`
}

// ParsePortID parses a port ID in format "{node_id}:{port_name}" into components.
func ParsePortID(portID string) (string, string, bool) {
	for i := range len(portID) {
		if portID[i] == ':' {
			return portID[:i], portID[i+1:], true
		}
	}

	return "", "", false
}

// MakePortID creates a port ID from node ID and port name.
func MakePortID(nodeID, portName string) string {
	return nodeID + ":" + portName
}
