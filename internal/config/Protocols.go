package config

import (
	"strings"

	"github.com/sentinel-pma/sentinel/internal/types"
)

// approvedProtocols maps each protocol the agent may allocate to onto its risk level.
// Order matters: it is the order protocols are listed in prompts and queries.
var approvedProtocols = []struct {
	ID   string
	Risk types.RiskLevel
}{
	{"aavev3", types.RiskLow},
	{"compound-v3", types.RiskLow},
	{"morpho", types.RiskLow},
	{"moonwell", types.RiskLow},
	{"euler", types.RiskMedium},
	{"fluid", types.RiskMedium},
}

// ApprovedProtocols returns the Portals platform ids of all approved protocols.
func ApprovedProtocols() []string {
	out := make([]string, 0, len(approvedProtocols))
	for _, p := range approvedProtocols {
		out = append(out, p.ID)
	}
	return out
}

// IsApprovedProtocol reports whether the platform id is on the approved list.
func IsApprovedProtocol(id string) bool {
	id = strings.ToLower(id)
	for _, p := range approvedProtocols {
		if p.ID == id {
			return true
		}
	}
	return false
}

// ProtocolRisk returns the risk level of a protocol. Unknown protocols are High.
func ProtocolRisk(id string) types.RiskLevel {
	id = strings.ToLower(id)
	for _, p := range approvedProtocols {
		if p.ID == id {
			return p.Risk
		}
	}
	return types.RiskHigh
}
