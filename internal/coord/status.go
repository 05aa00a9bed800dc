package coord

import (
	"time"

	"github.com/danielalanbates/github-helper/internal/types"
)

// Agent kinds shown in the status snapshot
const (
	AgentKindIssue    = "issue"
	AgentKindBounty   = "bounty"
	AgentKindTagged   = "tagged"
	AgentKindFeedback = "feedback"
)

// ActiveAgent is one in-flight agent in the status snapshot
type ActiveAgent struct {
	Repo    string    `json:"repo"`
	Issue   int       `json:"issue"`
	Type    string    `json:"type"`
	Tier    string    `json:"tier,omitempty"`
	Started time.Time `json:"started"`
}

// FactoryStatus is the live snapshot a running factory publishes for
// `dogood status` and for operators
type FactoryStatus struct {
	InstanceID     string                 `json:"instance_id,omitempty"`
	ActiveAgents   int                    `json:"active_agents"`
	Agents         map[string]ActiveAgent `json:"agents"`
	Stats          types.RunStats         `json:"stats"`
	MaxConcurrent  int                    `json:"max_concurrent"`
	TierFloor      int                    `json:"tier_floor,omitempty"`
	FactoryRunning bool                   `json:"factory_running"`
	Updated        time.Time              `json:"updated"`
}
