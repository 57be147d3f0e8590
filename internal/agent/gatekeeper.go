package agent

import (
	"regexp"
	"strings"

	"atlas/internal/domain"
)

const defaultBlockMarker = "[BLOCK]"

// Verdict is the stored form of an agent reply.
type Verdict struct {
	Content     string
	Status      domain.MessageStatus
	IsProcessed bool
}

// Gatekeeper holds back replies from approval-gated agents that flag
// themselves with the block marker.
type Gatekeeper struct {
	marker  string
	pattern *regexp.Regexp
}

func NewGatekeeper(marker string) *Gatekeeper {
	if strings.TrimSpace(marker) == "" {
		marker = defaultBlockMarker
	}
	return &Gatekeeper{
		marker:  marker,
		pattern: regexp.MustCompile("(?i)" + regexp.QuoteMeta(marker)),
	}
}

// Finalize decides status and processed flag for a reply. A blocked reply is
// stored PENDING and already processed so approving it later is what
// re-enters routing; everything else is APPROVED and unprocessed so the
// next pass picks it up.
func (g *Gatekeeper) Finalize(agent domain.Agent, reply string) Verdict {
	if agent.RequiresApproval && g.pattern.MatchString(reply) {
		return Verdict{
			Content:     strings.TrimSpace(g.pattern.ReplaceAllLiteralString(reply, "")),
			Status:      domain.StatusPending,
			IsProcessed: true,
		}
	}
	return Verdict{Content: reply, Status: domain.StatusApproved}
}
