package promotion

import (
	"context"
	"fmt"
	"sort"
)

// Cluster risk levels surfaced to resolvers alongside an endorsement.
const (
	ClusterRiskNone    = "none"
	ClusterRiskLow     = "low"
	ClusterRiskHigh    = "high"
	ClusterRiskUnknown = "unknown"
)

// ClusterRisk is the advisory collusion signal for one request's endorser
// set. It informs the resolver; it never blocks an endorsement.
type ClusterRisk struct {
	Level   string   `json:"level"`
	Reasons []string `json:"reasons,omitempty"`
}

// DetectEndorsementCluster inspects a request's endorsers for suspicious
// concentration: shared inviter lineage and reciprocal endorsements across
// recent requests.
func (s *Service) DetectEndorsementCluster(ctx context.Context, requestID string) (ClusterRisk, error) {
	endorsements, err := s.repo.ListEndorsements(ctx, requestID)
	if err != nil {
		return ClusterRisk{}, err
	}
	if len(endorsements) < 2 {
		return ClusterRisk{Level: ClusterRiskNone}, nil
	}

	endorserIDs := make([]string, 0, len(endorsements))
	for _, e := range endorsements {
		endorserIDs = append(endorserIDs, e.EndorserID)
	}

	var reasons []string

	// Endorsers sharing an inviter ancestor suggest one subtree vouching
	// for its own.
	ancestorCounts := map[string]int{}
	for _, id := range endorserIDs {
		ancestors, err := s.lineage.Lineage(ctx, id, s.depth)
		if err != nil {
			return ClusterRisk{}, err
		}
		seen := map[string]bool{}
		for _, a := range ancestors {
			if !seen[a] {
				seen[a] = true
				ancestorCounts[a]++
			}
		}
	}
	sharedAncestors := 0
	for ancestor, n := range ancestorCounts {
		if n >= 2 {
			sharedAncestors++
			reasons = append(reasons, fmt.Sprintf("%d endorsers share inviter ancestor %s", n, ancestor))
		}
	}

	// Members of the set endorsing each other's requests inside the ring
	// window suggest an endorsement ring. An edge from the candidate back
	// to one of their own endorsers closes a reciprocal pair outright.
	subject, err := s.repo.GetRequest(ctx, requestID)
	if err != nil {
		return ClusterRisk{}, err
	}
	members := append([]string{subject.UserID}, endorserIDs...)
	ringEdges, err := s.repo.RingEdges(ctx, members, requestID, s.ringWindow)
	if err != nil {
		return ClusterRisk{}, err
	}
	inSet := map[string]bool{}
	for _, id := range endorserIDs {
		inSet[id] = true
	}
	reciprocalPairs := 0
	for _, edge := range ringEdges {
		if edge.EndorserID == subject.UserID && inSet[edge.SubjectID] {
			reciprocalPairs++
			reasons = append(reasons, fmt.Sprintf("reciprocal endorsement pair between %s and %s", subject.UserID, edge.SubjectID))
		}
	}
	if extra := len(ringEdges) - reciprocalPairs; extra > 0 {
		reasons = append(reasons, fmt.Sprintf("%d cross-endorsements among endorsers inside the ring window", extra))
	}

	sort.Strings(reasons)
	switch {
	case reciprocalPairs > 0:
		return ClusterRisk{Level: ClusterRiskHigh, Reasons: reasons}, nil
	case len(ringEdges) > 0 && sharedAncestors > 0:
		return ClusterRisk{Level: ClusterRiskHigh, Reasons: reasons}, nil
	case len(ringEdges) >= 2 || sharedAncestors >= 2:
		return ClusterRisk{Level: ClusterRiskHigh, Reasons: reasons}, nil
	case len(ringEdges) > 0 || sharedAncestors > 0:
		return ClusterRisk{Level: ClusterRiskLow, Reasons: reasons}, nil
	default:
		return ClusterRisk{Level: ClusterRiskNone}, nil
	}
}
