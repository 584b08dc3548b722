package services

import (
	"context"
	"errors"

	"matrix-reward-engine/models"
)

// SponsorChainResolver walks direct-sponsor links upward.
type SponsorChainResolver struct {
	registry MemberRegistry
	maxDepth int
}

func NewSponsorChainResolver(registry MemberRegistry) *SponsorChainResolver {
	return &SponsorChainResolver{registry: registry, maxDepth: models.MaxLevel}
}

// Resolve returns [A1..Ak] for member, where A1 is sponsor, k <= 19. The walk
// stops at the platform root (a member without sponsor). Every ancestor in
// the result is an activated member.
func (r *SponsorChainResolver) Resolve(ctx context.Context, member string, sponsor *string) ([]string, error) {
	if sponsor == nil || *sponsor == "" {
		return nil, nil
	}

	chain := make([]string, 0, r.maxDepth)
	seen := map[string]struct{}{member: {}}
	cur := *sponsor
	for len(chain) < r.maxDepth {
		if _, dup := seen[cur]; dup {
			return nil, &ChainError{Member: member, Sponsor: cur, Reason: "sponsor cycle"}
		}
		seen[cur] = struct{}{}

		m, err := r.registry.GetMember(ctx, cur)
		if errors.Is(err, ErrMemberNotFound) {
			return nil, &ChainError{Member: member, Sponsor: cur, Reason: "sponsor does not exist"}
		}
		if err != nil {
			return nil, err
		}
		if !m.IsActivated {
			return nil, &ChainError{Member: member, Sponsor: cur, Reason: "sponsor is not activated"}
		}
		chain = append(chain, cur)

		next := m.Sponsor()
		if next == "" {
			break
		}
		cur = next
	}
	return chain, nil
}

// Ancestors returns up to limit sponsors above wallet, activated or not, used
// when searching a roll-up recipient. Missing links end the walk.
func (r *SponsorChainResolver) Ancestors(ctx context.Context, wallet string, limit int) ([]*models.Member, error) {
	var out []*models.Member
	seen := map[string]struct{}{wallet: {}}
	m, err := r.registry.GetMember(ctx, wallet)
	if err != nil {
		return nil, err
	}
	for len(out) < limit {
		next := m.Sponsor()
		if next == "" {
			break
		}
		if _, dup := seen[next]; dup {
			break
		}
		seen[next] = struct{}{}
		m, err = r.registry.GetMember(ctx, next)
		if errors.Is(err, ErrMemberNotFound) {
			break
		}
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, nil
}
