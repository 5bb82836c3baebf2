// Package referral maintains the invite graph and pays referral commissions.
package referral

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"paygate/internal/repo"
)

// MaxDepth is the number of ancestor levels that count and earn.
const MaxDepth = repo.ReferralDepth

// maxWalk caps ancestor walks so corrupt data can never loop forever.
const maxWalk = 4096

const statsInviteeLimit = 20

// Link returns the Telegram deep link that starts botUsername with refCode,
// or "" when no bot is configured.
func Link(botUsername, refCode string) string {
	botUsername = strings.TrimPrefix(strings.TrimSpace(botUsername), "@")
	if botUsername == "" || refCode == "" {
		return ""
	}
	return "https://t.me/" + url.PathEscape(botUsername) + "?start=" + url.QueryEscape(refCode)
}

var (
	ErrSelfReferral   = errors.New("referral: self referral")
	ErrCycle          = errors.New("referral: invite would create a cycle")
	ErrUnknownCode    = errors.New("referral: unknown referral code")
	ErrAlreadyInvited = errors.New("referral: user already has an inviter")
)

// IsRejection reports whether err is a business rule rejection rather than
// an infrastructure failure.
func IsRejection(err error) bool {
	return errors.Is(err, ErrSelfReferral) || errors.Is(err, ErrCycle) ||
		errors.Is(err, ErrUnknownCode) || errors.Is(err, ErrAlreadyInvited)
}

// Graph registers invite edges.
type Graph struct {
	repo   repo.Repository
	logger *slog.Logger
}

// NewGraph constructs a Graph.
func NewGraph(r repo.Repository, logger *slog.Logger) *Graph {
	return &Graph{repo: r, logger: logger.With("component", "referral")}
}

// RegisterReferralEdge links newUserID to the owner of code. It returns
// false with a rejection error when the edge is a self reference, would
// close a cycle, the code is unknown or the user already has an inviter.
// Accepting the edge bumps the level counters of the inviter and its
// next ancestors.
func (g *Graph) RegisterReferralEdge(ctx context.Context, newUserID, code string) (bool, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return false, ErrUnknownCode
	}
	inviter, err := g.repo.GetUserByRefCode(ctx, code)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return false, ErrUnknownCode
		}
		return false, fmt.Errorf("resolve referral code: %w", err)
	}
	if inviter.ID == newUserID {
		g.logger.Info("referral rejected", "user_id", newUserID, "reason", "self")
		return false, ErrSelfReferral
	}

	err = g.repo.WithReferralTx(ctx, func(tx repo.ReferralTx) error {
		current, err := tx.InviterOf(ctx, newUserID)
		if err != nil {
			return err
		}
		if current != nil {
			return ErrAlreadyInvited
		}

		chain, err := ancestors(ctx, tx, inviter.ID, newUserID)
		if err != nil {
			return err
		}

		ok, err := tx.SetInviter(ctx, newUserID, inviter.ID)
		if err != nil {
			return err
		}
		if !ok {
			return ErrAlreadyInvited
		}

		levels := append([]string{inviter.ID}, chain...)
		for i := 0; i < len(levels) && i < MaxDepth; i++ {
			if err := tx.IncrementReferralLevel(ctx, levels[i], i+1); err != nil {
				return fmt.Errorf("increment level %d: %w", i+1, err)
			}
		}
		return nil
	})
	if err != nil {
		if IsRejection(err) {
			g.logger.Info("referral rejected", "user_id", newUserID, "inviter_id", inviter.ID, "reason", err.Error())
			return false, err
		}
		return false, fmt.Errorf("register referral edge: %w", err)
	}
	g.logger.Info("referral accepted", "user_id", newUserID, "inviter_id", inviter.ID)
	return true, nil
}

// ancestors walks upward from start and returns the ids above it, nearest
// first. It fails with ErrCycle when target is found on the chain.
func ancestors(ctx context.Context, tx repo.ReferralTx, start, target string) ([]string, error) {
	var chain []string
	visited := map[string]struct{}{start: {}}
	node := start
	for i := 0; i < maxWalk; i++ {
		parent, err := tx.InviterOf(ctx, node)
		if err != nil {
			return nil, fmt.Errorf("walk ancestors of %s: %w", node, err)
		}
		if parent == nil {
			return chain, nil
		}
		if *parent == target {
			return nil, ErrCycle
		}
		if _, seen := visited[*parent]; seen {
			// The stored graph already loops; refuse to extend it.
			return nil, ErrCycle
		}
		visited[*parent] = struct{}{}
		chain = append(chain, *parent)
		node = *parent
	}
	return nil, ErrCycle
}

// Stats summarises a user's referral standing.
type Stats struct {
	User     *repo.User
	Invitees []repo.User
}

// Stats returns the user with its first direct invitees.
func (g *Graph) Stats(ctx context.Context, userID string) (*Stats, error) {
	u, err := g.repo.GetUserByID(ctx, userID)
	if err != nil {
		return nil, err
	}
	invitees, err := g.repo.ListInvitees(ctx, userID, statsInviteeLimit)
	if err != nil {
		return nil, err
	}
	return &Stats{User: u, Invitees: invitees}, nil
}
