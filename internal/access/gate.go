// Package access decides whether a sender may message a recipient right now.
package access

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"dm-service/internal/logging"
	"dm-service/internal/models"
)

// Reason explains a denial.
type Reason string

const (
	ReasonNotConnected     Reason = "not-connected"
	ReasonPolicyRestricted Reason = "policy-restricted"
	ReasonBlocked          Reason = "blocked"
	ReasonNotParticipant   Reason = "not-participant"
	ReasonInactive         Reason = "conversation-inactive"
	ReasonUnavailable      Reason = "unavailable"
)

// Mode is a user's messaging policy.
type Mode string

const (
	ModeEveryone    Mode = "everyone"
	ModeConnections Mode = "connections"
	ModeNobody      Mode = "nobody"
)

// Policy is the messaging policy the social graph reports for a user.
type Policy struct {
	Mode    Mode
	Blocked []int
}

func (p Policy) blocks(userID int) bool {
	for _, id := range p.Blocked {
		if id == userID {
			return true
		}
	}
	return false
}

// SocialGraph is the external relationship service.
type SocialGraph interface {
	IsMutuallyConnected(ctx context.Context, a, b int) (bool, error)
	MessagingPolicyOf(ctx context.Context, userID int) (Policy, error)
}

// Decision is the outcome of a gate check.
type Decision struct {
	Allowed bool
	Reason  Reason
}

var allowed = Decision{Allowed: true}

func denied(r Reason) Decision { return Decision{Reason: r} }

// Gate answers canMessage. It is consulted on every send because the
// underlying relationship can change between messages.
type Gate struct {
	graph    SocialGraph
	timeout  time.Duration
	cacheTTL time.Duration
	now      func() time.Time
	log      *logrus.Entry

	mu    sync.Mutex
	cache map[[2]int]cachedDecision
}

type cachedDecision struct {
	decision Decision
	at       time.Time
}

// NewGate builds a Gate. cacheTTL of zero disables decision caching.
func NewGate(graph SocialGraph, timeout, cacheTTL time.Duration) *Gate {
	return &Gate{
		graph:    graph,
		timeout:  timeout,
		cacheTTL: cacheTTL,
		now:      time.Now,
		log:      logging.For("access"),
		cache:    map[[2]int]cachedDecision{},
	}
}

// CanMessage decides whether senderID may message recipientID. For group
// conversations membership and the active flag are what gate a send.
func (g *Gate) CanMessage(ctx context.Context, senderID, recipientID int, conv *models.Conversation) Decision {
	if conv != nil {
		if !conv.HasParticipant(senderID) {
			return denied(ReasonNotParticipant)
		}
		if !conv.IsActive {
			return denied(ReasonInactive)
		}
		if conv.IsGroup {
			return allowed
		}
	}

	key := [2]int{senderID, recipientID}
	if g.cacheTTL > 0 {
		g.mu.Lock()
		entry, ok := g.cache[key]
		g.mu.Unlock()
		if ok && g.now().Sub(entry.at) < g.cacheTTL {
			return entry.decision
		}
	}

	decision, err := g.evaluate(ctx, senderID, recipientID)
	if err != nil {
		g.log.WithError(err).WithFields(logrus.Fields{
			"sender_id":    senderID,
			"recipient_id": recipientID,
		}).Warn("social graph lookup failed, denying")
		return denied(ReasonUnavailable)
	}

	if g.cacheTTL > 0 {
		g.mu.Lock()
		g.cache[key] = cachedDecision{decision: decision, at: g.now()}
		g.mu.Unlock()
	}
	return decision
}

func (g *Gate) evaluate(ctx context.Context, senderID, recipientID int) (Decision, error) {
	if g.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.timeout)
		defer cancel()
	}

	recipientPolicy, err := g.graph.MessagingPolicyOf(ctx, recipientID)
	if err != nil {
		return Decision{}, err
	}
	senderPolicy, err := g.graph.MessagingPolicyOf(ctx, senderID)
	if err != nil {
		return Decision{}, err
	}
	if recipientPolicy.blocks(senderID) || senderPolicy.blocks(recipientID) {
		return denied(ReasonBlocked), nil
	}

	switch recipientPolicy.Mode {
	case ModeEveryone:
		return allowed, nil
	case ModeNobody:
		return denied(ReasonPolicyRestricted), nil
	}

	connected, err := g.graph.IsMutuallyConnected(ctx, senderID, recipientID)
	if err != nil {
		return Decision{}, err
	}
	if !connected {
		return denied(ReasonNotConnected), nil
	}
	return allowed, nil
}
