package mesh

type JoinState int32

const (
	NotJoined JoinState = iota
	Joining
	Joined
)

func (s JoinState) String() string {
	switch s {
	case NotJoined:
		return "not_joined"
	case Joining:
		return "joining"
	case Joined:
		return "joined"
	}
	return "unknown"
}

// NegotiationState is the per-link signaling state. Idle is both the
// initial state and where a link returns after a failed step.
type NegotiationState int32

const (
	Idle NegotiationState = iota
	OfferSent
	AnswerPending
	Stable
)

func (s NegotiationState) String() string {
	switch s {
	case Idle:
		return "idle"
	case OfferSent:
		return "offer_sent"
	case AnswerPending:
		return "answer_pending"
	case Stable:
		return "stable"
	}
	return "unknown"
}
