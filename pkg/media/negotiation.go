package media

import "github.com/looplab/fsm"

// Negotiation states, additive over the session's plain ready/
// destroyed/hangingup booleans: they make generate/process sequencing
// observable and testable on their own. The request handler drives them
// best-effort and does not reject requests on an invalid transition.
const (
	NegotiationIdle        = "idle"
	NegotiationLocalOffer  = "local_offer"
	NegotiationRemoteOffer = "remote_offer"
	NegotiationEstablished = "established"
	NegotiationFailed      = "failed"
)

// NewNegotiationFSM builds the per-session negotiation state machine.
// Events: local_offer (generate sent an offer), remote_offer (process
// received an offer), local_answer (generate answered a remote offer),
// remote_answer (process answered our offer), fail, reset (update
// renegotiation drops back to idle without tearing the session down).
func NewNegotiationFSM() *fsm.FSM {
	return fsm.NewFSM(
		NegotiationIdle,
		fsm.Events{
			{Name: "local_offer", Src: []string{NegotiationIdle}, Dst: NegotiationLocalOffer},
			{Name: "remote_offer", Src: []string{NegotiationIdle}, Dst: NegotiationRemoteOffer},
			{Name: "local_answer", Src: []string{NegotiationRemoteOffer}, Dst: NegotiationEstablished},
			{Name: "remote_answer", Src: []string{NegotiationLocalOffer}, Dst: NegotiationEstablished},
			{Name: "fail", Src: []string{NegotiationIdle, NegotiationLocalOffer, NegotiationRemoteOffer}, Dst: NegotiationFailed},
			{Name: "reset", Src: []string{NegotiationLocalOffer, NegotiationRemoteOffer, NegotiationEstablished, NegotiationFailed}, Dst: NegotiationIdle},
		}, nil,
	)
}
