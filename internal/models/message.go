package models

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
)

// SignalType represents the type of WebRTC signaling message
type SignalType string

const (
	SignalTypeOffer     SignalType = "offer"
	SignalTypeAnswer    SignalType = "answer"
	SignalTypeCandidate SignalType = "candidate"
)

// Gateway-only message types pushed to websocket participants.
const (
	SignalTypeJoin   SignalType = "join"
	SignalTypeLeave  SignalType = "leave"
	SignalTypeUpdate SignalType = "update"
	SignalTypeError  SignalType = "error"
)

var ErrUnknownSignalType = errors.New("unknown signal type")

// SignalBody is the closed set of signal payloads: Offer, Answer or Candidate.
type SignalBody interface {
	Type() SignalType
	signalBody()
}

// Offer carries the offerer's session description and display name.
type Offer struct {
	SenderName string
	SDP        webrtc.SessionDescription
}

// Answer carries the answerer's session description.
type Answer struct {
	SDP webrtc.SessionDescription
}

// Candidate carries one trickled connectivity candidate.
type Candidate struct {
	Candidate webrtc.ICECandidateInit
}

func (Offer) Type() SignalType     { return SignalTypeOffer }
func (Answer) Type() SignalType    { return SignalTypeAnswer }
func (Candidate) Type() SignalType { return SignalTypeCandidate }

func (Offer) signalBody()     {}
func (Answer) signalBody()    {}
func (Candidate) signalBody() {}

// Signal is one directed control message relayed through the room's mailbox.
type Signal struct {
	To   string
	From string
	Body SignalBody
}

// SignalMessage is the stored/wire form of a Signal.
type SignalMessage struct {
	Type       SignalType      `json:"type"`
	From       string          `json:"from,omitempty"`
	To         string          `json:"to,omitempty"`
	SenderName string          `json:"senderName,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// Encode converts s to its stored form.
func (s Signal) Encode() (SignalMessage, error) {
	msg := SignalMessage{To: s.To, From: s.From}
	var data any
	switch b := s.Body.(type) {
	case Offer:
		msg.SenderName = b.SenderName
		data = b.SDP
	case Answer:
		data = b.SDP
	case Candidate:
		data = b.Candidate
	default:
		return SignalMessage{}, fmt.Errorf("encode signal: %w", ErrUnknownSignalType)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return SignalMessage{}, fmt.Errorf("encode %s: %w", s.Body.Type(), err)
	}
	msg.Type = s.Body.Type()
	msg.Data = raw
	return msg, nil
}

// Decode converts a stored message back into a Signal.
func (m SignalMessage) Decode() (Signal, error) {
	sig := Signal{To: m.To, From: m.From}
	switch m.Type {
	case SignalTypeOffer, SignalTypeAnswer:
		var sd webrtc.SessionDescription
		if err := json.Unmarshal(m.Data, &sd); err != nil {
			return Signal{}, fmt.Errorf("decode %s: %w", m.Type, err)
		}
		if m.Type == SignalTypeOffer {
			sig.Body = Offer{SenderName: m.SenderName, SDP: sd}
		} else {
			sig.Body = Answer{SDP: sd}
		}
	case SignalTypeCandidate:
		var c webrtc.ICECandidateInit
		if err := json.Unmarshal(m.Data, &c); err != nil {
			return Signal{}, fmt.Errorf("decode candidate: %w", err)
		}
		sig.Body = Candidate{Candidate: c}
	default:
		return Signal{}, fmt.Errorf("decode %q: %w", m.Type, ErrUnknownSignalType)
	}
	return sig, nil
}
