// Package wire defines the message taxonomy exchanged over the robot ring,
// the screen ring, and the screen-leader link, plus the line-delimited JSON
// framing contract described in spec §6: one JSON object per line, no raw
// newline inside a payload.
package wire

import (
	"encoding/json"
	"fmt"
)

// FlavorId identifies one flavor in the closed enumeration fixed at
// configuration time.
type FlavorId int

// RobotId and ScreenId are small, totally ordered integers. RobotId doubles
// as the tie-breaker in leader election.
type RobotId int
type ScreenId int

// OrderID is globally unique: the screen that originated the order, plus a
// per-screen monotonic sequence number.
type OrderID struct {
	Screen ScreenId `json:"screen"`
	Seq    uint64   `json:"seq"`
}

func (o OrderID) String() string {
	return fmt.Sprintf("%d/%d", o.Screen, o.Seq)
}

// Item is one (flavor, quantity) requirement within an order.
type Item struct {
	Flavor FlavorId `json:"flavor"`
	Qty    uint32   `json:"qty"`
}

// Order is the immutable description of a customer order. State is tracked
// separately by whichever side (leader, screen) currently owns it.
type Order struct {
	ID     OrderID `json:"order_id"`
	Screen ScreenId `json:"screen"`
	Items  []Item  `json:"items"`
}

// LogFields returns an Order's identifying fields as zap key/value pairs,
// in the same spirit as the teacher's pb.Peer.MarshalLogObject.
func (o Order) LogFields() []interface{} {
	return []interface{}{"order_id", o.ID.String(), "screen", o.Screen, "items", o.Items}
}

// FlavorToken is the circulating mutual-exclusion + accounting value for one
// flavor (spec §3).
type FlavorToken struct {
	Flavor    FlavorId `json:"flavor"`
	Remaining uint32   `json:"remaining"`
	Version   uint64   `json:"version"`
}

// TokenTraceEntry is one hop's contribution to a TokenProbe (spec §4.4).
type TokenTraceEntry struct {
	ID        RobotId  `json:"id"`
	Version   uint64   `json:"version"`
	Remaining uint32   `json:"remaining"`
}

// --- Robot <-> Robot -------------------------------------------------------

type JoinRing struct {
	ID RobotId `json:"id"`
}

type SetNextRobot struct {
	ID RobotId `json:"id"`
}

type SetPreviousRobot struct {
	ID RobotId `json:"id"`
}

type Election struct {
	Originator RobotId   `json:"originator"`
	Candidates []RobotId `json:"candidates"`
}

type NewLeader struct {
	Leader RobotId `json:"leader"`
	Epoch  uint64  `json:"epoch"`
}

type LeaderBackup struct {
	Snapshot LeaderSnapshot `json:"snapshot"`
}

// PrepareOrder is ring-circulated like every other robot-to-robot message
// (spec §4.1: "the same channel carries control and data"); Assignee is a
// SPEC_FULL.md supplement over the distilled taxonomy so a message
// forwarded hop-by-hop around the ring can self-terminate at the robot
// the leader actually assigned the order to.
type PrepareOrder struct {
	Order    Order   `json:"order"`
	Assignee RobotId `json:"assignee"`
}

type OrderComplete struct {
	OrderID OrderID `json:"order_id"`
}

type OrderNotFinished struct {
	OrderID OrderID `json:"order_id"`
	Reason  string  `json:"reason"`
}

type Token struct {
	Flavor    FlavorId `json:"flavor"`
	Remaining uint32   `json:"remaining"`
	Version   uint64   `json:"version"`
}

func (t Token) AsFlavorToken() FlavorToken {
	return FlavorToken{Flavor: t.Flavor, Remaining: t.Remaining, Version: t.Version}
}

func TokenFromFlavorToken(t FlavorToken) Token {
	return Token{Flavor: t.Flavor, Remaining: t.Remaining, Version: t.Version}
}

type TokenProbe struct {
	Flavor FlavorId          `json:"flavor"`
	Trace  []TokenTraceEntry `json:"trace"`
}

// --- Screen <-> Screen -------------------------------------------------------

type TakeMyBackup struct {
	Owner  ScreenId `json:"owner"`
	Orders []Order  `json:"orders"`
}

type RequestRobotLeaderConnection struct {
	Screen ScreenId `json:"screen"`
}

// --- Screen <-> Leader -------------------------------------------------------

// TraceID, where present, is a log-only correlation id for the screen
// leader round trip this message belongs to (spec.md gives wire identity
// to OrderID alone; this is an ambient tracing aid, the same role the
// teacher's rpc.go gives its own per-RPC requestID).
type PrepareNewOrder struct {
	Order   Order  `json:"order"`
	TraceID string `json:"trace_id,omitempty"`
}

type OrderPrepared struct {
	OrderID OrderID `json:"order_id"`
	TraceID string  `json:"trace_id,omitempty"`
}

type OrderAborted struct {
	OrderID OrderID `json:"order_id"`
	Reason  string  `json:"reason"`
	TraceID string  `json:"trace_id,omitempty"`
}

type AdoptOrders struct {
	OldScreen ScreenId `json:"old_screen"`
	NewScreen ScreenId `json:"new_screen"`
}

// --- Replicated leader state -------------------------------------------------

// LeaderSnapshot is the leader's replicated state (spec §3, §4.6). It is a
// value copied wholesale to every follower on every mutation rather than a
// shared reference.
type LeaderSnapshot struct {
	Leader      RobotId             `json:"leader"`
	Epoch       uint64              `json:"epoch"`
	Queued      []Order             `json:"queued"`
	Assigned    map[RobotId]Order   `json:"assigned"`
	ScreenIndex map[ScreenId]ScreenId `json:"screen_index"`
}

// Copy returns a deep copy so that a follower storing a snapshot and a
// leader mutating its own never alias the same slices/maps.
func (s LeaderSnapshot) Copy() LeaderSnapshot {
	out := LeaderSnapshot{
		Leader: s.Leader,
		Epoch:  s.Epoch,
		Queued: append([]Order(nil), s.Queued...),
	}
	if s.Assigned != nil {
		out.Assigned = make(map[RobotId]Order, len(s.Assigned))
		for k, v := range s.Assigned {
			out.Assigned[k] = v
		}
	}
	if s.ScreenIndex != nil {
		out.ScreenIndex = make(map[ScreenId]ScreenId, len(s.ScreenIndex))
		for k, v := range s.ScreenIndex {
			out.ScreenIndex[k] = v
		}
	}
	return out
}

// --- Envelope / framing ------------------------------------------------------

// envelope is the tagged union wrapper every message is wire-wrapped in
// before being written as a single line of JSON (spec §4.1, §6).
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// typeName maps a concrete message type to its wire tag. Kept as a
// function switch (not reflection) so the taxonomy in spec §6 stays the
// single source of truth for tag spelling.
func typeName(msg interface{}) (string, error) {
	switch msg.(type) {
	case JoinRing:
		return "JoinRing", nil
	case SetNextRobot:
		return "SetNextRobot", nil
	case SetPreviousRobot:
		return "SetPreviousRobot", nil
	case Election:
		return "Election", nil
	case NewLeader:
		return "NewLeader", nil
	case LeaderBackup:
		return "LeaderBackup", nil
	case PrepareOrder:
		return "PrepareOrder", nil
	case OrderComplete:
		return "OrderComplete", nil
	case OrderNotFinished:
		return "OrderNotFinished", nil
	case Token:
		return "Token", nil
	case TokenProbe:
		return "TokenProbe", nil
	case TakeMyBackup:
		return "TakeMyBackup", nil
	case RequestRobotLeaderConnection:
		return "RequestRobotLeaderConnection", nil
	case PrepareNewOrder:
		return "PrepareNewOrder", nil
	case OrderPrepared:
		return "OrderPrepared", nil
	case OrderAborted:
		return "OrderAborted", nil
	case AdoptOrders:
		return "AdoptOrders", nil
	default:
		return "", fmt.Errorf("wire: %T is not a registered message type", msg)
	}
}

// Encode marshals msg into a single '\n'-terminated JSON line.
func Encode(msg interface{}) ([]byte, error) {
	tag, err := typeName(msg)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("wire: marshal payload: %w", err)
	}
	line, err := json.Marshal(envelope{Type: tag, Payload: payload})
	if err != nil {
		return nil, fmt.Errorf("wire: marshal envelope: %w", err)
	}
	return append(line, '\n'), nil
}

// Decode parses a single line (without its trailing '\n') into the concrete
// message value it names. The returned value is never a pointer, matching
// the plain-value message types above.
func Decode(line []byte) (interface{}, error) {
	var env envelope
	if err := json.Unmarshal(line, &env); err != nil {
		return nil, &ProtocolViolationError{Detail: fmt.Sprintf("malformed envelope: %v", err)}
	}
	var out interface{}
	switch env.Type {
	case "JoinRing":
		var m JoinRing
		out = &m
	case "SetNextRobot":
		var m SetNextRobot
		out = &m
	case "SetPreviousRobot":
		var m SetPreviousRobot
		out = &m
	case "Election":
		var m Election
		out = &m
	case "NewLeader":
		var m NewLeader
		out = &m
	case "LeaderBackup":
		var m LeaderBackup
		out = &m
	case "PrepareOrder":
		var m PrepareOrder
		out = &m
	case "OrderComplete":
		var m OrderComplete
		out = &m
	case "OrderNotFinished":
		var m OrderNotFinished
		out = &m
	case "Token":
		var m Token
		out = &m
	case "TokenProbe":
		var m TokenProbe
		out = &m
	case "TakeMyBackup":
		var m TakeMyBackup
		out = &m
	case "RequestRobotLeaderConnection":
		var m RequestRobotLeaderConnection
		out = &m
	case "PrepareNewOrder":
		var m PrepareNewOrder
		out = &m
	case "OrderPrepared":
		var m OrderPrepared
		out = &m
	case "OrderAborted":
		var m OrderAborted
		out = &m
	case "AdoptOrders":
		var m AdoptOrders
		out = &m
	default:
		return nil, &ProtocolViolationError{Detail: fmt.Sprintf("unknown message type %q", env.Type)}
	}
	if err := json.Unmarshal(env.Payload, out); err != nil {
		return nil, &ProtocolViolationError{Detail: fmt.Sprintf("malformed %s payload: %v", env.Type, err)}
	}
	return derefMessage(out), nil
}

// derefMessage unwraps the pointer Decode allocates so callers can type
// switch on plain values, matching how messages are constructed for Encode.
func derefMessage(ptr interface{}) interface{} {
	switch m := ptr.(type) {
	case *JoinRing:
		return *m
	case *SetNextRobot:
		return *m
	case *SetPreviousRobot:
		return *m
	case *Election:
		return *m
	case *NewLeader:
		return *m
	case *LeaderBackup:
		return *m
	case *PrepareOrder:
		return *m
	case *OrderComplete:
		return *m
	case *OrderNotFinished:
		return *m
	case *Token:
		return *m
	case *TokenProbe:
		return *m
	case *TakeMyBackup:
		return *m
	case *RequestRobotLeaderConnection:
		return *m
	case *PrepareNewOrder:
		return *m
	case *OrderPrepared:
		return *m
	case *OrderAborted:
		return *m
	case *AdoptOrders:
		return *m
	default:
		return ptr
	}
}
