package proto

// messages.go declares the field sequence of every message kind.

import (
	"fmt"

	"github.com/testbit/testbit/model"
)

const (
	// MaxPassword is the buffer size of the passphrase field.
	MaxPassword = 128
	// MaxName is the buffer size of node names.
	MaxName = 128
	// MaxListLength bounds the number of entries in list responses.
	MaxListLength = 1 << 16

	// listPrealloc caps the capacity reserved from an untrusted list count.
	listPrealloc = 64
)

// Role is the first byte of every connection.
type Role uint8

const (
	RoleClient Role = iota
	RoleNode
)

func (r Role) Encode(e *Encoder) { e.Uint8(uint8(r)) }

func (r *Role) Decode(d *Decoder) {
	v := Role(d.Uint8())
	if d.Err() == nil && v > RoleNode {
		d.Fail(fmt.Errorf("role %d: %w", v, ErrMalformed))
		return
	}
	*r = v
}

// Request identifies a client request.
type Request uint8

const (
	RequestPrivilege Request = iota
	RequestNodeUpdate
	RequestNewTest
	RequestModTest
	RequestLogTest
	RequestPatch
)

func (r Request) String() string {
	switch r {
	case RequestPrivilege:
		return "privilege"
	case RequestNodeUpdate:
		return "nodeupdate"
	case RequestNewTest:
		return "newtest"
	case RequestModTest:
		return "modtest"
	case RequestLogTest:
		return "logtest"
	case RequestPatch:
		return "patch"
	default:
		return fmt.Sprintf("request(%d)", uint8(r))
	}
}

func (r Request) Encode(e *Encoder) { e.Uint8(uint8(r)) }

func (r *Request) Decode(d *Decoder) {
	v := Request(d.Uint8())
	if d.Err() == nil && v > RequestPatch {
		d.Fail(fmt.Errorf("request %d: %w", v, ErrMalformed))
		return
	}
	*r = v
}

// Response is the one-byte answer to a request.
type Response uint8

const (
	ResponseOK Response = iota
	ResponseFail
	ResponsePermissionDenied
)

func (r Response) String() string {
	switch r {
	case ResponseOK:
		return "ok"
	case ResponseFail:
		return "fail"
	case ResponsePermissionDenied:
		return "permission denied"
	default:
		return fmt.Sprintf("response(%d)", uint8(r))
	}
}

func (r Response) Encode(e *Encoder) { e.Uint8(uint8(r)) }

func (r *Response) Decode(d *Decoder) {
	v := Response(d.Uint8())
	if d.Err() == nil && v > ResponsePermissionDenied {
		d.Fail(fmt.Errorf("response %d: %w", v, ErrMalformed))
		return
	}
	*r = v
}

// Control is the server's answer to a node report.
type Control uint8

const (
	// ControlContinue lets the node keep playing.
	ControlContinue Control = iota
	// ControlStop tells the node to finish in-flight games and stop.
	ControlStop
)

func (c Control) Encode(e *Encoder) { e.Uint8(uint8(c)) }

func (c *Control) Decode(d *Decoder) {
	v := Control(d.Uint8())
	if d.Err() == nil && v > ControlStop {
		d.Fail(fmt.Errorf("control %d: %w", v, ErrMalformed))
		return
	}
	*c = v
}

// Privilege carries the passphrase of the privileged session gate.
type Privilege struct {
	Password string
}

func (m Privilege) Encode(e *Encoder) {
	e.String(m.Password, MaxPassword)
}

func (m *Privilege) Decode(d *Decoder) {
	m.Password = d.String(MaxPassword)
}

// NodeInfo is sent by a node after a successful privilege request.
type NodeInfo struct {
	Name    string
	Threads int64
}

func (m NodeInfo) Encode(e *Encoder) {
	e.String(m.Name, MaxName)
	e.Int64(m.Threads)
}

func (m *NodeInfo) Decode(d *Decoder) {
	m.Name = d.String(MaxName)
	m.Threads = d.Int64()
}

// TestParams carries the request parameters of a test: from a client with
// NewTest (ID is ignored) and from the server to the node it dispatches to.
type TestParams struct {
	ID int64
	model.Params
}

func (m TestParams) Encode(e *Encoder) {
	e.Int64(m.ID)
	e.Uint8(uint8(m.Type))
	e.Float64(m.MainTime)
	e.Float64(m.Increment)
	e.Float64(m.Alpha)
	e.Float64(m.Beta)
	e.Float64(m.Elo0)
	e.Float64(m.Elo1)
	e.Float64(m.EloE)
	e.Uint64(m.Games)
	e.String(m.Branch, model.MaxRefLength)
	e.String(m.Commit, model.MaxRefLength)
}

func (m *TestParams) Decode(d *Decoder) {
	m.ID = d.Int64()
	m.Type = decodeType(d)
	m.MainTime = d.Float64()
	m.Increment = d.Float64()
	m.Alpha = d.Float64()
	m.Beta = d.Float64()
	m.Elo0 = d.Float64()
	m.Elo1 = d.Float64()
	m.EloE = d.Float64()
	m.Games = d.Uint64()
	m.Branch = d.String(model.MaxRefLength)
	m.Commit = d.String(model.MaxRefLength)
}

// Created answers a successful NewTest with the assigned id.
type Created struct {
	ID int64
}

func (m Created) Encode(e *Encoder) { e.Int64(m.ID) }

func (m *Created) Decode(d *Decoder) { m.ID = d.Int64() }

// TestRecord is the full test record returned by LogTest.
type TestRecord struct {
	model.Test
}

func (m TestRecord) Encode(e *Encoder) {
	t := m.Test
	e.Int64(t.ID)
	e.Uint8(uint8(t.Type))
	e.Uint8(uint8(t.Status))
	e.Float64(t.MainTime)
	e.Float64(t.Increment)
	e.Float64(t.Alpha)
	e.Float64(t.Beta)
	e.Float64(t.LLR)
	e.Float64(t.Elo0)
	e.Float64(t.Elo1)
	e.Float64(t.EloE)
	e.Float64(t.Elo)
	e.Float64(t.PM)
	e.String(t.Branch, model.MaxRefLength)
	e.String(t.Commit, model.MaxRefLength)
	e.Int64(t.QTime)
	e.Int64(t.STime)
	e.Int64(t.DTime)
	for _, c := range t.T {
		e.Uint64(c)
	}
	for _, c := range t.P {
		e.Uint64(c)
	}
	e.Uint64(t.Games)
}

func (m *TestRecord) Decode(d *Decoder) {
	t := &m.Test
	t.ID = d.Int64()
	t.Type = decodeType(d)
	t.Status = decodeStatus(d)
	t.MainTime = d.Float64()
	t.Increment = d.Float64()
	t.Alpha = d.Float64()
	t.Beta = d.Float64()
	t.LLR = d.Float64()
	t.Elo0 = d.Float64()
	t.Elo1 = d.Float64()
	t.EloE = d.Float64()
	t.Elo = d.Float64()
	t.PM = d.Float64()
	t.Branch = d.String(model.MaxRefLength)
	t.Commit = d.String(model.MaxRefLength)
	t.QTime = d.Int64()
	t.STime = d.Int64()
	t.DTime = d.Int64()
	for i := range t.T {
		t.T[i] = d.Uint64()
	}
	for i := range t.P {
		t.P[i] = d.Uint64()
	}
	t.Games = d.Uint64()
}

// TestList answers LogTest requests for several tests.
type TestList struct {
	Tests []model.Test
}

func (m TestList) Encode(e *Encoder) {
	if len(m.Tests) > MaxListLength {
		e.Fail(fmt.Errorf("list of %d tests: %w", len(m.Tests), ErrTooLarge))
		return
	}
	e.Uint64(uint64(len(m.Tests)))
	for _, t := range m.Tests {
		TestRecord{Test: t}.Encode(e)
	}
}

func (m *TestList) Decode(d *Decoder) {
	n := d.Uint64()
	if d.Err() != nil {
		return
	}
	if n > MaxListLength {
		d.Fail(fmt.Errorf("list of %d tests: %w", n, ErrTooLarge))
		return
	}
	m.Tests = make([]model.Test, 0, min(n, listPrealloc))
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		var r TestRecord
		r.Decode(d)
		m.Tests = append(m.Tests, r.Test)
	}
}

// Report is sent by a node while it works on a test. Progress fields follow
// the status only for statuses that carry statistics.
type Report struct {
	Status model.Status
	Stats  model.Stats
}

func (m Report) Encode(e *Encoder) {
	e.Uint8(uint8(m.Status))
	if !m.Status.CarriesStats() {
		return
	}
	for _, c := range m.Stats.T {
		e.Uint64(c)
	}
	for _, c := range m.Stats.P {
		e.Uint64(c)
	}
	e.Float64(m.Stats.LLR)
	e.Float64(m.Stats.Elo)
	e.Float64(m.Stats.PM)
}

func (m *Report) Decode(d *Decoder) {
	m.Status = decodeStatus(d)
	if d.Err() != nil || !m.Status.CarriesStats() {
		return
	}
	for i := range m.Stats.T {
		m.Stats.T[i] = d.Uint64()
	}
	for i := range m.Stats.P {
		m.Stats.P[i] = d.Uint64()
	}
	m.Stats.LLR = d.Float64()
	m.Stats.Elo = d.Float64()
	m.Stats.PM = d.Float64()
}

// ModAction is the modification requested by ModTest.
type ModAction uint8

const (
	ModCancel ModAction = iota
)

// ModTest modifies a queued or running test.
type ModTest struct {
	ID     int64
	Action ModAction
}

func (m ModTest) Encode(e *Encoder) {
	e.Int64(m.ID)
	e.Uint8(uint8(m.Action))
}

func (m *ModTest) Decode(d *Decoder) {
	m.ID = d.Int64()
	m.Action = ModAction(d.Uint8())
	if d.Err() == nil && m.Action != ModCancel {
		d.Fail(fmt.Errorf("mod action %d: %w", m.Action, ErrMalformed))
	}
}

// LogKind selects what LogTest returns.
type LogKind uint8

const (
	// LogSingle returns one test by id.
	LogSingle LogKind = iota
	// LogActive returns queued and running tests.
	LogActive
	// LogDone returns the most recently finished tests.
	LogDone
)

// LogTest requests test records. ID is sent for LogSingle, Limit otherwise.
type LogTest struct {
	Kind  LogKind
	ID    int64
	Limit uint64
}

func (m LogTest) Encode(e *Encoder) {
	e.Uint8(uint8(m.Kind))
	if m.Kind == LogSingle {
		e.Int64(m.ID)
	} else {
		e.Uint64(m.Limit)
	}
}

func (m *LogTest) Decode(d *Decoder) {
	m.Kind = LogKind(d.Uint8())
	if d.Err() != nil {
		return
	}
	switch m.Kind {
	case LogSingle:
		m.ID = d.Int64()
	case LogActive, LogDone:
		m.Limit = d.Uint64()
	default:
		d.Fail(fmt.Errorf("log kind %d: %w", m.Kind, ErrMalformed))
	}
}

// PatchRequest asks for the patch of a test.
type PatchRequest struct {
	ID int64
}

func (m PatchRequest) Encode(e *Encoder) { e.Int64(m.ID) }

func (m *PatchRequest) Decode(d *Decoder) { m.ID = d.Int64() }

// NodeStatus describes one connected node.
type NodeStatus struct {
	Name    string
	Threads int64
	// Test currently running, 0 when idle
	TestID int64
	// Unix time the node connected
	Since int64
}

// NodeList answers NodeUpdate.
type NodeList struct {
	Nodes []NodeStatus
}

func (m NodeList) Encode(e *Encoder) {
	if len(m.Nodes) > MaxListLength {
		e.Fail(fmt.Errorf("list of %d nodes: %w", len(m.Nodes), ErrTooLarge))
		return
	}
	e.Uint64(uint64(len(m.Nodes)))
	for _, n := range m.Nodes {
		e.String(n.Name, MaxName)
		e.Int64(n.Threads)
		e.Int64(n.TestID)
		e.Int64(n.Since)
	}
}

func (m *NodeList) Decode(d *Decoder) {
	n := d.Uint64()
	if d.Err() != nil {
		return
	}
	if n > MaxListLength {
		d.Fail(fmt.Errorf("list of %d nodes: %w", n, ErrTooLarge))
		return
	}
	m.Nodes = make([]NodeStatus, 0, min(n, listPrealloc))
	for i := uint64(0); i < n && d.Err() == nil; i++ {
		m.Nodes = append(m.Nodes, NodeStatus{
			Name:    d.String(MaxName),
			Threads: d.Int64(),
			TestID:  d.Int64(),
			Since:   d.Int64(),
		})
	}
}

func decodeType(d *Decoder) model.Type {
	v := model.Type(d.Uint8())
	if d.Err() == nil && v != model.TypeSPRT && v != model.TypeFixedElo {
		d.Fail(fmt.Errorf("test type %d: %w", v, ErrMalformed))
	}
	return v
}

func decodeStatus(d *Decoder) model.Status {
	v := model.Status(d.Uint8())
	if d.Err() == nil && !v.Valid() {
		d.Fail(fmt.Errorf("status %d: %w", v, ErrMalformed))
	}
	return v
}

// Hello opens every connection and announces the peer role.
type Hello struct {
	Role Role
}

func (m Hello) Encode(e *Encoder) { m.Role.Encode(e) }

func (m *Hello) Decode(d *Decoder) { m.Role.Decode(d) }
