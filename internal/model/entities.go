// Package model declares the persisted entity types and their attribute
// metadata. Every entity lives in the shared documents table as a JSONB blob;
// the metadata table drives serialization details the structs alone cannot
// express (hidden attributes, the lock field, redaction on views).
package model

import "strconv"

// Entity is implemented by every persisted record type.
type Entity interface {
	DocType() string
	GetID() int64
	SetID(int64)
	// Touch stamps modified_at for types that declare it.
	Touch(now Timestamp)
}

// Doc carries the primary key shared by all entities. The id lives in its own
// column, not in the JSON blob.
type Doc struct {
	ID int64 `json:"-"`
}

func (d *Doc) GetID() int64   { return d.ID }
func (d *Doc) SetID(id int64) { d.ID = id }

// Ref renders the id the way cross-entity references are stored.
func (d *Doc) Ref() string { return strconv.FormatInt(d.ID, 10) }

// ParseRef parses a stored cross-entity reference back into an id.
func ParseRef(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}

// Request is one client intent.
type Request struct {
	Doc

	Type       RequestType  `json:"type"`
	State      RequestState `json:"state"`
	Machine    string       `json:"machine"`
	SubjectID  string       `json:"subject_id"`
	ModifiedAt Timestamp    `json:"modified_at"`
}

func (*Request) DocType() string       { return "request" }
func (r *Request) Touch(now Timestamp) { r.ModifiedAt = now }

// NewRequest returns a created-state request for a machine.
func NewRequest(t RequestType, machine string) *Request {
	return &Request{Type: t, State: RequestStateCreated, Machine: machine}
}

// Action is the unit of work claimed by a worker.
type Action struct {
	Doc

	Type        ActionType `json:"type"`
	Request     string     `json:"request"`
	Lock        Lock       `json:"lock"`
	Repetitions int        `json:"repetitions"`
	Delay       int        `json:"delay"`
	NextTry     Timestamp  `json:"next_try"`
	ModifiedAt  Timestamp  `json:"modified_at"`
}

func (*Action) DocType() string       { return "action" }
func (a *Action) Touch(now Timestamp) { a.ModifiedAt = now }

// NewAction returns a free action bound to a request, not scheduled for any
// particular time.
func NewAction(t ActionType, request string) *Action {
	return &Action{
		Type:    t,
		Request: request,
		Lock:    LockFree,
		NextTry: FarFuture(),
	}
}

// Machine is the logical VM record.
type Machine struct {
	Doc

	State             MachineState `json:"state"`
	ProviderID        string       `json:"provider_id"`
	MachineMoRef      string       `json:"machine_moref"`
	MachineName       string       `json:"machine_name"`
	MachineSearchLink string       `json:"machine_search_link"`
	Labels            []string     `json:"labels"`
	Requests          []string     `json:"requests"`
	IPAddresses       []string     `json:"ip_addresses"`
	NosID             string       `json:"nos_id"`
	Owner             string       `json:"owner"`
	Snapshots         []string     `json:"snapshots"`
	Screenshots       []string     `json:"screenshots"`
	CreatedAt         Timestamp    `json:"created_at"`
	ModifiedAt        Timestamp    `json:"modified_at"`
}

func (*Machine) DocType() string       { return "machine" }
func (m *Machine) Touch(now Timestamp) { m.ModifiedAt = now }

// SeparatorHostMoRef marks generation boundaries in the ticket pool.
const SeparatorHostMoRef = "SEPARATOR"

// DeployTicket reserves one deploy slot on a specific host.
type DeployTicket struct {
	Doc

	HostMoRef       string    `json:"host_moref"`
	AssignedVMMoRef string    `json:"assigned_vm_moref"`
	Enabled         bool      `json:"enabled"`
	Taken           int       `json:"taken"`
	CreatedAt       Timestamp `json:"created_at"`
	ModifiedAt      Timestamp `json:"modified_at"`
}

func (*DeployTicket) DocType() string       { return "deploy_ticket" }
func (t *DeployTicket) Touch(now Timestamp) { t.ModifiedAt = now }

// IsSeparator reports whether the ticket is a generation sentinel.
func (t *DeployTicket) IsSeparator() bool { return t.HostMoRef == SeparatorHostMoRef }

// HostRuntimeInfo is the cached view of one hypervisor host.
type HostRuntimeInfo struct {
	Doc

	Name              string    `json:"name"`
	MoRef             string    `json:"mo_ref"`
	Maintenance       bool      `json:"maintenance"`
	ToBeInMaintenance bool      `json:"to_be_in_maintenance"`
	ConnectionState   string    `json:"connection_state"`
	VMsCount          int       `json:"vms_count"`
	VMsRunningCount   int       `json:"vms_running_count"`
	StandbyMode       string    `json:"standby_mode"`
	LocalTemplates    []string  `json:"local_templates"`
	LocalDatastores   []string  `json:"local_datastores"`
	ModifiedAt        Timestamp `json:"modified_at"`
}

func (*HostRuntimeInfo) DocType() string       { return "host_runtime_info" }
func (h *HostRuntimeInfo) Touch(now Timestamp) { h.ModifiedAt = now }

// Ready reports whether the scheduler may enable tickets on this host.
func (h *HostRuntimeInfo) Ready() bool {
	return !h.Maintenance && !h.ToBeInMaintenance
}

// Snapshot is the subject record of snapshot requests.
type Snapshot struct {
	Doc

	Name       string    `json:"name"`
	Machine    string    `json:"machine"`
	Status     string    `json:"status"`
	CreatedAt  Timestamp `json:"created_at"`
	ModifiedAt Timestamp `json:"modified_at"`
}

func (*Snapshot) DocType() string       { return "snapshot" }
func (s *Snapshot) Touch(now Timestamp) { s.ModifiedAt = now }

// Screenshot is the subject record of take_screenshot requests. ImageBase64
// holds either the base64 payload or the blob store URL, depending on the
// configured store.
type Screenshot struct {
	Doc

	Machine     string    `json:"machine"`
	Status      string    `json:"status"`
	FileType    string    `json:"file_type"`
	ImageBase64 string    `json:"image_base64"`
	CreatedAt   Timestamp `json:"created_at"`
	ModifiedAt  Timestamp `json:"modified_at"`
}

func (*Screenshot) DocType() string       { return "screenshot" }
func (s *Screenshot) Touch(now Timestamp) { s.ModifiedAt = now }
