package engine

import "fmt"

// KeyType identifies a managed-object type (for example "flowlist_entry").
type KeyType string

// Datastore identifies one independent row set.
type Datastore string

const (
	// DatastoreCandidate holds the uncommitted user configuration.
	DatastoreCandidate Datastore = "candidate"

	// DatastoreRunning holds the committed configuration and its apply status.
	DatastoreRunning Datastore = "running"

	// DatastoreStartup holds the configuration restored at process start.
	DatastoreStartup Datastore = "startup"

	// DatastoreAudit holds configuration reported by a controller during audit.
	DatastoreAudit Datastore = "audit"

	// DatastoreImport holds configuration imported from a controller.
	DatastoreImport Datastore = "import"

	// DatastoreState is the live operational view served by controller drivers.
	DatastoreState Datastore = "state"
)

// Datastores lists every datastore.
var Datastores = []Datastore{
	DatastoreCandidate, DatastoreRunning, DatastoreStartup,
	DatastoreAudit, DatastoreImport, DatastoreState,
}

// Validate checks if the datastore is valid.
func (d Datastore) Validate() error {
	switch d {
	case DatastoreCandidate, DatastoreRunning, DatastoreStartup,
		DatastoreAudit, DatastoreImport, DatastoreState:
		return nil
	default:
		return fmt.Errorf("invalid datastore: %s", d)
	}
}

// HasControllerTable returns true if controller overlay rows exist in this datastore.
func (d Datastore) HasControllerTable() bool {
	switch d {
	case DatastoreCandidate, DatastoreRunning, DatastoreAudit, DatastoreImport:
		return true
	default:
		return false
	}
}

// Table identifies one logical table of a managed-object type.
type Table string

const (
	// TableMain is the canonical, controller-independent row.
	TableMain Table = "main"

	// TableController is the per-(key, controller) overlay row.
	TableController Table = "ctrlr"

	// TableRename maps canonical names to controller-local names.
	TableRename Table = "rename"

	// TableDeleted holds controller rows deleted in the current commit episode, pending audit.
	TableDeleted Table = "deleted"
)

// Validate checks if the table is valid.
func (t Table) Validate() error {
	switch t {
	case TableMain, TableController, TableRename, TableDeleted:
		return nil
	default:
		return fmt.Errorf("invalid table: %s", t)
	}
}

// HasOwner returns true if rows of this table are identified per controller.
func (t Table) HasOwner() bool {
	return t == TableController || t == TableRename || t == TableDeleted
}

// Operation is a request operation.
type Operation string

const (
	OpCreate           Operation = "create"
	OpUpdate           Operation = "update"
	OpDelete           Operation = "delete"
	OpRead             Operation = "read"
	OpReadSibling      Operation = "read_sibling"
	OpReadSiblingBegin Operation = "read_sibling_begin"
	OpReadSiblingCount Operation = "read_sibling_count"
)

// CommitOperations is the fixed per-episode operation order.
var CommitOperations = []Operation{OpDelete, OpCreate, OpUpdate}

// Validate checks if the operation is valid.
func (o Operation) Validate() error {
	switch o {
	case OpCreate, OpUpdate, OpDelete, OpRead,
		OpReadSibling, OpReadSiblingBegin, OpReadSiblingCount:
		return nil
	default:
		return fmt.Errorf("invalid operation: %s", o)
	}
}

// IsWrite returns true for operations that mutate a datastore.
func (o Operation) IsWrite() bool {
	return o == OpCreate || o == OpUpdate || o == OpDelete
}

// IsRead returns true for the read family of operations.
func (o Operation) IsRead() bool {
	return o == OpRead || o == OpReadSibling || o == OpReadSiblingBegin || o == OpReadSiblingCount
}

// ReadOption selects the detail level of a read (option1 on the driver wire).
type ReadOption string

const (
	ReadNormal ReadOption = "normal"
	ReadDetail ReadOption = "detail"
	ReadCount  ReadOption = "count"
)

// ConfigMode is the scope of a transaction.
type ConfigMode string

const (
	// ModeGlobal touches the whole store.
	ModeGlobal ConfigMode = "global"

	// ModeVirtual skips the controller-table fan-out.
	ModeVirtual ConfigMode = "virtual"

	// ModeVTN restricts the transaction to one named virtual tenant.
	ModeVTN ConfigMode = "vtn"
)

// Scope is a config mode together with the tenant name for ModeVTN.
type Scope struct {
	Mode ConfigMode `json:"mode"`
	VTN  string     `json:"vtn,omitempty"`
}

// GlobalScope returns the whole-store scope.
func GlobalScope() Scope {
	return Scope{Mode: ModeGlobal}
}

// VirtualScope returns the scope that skips controller fan-out.
func VirtualScope() Scope {
	return Scope{Mode: ModeVirtual}
}

// VTNScope returns the scope restricted to one tenant.
func VTNScope(vtn string) Scope {
	return Scope{Mode: ModeVTN, VTN: vtn}
}

// Validate checks if the scope is valid.
func (s Scope) Validate() error {
	switch s.Mode {
	case ModeGlobal, ModeVirtual:
		return nil
	case ModeVTN:
		if s.VTN == "" {
			return fmt.Errorf("vtn config mode requires a vtn name")
		}
		return nil
	default:
		return fmt.Errorf("invalid config mode: %s", s.Mode)
	}
}

// SkipsFanout returns true when controller-table fan-out must not run.
func (s Scope) SkipsFanout() bool {
	return s.Mode == ModeVirtual
}

// Includes reports whether a row belongs to the scope. Global rows are not
// tenant-rooted and are excluded from a VTN scope; otherwise the first key
// field is the tenant name.
func (s Scope) Includes(global bool, firstKeyField string) bool {
	if s.Mode != ModeVTN {
		return true
	}
	if global {
		return false
	}
	return firstKeyField == s.VTN
}

// String renders the scope for logs.
func (s Scope) String() string {
	if s.Mode == ModeVTN {
		return fmt.Sprintf("%s:%s", s.Mode, s.VTN)
	}
	return string(s.Mode)
}
