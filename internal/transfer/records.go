package transfer

// Role is the local peer's part in a session.
type Role uint8

const (
	// RoleInitiator waits for the remote peer and opens pool channels.
	RoleInitiator Role = iota
	// RoleConnector dials the initiator and only accepts pool channels.
	RoleConnector
	// RoleRejectee is a connector whose attempt was refused.
	RoleRejectee
)

func (r Role) String() string {
	switch r {
	case RoleInitiator:
		return "initiator"
	case RoleConnector:
		return "connector"
	case RoleRejectee:
		return "rejectee"
	default:
		return "unknown"
	}
}

// Status is a file record's transfer status.
type Status string

const (
	StatusQueued       Status = "queued"
	StatusTransferring Status = "transferring"
	StatusDone         Status = "done"
	StatusError        Status = "error"
)

// FileRecord describes one file moving in either direction.
type FileRecord struct {
	ID               string
	Name             string
	Size             int64
	MimeType         string
	Status           Status
	BytesTransferred int64
}

// Percent returns completion as an integer percentage.
func (f FileRecord) Percent() int {
	if f.Size <= 0 {
		if f.Status == StatusDone {
			return 100
		}
		return 0
	}
	return int(f.BytesTransferred * 100 / f.Size)
}

// FilePatch is a partial update of a received file's record. Zero-valued
// fields are left unchanged.
type FilePatch struct {
	ID        string
	Record    *FileRecord
	Status    Status
	Percent   int
	ThumbPath string
}

// Callbacks are the per-file hooks for an outbound transfer.
type Callbacks struct {
	OnProgress func(FileRecord)
	OnSuccess  func(FileRecord)
	OnError    func(FileRecord, error)
}

// Progress invokes OnProgress when set.
func (c Callbacks) Progress(rec FileRecord) {
	if c.OnProgress != nil {
		c.OnProgress(rec)
	}
}

// Success invokes OnSuccess when set.
func (c Callbacks) Success(rec FileRecord) {
	if c.OnSuccess != nil {
		c.OnSuccess(rec)
	}
}

// Fail invokes OnError when set.
func (c Callbacks) Fail(rec FileRecord, err error) {
	if c.OnError != nil {
		c.OnError(rec, err)
	}
}

type TransferOptions struct {
	OutputDir string
	ZipMode   bool
}
