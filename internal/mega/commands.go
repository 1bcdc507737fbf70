package mega

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Request is one command in an API batch.
type Request interface {
	// Name returns the protocol tag of the command.
	Name() string
}

// marshalRequest encodes a command as a JSON object with the protocol tag
// "a" injected as the first member.
func marshalRequest(req Request) (json.RawMessage, error) {
	fields, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	if len(fields) == 0 || fields[0] != '{' {
		return nil, fmt.Errorf("command %q did not encode to an object", req.Name())
	}

	tag, err := json.Marshal(req.Name())
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(fields)+len(tag)+6)
	out = append(out, `{"a":`...)
	out = append(out, tag...)
	if len(fields) > 2 {
		out = append(out, ',')
		out = append(out, fields[1:]...)
	} else {
		out = append(out, '}')
	}
	return out, nil
}

// decodeResponse interprets one slot of a batch response. A bare number is
// an error code: zero means success and is only acceptable when the command
// carries no payload (v == nil); anything else is returned as the error.
func decodeResponse(raw json.RawMessage, v any) error {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return ErrInvalidResponseFormat
	}

	if c := trimmed[0]; c == '-' || (c >= '0' && c <= '9') {
		var code ErrorCode
		if err := json.Unmarshal(trimmed, &code); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidResponseFormat, err)
		}
		if code == CodeOK {
			if v == nil {
				return nil
			}
			return ErrInvalidResponseType
		}
		return code
	}

	if v == nil {
		return ErrInvalidResponseType
	}
	if err := json.Unmarshal(trimmed, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponseFormat, err)
	}
	return nil
}

// NodeKind describes what a node in the account tree is.
type NodeKind int

const (
	KindFile    NodeKind = 0
	KindFolder  NodeKind = 1
	KindRoot    NodeKind = 2
	KindInbox   NodeKind = 3
	KindTrash   NodeKind = 4
	KindUnknown NodeKind = -1
)

// UnmarshalJSON folds unrecognized kinds into KindUnknown instead of failing
// the whole tree fetch.
func (k *NodeKind) UnmarshalJSON(data []byte) error {
	var v int
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	if v < int(KindFile) || v > int(KindTrash) {
		*k = KindUnknown
		return nil
	}
	*k = NodeKind(v)
	return nil
}

func (k NodeKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindFolder:
		return "folder"
	case KindRoot:
		return "root"
	case KindInbox:
		return "inbox"
	case KindTrash:
		return "trash"
	default:
		return "unknown"
	}
}

// PreLoginRequest asks which login version an account uses.
type PreLoginRequest struct {
	User string `json:"user"`
}

func (PreLoginRequest) Name() string { return "us0" }

// PreLoginResponse reports the login version and, for version 2, the
// password salt.
type PreLoginResponse struct {
	Version int     `json:"v"`
	Salt    *string `json:"s"`
}

// LoginRequest opens a session with the derived login handle.
type LoginRequest struct {
	User       string  `json:"user"`
	UserHandle string  `json:"uh"`
	SessionKey *string `json:"sek,omitempty"`
	SessionID  *string `json:"si,omitempty"`
	MFA        *string `json:"mfa,omitempty"`
}

func (LoginRequest) Name() string { return "us" }

// LoginResponse carries the encrypted session material.
type LoginResponse struct {
	ACH        int    `json:"ach"`
	SessionID  string `json:"csid"`
	Key        string `json:"k"`
	PrivateKey string `json:"privk"`
	UserHandle string `json:"u"`
}

// LogoutRequest closes the current session.
type LogoutRequest struct{}

func (LogoutRequest) Name() string { return "sml" }

// UserInfoRequest fetches the account record of the session user.
type UserInfoRequest struct{}

func (UserInfoRequest) Name() string { return "ug" }

// UserInfoResponse is the account record returned by "ug". Fields the client
// does not consume are left to the decoder to discard.
type UserInfoResponse struct {
	UserHandle string `json:"u"`
	Email      string `json:"email"`
	Name       string `json:"name"`
	Key        string `json:"k"`
	PublicKey  string `json:"pubk"`
	PrivateKey string `json:"privk"`
	Created    string `json:"ts"`
}

// QuotaRequest fetches storage and transfer quota. Both flags are always set.
type QuotaRequest struct {
	Transfer int `json:"xfer"`
	Storage  int `json:"strg"`
}

func (QuotaRequest) Name() string { return "uq" }

// QuotaResponse reports storage use in bytes.
type QuotaResponse struct {
	StorageMax    uint64              `json:"mstrg"`
	StorageUsed   uint64              `json:"cstrg"`
	StorageByRoot map[string][]uint64 `json:"cstrgn"`
}

// FetchNodesRequest retrieves the full node tree. R is set when opening a
// public folder link.
type FetchNodesRequest struct {
	C int  `json:"c"`
	R *int `json:"r,omitempty"`
}

func (FetchNodesRequest) Name() string { return "f" }

// FileNode is one raw node record from the "f" command.
type FileNode struct {
	Kind       NodeKind `json:"t"`
	Attributes string   `json:"a"`
	FileAttr   string   `json:"fa"`
	Handle     string   `json:"h"`
	Parent     string   `json:"p"`
	Timestamp  int64    `json:"ts"`
	Owner      string   `json:"u"`
	Key        string   `json:"k"`
	ShareUser  string   `json:"su"`
	ShareKey   string   `json:"sk"`
	Size       uint64   `json:"s"`
}

// FetchNodesResponse is the account tree from the "f" command.
type FetchNodesResponse struct {
	Nodes    []FileNode `json:"f"`
	Sequence string     `json:"sn"`
}

// DownloadRequest negotiates a temporary download location. Exactly one of
// PublicHandle (link root) or Node is set.
type DownloadRequest struct {
	G            int     `json:"g"`
	SSL          int     `json:"ssl"`
	PublicHandle *string `json:"p,omitempty"`
	Node         *string `json:"n,omitempty"`
}

func (DownloadRequest) Name() string { return "g" }

// DownloadResponse carries the download URL for one file. Err is set when
// the file cannot be served.
type DownloadResponse struct {
	URL        string     `json:"g"`
	Size       uint64     `json:"s"`
	Attributes string     `json:"at"`
	Err        *ErrorCode `json:"e,omitempty"`
}

// UploadRequest negotiates a temporary upload location for Size bytes.
type UploadRequest struct {
	Size uint64 `json:"s"`
	SSL  int    `json:"ssl"`
}

func (UploadRequest) Name() string { return "u" }

// UploadResponse carries the upload URL.
type UploadResponse struct {
	URL string `json:"p"`
}

// UploadNode finalizes one uploaded item.
type UploadNode struct {
	Kind             NodeKind `json:"t"`
	Attributes       string   `json:"a"`
	Key              string   `json:"k"`
	CompletionHandle string   `json:"h"`
	FileAttributes   *string  `json:"fa,omitempty"`
}

// UploadCompleteRequest attaches uploaded content to the tree.
type UploadCompleteRequest struct {
	Target        string        `json:"t"`
	Nodes         [1]UploadNode `json:"n"`
	IdempotenceID string        `json:"i,omitempty"`
}

func (UploadCompleteRequest) Name() string { return "p" }

// UploadCompleteResponse returns the created node records.
type UploadCompleteResponse struct {
	Nodes []FileNode `json:"f"`
}

// SetFileAttributesRequest replaces a node's encrypted attribute blob.
type SetFileAttributesRequest struct {
	Attributes    string  `json:"attr"`
	Key           *string `json:"key,omitempty"`
	Node          string  `json:"n"`
	IdempotenceID string  `json:"i,omitempty"`
}

func (SetFileAttributesRequest) Name() string { return "a" }

// MoveRequest reparents a node.
type MoveRequest struct {
	Node          string `json:"n"`
	Target        string `json:"t"`
	IdempotenceID string `json:"i,omitempty"`
}

func (MoveRequest) Name() string { return "m" }

// DeleteRequest removes a node and its descendants.
type DeleteRequest struct {
	Node          string `json:"n"`
	IdempotenceID string `json:"i,omitempty"`
}

func (DeleteRequest) Name() string { return "d" }

// UploadFileAttributesRequest negotiates a transfer URL for thumbnail or
// preview data. The server expects absent options as explicit nulls.
type UploadFileAttributesRequest struct {
	NodeHandle      *string `json:"h"`
	AttributeHandle *string `json:"fah"`
	Size            *uint64 `json:"s"`
	SSL             int     `json:"ssl"`
	R               *int    `json:"r"`
}

func (UploadFileAttributesRequest) Name() string { return "ufa" }

// UploadFileAttributesResponse carries the attribute transfer URL.
type UploadFileAttributesResponse struct {
	URL string `json:"p"`
}

// PutFileAttributesRequest records an uploaded attribute handle on a node.
// Its response is a bare string.
type PutFileAttributesRequest struct {
	Node          string `json:"n"`
	FileAttribute string `json:"fa"`
}

func (PutFileAttributesRequest) Name() string { return "pfa" }
