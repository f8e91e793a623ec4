// Package manscdp encodes and decodes the GB28181 MANSCDP XML payloads
// carried in SIP MESSAGE and NOTIFY bodies.
package manscdp

import "errors"

// Recognised CmdType values.
const (
	CmdCatalog      = "Catalog"
	CmdDeviceInfo   = "DeviceInfo"
	CmdDeviceStatus = "DeviceStatus"
	CmdRecordInfo   = "RecordInfo"
	CmdKeepalive    = "Keepalive"
	CmdControl      = "DeviceControl"
)

// Root element names.
const (
	RootQuery    = "Query"
	RootControl  = "Control"
	RootNotify   = "Notify"
	RootResponse = "Response"
)

// Decode errors. ErrMissingSN maps to 400 Bad Request at the SIP layer.
var (
	ErrMissingSN   = errors.New("manscdp: missing SN")
	ErrEmptyBody   = errors.New("manscdp: empty body")
	ErrUnknownRoot = errors.New("manscdp: unknown root element")
)

// Query is the parsed inbound payload. Root distinguishes Query,
// Control and Notify documents; unknown elements are ignored.
type Query struct {
	Root     string
	CmdType  string
	SN       int
	DeviceID string

	// RecordInfo-only fields.
	StartTime string
	EndTime   string
	Type      string
}

// Item is one catalog entry, rendered in the GB28181-mandated element
// order. All fields are emitted even when empty; platforms reject
// items with missing elements.
type Item struct {
	DeviceID     string
	Name         string
	Manufacturer string
	Model        string
	Owner        string
	CivilCode    string
	Block        string
	Address      string
	Parental     int
	ParentID     string
	SafetyWay    int
	RegisterWay  int
	Secrecy      int
	Status       string
}

// RecordItem is one entry of a RecordInfo response.
type RecordItem struct {
	DeviceID  string
	Name      string
	FilePath  string
	Address   string
	StartTime string
	EndTime   string
	Secrecy   int
	Type      string
	FileSize  int64
}

// DeviceInfo is the payload of a DeviceInfo response.
type DeviceInfo struct {
	DeviceName   string
	Manufacturer string
	Model        string
	Firmware     string
	Channel      int
}

// DeviceStatus is the payload of a DeviceStatus response.
type DeviceStatus struct {
	Online string // ONLINE / OFFLINE
	Status string // OK / ERROR
	Encode string // ON / OFF
	Record string // ON / OFF
}
