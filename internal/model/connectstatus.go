package model

// ConnectStatus is the state of a job slot's connection, §3 HSE per-job
// substructure.
type ConnectStatus uint8

// Connect status values
const (
	Disconnect ConnectStatus = iota
	Connecting
	FTPActive
	SFTPActive
	HTTPActive
	ExecActive
	DFaxActive
	SCPActive
	Closing
)

func (s ConnectStatus) String() string {
	switch s {
	case Disconnect:
		return "disconnect"
	case Connecting:
		return "connecting"
	case FTPActive:
		return "ftp-active"
	case SFTPActive:
		return "sftp-active"
	case HTTPActive:
		return "http-active"
	case ExecActive:
		return "exec-active"
	case DFaxActive:
		return "dfax-active"
	case SCPActive:
		return "scp-active"
	case Closing:
		return "closing"
	default:
		return "unknown"
	}
}

// Active reports whether the slot is actively connected (i.e. not
// disconnected). Used by HSE invariant 2 in spec §8.
func (s ConnectStatus) Active() bool { return s != Disconnect }

// ProtocolFamily identifies a destination/source transport. SPEC_FULL
// adds ProtocolS3 to the protocol families named in spec.md §1.
type ProtocolFamily uint8

// Protocol families
const (
	ProtoFTP ProtocolFamily = iota
	ProtoFTPS
	ProtoSFTP
	ProtoSCP
	ProtoHTTP
	ProtoHTTPS
	ProtoSMTP
	ProtoWMO
	ProtoExec
	ProtoFax
	ProtoS3
)

func (p ProtocolFamily) String() string {
	names := [...]string{"ftp", "ftps", "sftp", "scp", "http", "https", "smtp", "wmo", "exec", "fax", "s3"}
	if int(p) < len(names) {
		return names[p]
	}
	return "unknown"
}
