// Package status translates the remote device's dialect-specific status
// codes into a single host-side error category, mirroring the way the
// CANopen SDO layer maps its abort codes through a description table rather
// than propagating the raw wire value.
package status

import "fmt"

// HostError is a dialect-independent error category that every SIBO and ERA
// status code is translated into.
type HostError int

const (
	None HostError = iota
	NotFound
	Exists
	Access
	Locked
	ReadOnly
	BadName
	DiscFull
	DirFull
	DiscBad
	DriveEmpty
	Timeout
	Comms
	RemoteGeneral
	RemoteCancel
	RemoteAbort
	RemoteDiscon
	RemoteNoCon
	RemoteBusy
	RemoteNoMemory
	RemoteNotSupported
	RemoteFs
	RemoteOs
	RemotePower
	RemoteNotReady
	UnknownRemote
	Eof
)

var descriptions = map[HostError]string{
	None:                "no error",
	NotFound:            "file or object not found",
	Exists:               "file or object already exists",
	Access:               "access denied",
	Locked:               "file is locked",
	ReadOnly:             "file is read-only",
	BadName:              "invalid name",
	DiscFull:             "disc full",
	DirFull:              "directory full",
	DiscBad:              "disc corrupt",
	DriveEmpty:           "drive empty",
	Timeout:              "remote device did not respond",
	Comms:                "communications error",
	RemoteGeneral:        "remote general failure",
	RemoteCancel:         "operation cancelled",
	RemoteAbort:          "operation aborted",
	RemoteDiscon:         "remote device disconnected",
	RemoteNoCon:          "could not connect to remote device",
	RemoteBusy:           "remote device busy",
	RemoteNoMemory:       "remote device out of memory",
	RemoteNotSupported:   "operation not supported by remote device",
	RemoteFs:             "remote file system error",
	RemoteOs:             "remote operating system error",
	RemotePower:          "remote device low on power",
	RemoteNotReady:       "remote device not ready",
	UnknownRemote:        "unrecognised remote status code",
	Eof:                  "end of file",
}

// Error implements the error interface so a HostError can be returned
// directly from an RPC call.
func (h HostError) Error() string {
	if d, ok := descriptions[h]; ok {
		return d
	}
	return fmt.Sprintf("status: unknown host error %d", int(h))
}

// Code is a signed, single-byte dialect-specific status code as carried on
// the wire.
type Code int8

// siboToHost maps every SIBO status code named in the original link's status
// table to a HostError. Codes not present translate to UnknownRemote.
var siboToHost = map[Code]HostError{
	0:   None,
	-1:  RemoteGeneral,
	-2:  RemoteGeneral,
	-3:  RemoteOs,
	-4:  RemoteNotSupported,
	-9:  RemoteBusy,
	-10: RemoteNoMemory,
	-14: RemoteBusy,
	-32: Exists,
	-33: NotFound,
	-34: RemoteFs,
	-35: RemoteFs,
	-36: Eof,
	-37: DiscFull,
	-38: BadName,
	-39: Access,
	-40: Locked,
	-42: NotFound,
	-44: ReadOnly,
	-45: BadName,
	-47: DriveEmpty,
	-48: RemoteCancel,
	-50: DiscBad,
	-51: RemoteNoCon,
	-52: Comms,
	-53: Comms,
	-54: Comms,
	-55: Comms,
	-56: Comms,
	-57: Comms,
	-62: RemoteNotReady,
	-63: NotFound,
	-64: DirFull,
	-65: Access,
	-66: DiscBad,
	-67: RemoteAbort,
}

// eraToHost maps every ERA status code named in the original link's status
// table to a HostError.
var eraToHost = map[Code]HostError{
	0:   None,
	-1:  NotFound,
	-2:  RemoteGeneral,
	-3:  RemoteCancel,
	-4:  RemoteNoMemory,
	-5:  RemoteNotSupported,
	-6:  RemoteGeneral,
	-8:  RemoteGeneral,
	-11: Exists,
	-12: NotFound,
	-13: RemoteDiscon,
	-14: RemoteBusy,
	-15: RemoteDiscon,
	-16: RemoteBusy,
	-18: RemoteNotReady,
	-19: NotFound,
	-20: DiscBad,
	-21: Access,
	-22: Locked,
	-23: RemoteFs,
	-24: RemoteDiscon,
	-25: Eof,
	-26: DiscFull,
	-27: RemoteOs,
	-28: BadName,
	-29: Comms,
	-30: Comms,
	-31: Comms,
	-32: Comms,
	-33: Timeout,
	-34: RemoteNoCon,
	-35: RemoteDiscon,
	-36: RemoteDiscon,
	-39: RemoteAbort,
	-42: RemotePower,
	-43: DirFull,
}

// Sibo translates a status code received over a Sibo-dialect connection into
// a HostError.
func Sibo(c Code) HostError {
	if h, ok := siboToHost[c]; ok {
		return h
	}
	return UnknownRemote
}

// Era translates a status code received over an Era-dialect connection into
// a HostError.
func Era(c Code) HostError {
	if h, ok := eraToHost[c]; ok {
		return h
	}
	return UnknownRemote
}
