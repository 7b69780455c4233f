package stk500

// STK500v1 response status bytes.
const (
	// RespOK terminates every well-formed response.
	RespOK byte = 0x10
	// RespFailed indicates the command failed on the device.
	RespFailed byte = 0x11
	// RespUnknown indicates the device did not recognize the command.
	RespUnknown byte = 0x12
	// RespNoDevice indicates no target device is present. Unrecoverable.
	RespNoDevice byte = 0x13
	// RespInSync opens every well-formed response frame.
	RespInSync byte = 0x14
	// RespNoSync signals loss of frame synchronization.
	RespNoSync byte = 0x15
)

// STK500v1 command opcodes (the subset Optiboot understands, plus the
// universal command used for chip erase).
const (
	CmdGetSync       byte = 0x30
	CmdGetSignOn     byte = 0x31
	CmdEnterProgMode byte = 0x50
	CmdLeaveProgMode byte = 0x51
	CmdChipErase     byte = 0x52
	CmdCheckAutoInc  byte = 0x53
	CmdLoadAddress   byte = 0x55
	CmdUniversal     byte = 0x56
	CmdProgFlash     byte = 0x60
	CmdProgData      byte = 0x61
	CmdProgPage      byte = 0x64
	CmdReadFlash     byte = 0x70
	CmdReadData      byte = 0x71
	CmdReadPage      byte = 0x74
	CmdReadSign      byte = 0x75
)

// SyncCRCEOP is the end-of-command marker terminating every command frame.
const SyncCRCEOP byte = 0x20

// Memory-type tags for page commands. Optiboot only implements flash.
const (
	memtypeFlash  byte = 'F'
	memtypeEEPROM byte = 'E'
)

// softResetPattern is the out-of-band byte sequence understood by the
// ComputerSerial sketch on the device side; it restarts the target so the
// bootloader window opens. The device sends nothing back.
var softResetPattern = []byte{0xFF, 0x00, 0x01, 0xFF, 0x00, 0x00}

// chipEraseUniversal is the AVR "chip erase" instruction carried by the
// universal command (0xAC 0x80 0x00 0x00).
var chipEraseUniversal = []byte{0xAC, 0x80, 0x00, 0x00}

// Distinguished non-byte results reported by the reader. Real bytes are in
// [0, 255]; these sentinels are strictly negative.
const (
	// ResultEndOfStream reports that the byte source ended.
	ResultEndOfStream = -1
	// ResultNotDone reports that no result is available (yet, or the read
	// was abandoned by a stop request).
	ResultNotDone = -2
	// ResultTimeoutByte reports that a byte arrived after a timeout had
	// already been declared: framing is unknown, but the device is alive.
	ResultTimeoutByte = -3
)
