package vpu

// Command types, grounded on original_source/vpu/mxvp/mxvp_cmd.h's
// mxvp_cmd_type enum.
type CommandType uint16

const (
	CmdExeBuffer CommandType = iota
	CmdDMARead
	CmdDMAWrite
	CmdMultiDMARead
	CmdMultiDMAWrite
	CmdMemFill
	CmdFence
)

// Reply status values, grounded on mxvp_cmd.h's mxvp_status enum. Discarded
// matches the header's literal 0xDEADDEAD sentinel, shared with the reset
// magic package pci already uses for an unrelated register.
type Status uint32

const (
	StatusSuccess Status = iota
	StatusParsingErr
	StatusProcessErr
)

const StatusDiscarded Status = 0xDEADDEAD

// headerSize is the encoded length of Cmd's and Reply's fixed header
// (length, id, version, reserved, command-or-status): 5 uint32 fields.
const headerSize = 20

// Cmd is the host-to-device command envelope (mxvp_cmd.h's struct
// mxvp_cmd): a fixed header plus a command-specific payload.
type Cmd struct {
	ID      uint32
	Version uint32
	Command CommandType
	Payload []byte
}

// Encode serializes c into the device's wire format: length-prefixed header
// followed by the raw payload bytes, little-endian throughout.
func (c *Cmd) Encode() []byte {
	buf := make([]byte, headerSize+len(c.Payload))
	le.PutUint32(buf[0:4], uint32(headerSize+len(c.Payload)))
	le.PutUint32(buf[4:8], c.ID)
	le.PutUint32(buf[8:12], c.Version)
	le.PutUint32(buf[12:16], 0) // reserved
	le.PutUint32(buf[16:20], uint32(c.Command))
	copy(buf[headerSize:], c.Payload)
	return buf
}

// Reply is the device-to-host completion envelope (mxvp_cmd.h's struct
// mxvp_reply).
type Reply struct {
	ID      uint32
	Version uint32
	Status  Status
	Payload []byte
}

// DecodeReply parses a queue element previously returned by Queue.Pull.
func DecodeReply(buf []byte) (Reply, bool) {
	if len(buf) < headerSize {
		return Reply{}, false
	}
	return Reply{
		ID:      le.Uint32(buf[4:8]),
		Version: le.Uint32(buf[8:12]),
		Status:  Status(le.Uint32(buf[16:20])),
		Payload: append([]byte(nil), buf[headerSize:]...),
	}, true
}

// DMARegion describes a single contiguous host<->device DMA transfer
// (mxvp_cmd.h's struct mxvp_dma_xfer: device address, host IOVA, length).
type DMARegion struct {
	DeviceAddr uint64
	HostIOVA   uint64
	Length     uint32
}

func encodeDMARegion(r DMARegion) []byte {
	buf := make([]byte, 20)
	le.PutUint64(buf[0:8], r.DeviceAddr)
	le.PutUint64(buf[8:16], r.HostIOVA)
	le.PutUint32(buf[16:20], r.Length)
	return buf
}

// NewDMARead builds a CmdDMARead payload for a single region.
func NewDMARead(r DMARegion) []byte { return encodeDMARegion(r) }

// NewDMAWrite builds a CmdDMAWrite payload for a single region.
func NewDMAWrite(r DMARegion) []byte { return encodeDMARegion(r) }

// NewMultiDMARead builds a CmdMultiDMARead payload for a batch of regions,
// count-prefixed per mxvp_cmd.h's struct mxvp_multi_dma_xfer.
func NewMultiDMARead(regions []DMARegion) []byte { return encodeMultiDMA(regions) }

// NewMultiDMAWrite builds a CmdMultiDMAWrite payload for a batch of regions.
func NewMultiDMAWrite(regions []DMARegion) []byte { return encodeMultiDMA(regions) }

func encodeMultiDMA(regions []DMARegion) []byte {
	buf := make([]byte, 4+20*len(regions))
	le.PutUint32(buf[0:4], uint32(len(regions)))
	for i, r := range regions {
		copy(buf[4+20*i:4+20*(i+1)], encodeDMARegion(r))
	}
	return buf
}

// NewMemFill builds a CmdMemFill payload (mxvp_cmd.h's struct
// mxvp_mem_fill: device address, fill value, length).
func NewMemFill(addr uint64, value uint32, length uint32) []byte {
	buf := make([]byte, 20)
	le.PutUint64(buf[0:8], addr)
	le.PutUint32(buf[8:12], value)
	le.PutUint32(buf[12:16], length)
	return buf
}

// NewExeBuffer builds a CmdExeBuffer payload: a device-resident buffer
// address plus length to execute (mxvp_cmd.h's struct mxvp_exe_buffer).
func NewExeBuffer(addr uint64, length uint32) []byte {
	buf := make([]byte, 12)
	le.PutUint64(buf[0:8], addr)
	le.PutUint32(buf[8:12], length)
	return buf
}

// NewFence builds a CmdFence payload. Fence carries no fields of its own in
// mxvp_cmd.h beyond the common header; it exists purely to order completion
// relative to prior commands in the same queue.
func NewFence() []byte { return nil }
