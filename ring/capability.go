package ring

import (
	"github.com/myriadx/mxpcid/internal/reg"
	"github.com/myriadx/mxpcid/mxerr"
)

// Capability is the negotiated shape of a device's CAP_TXRX block: where
// each direction's head/tail cells and descriptor table live, how many
// descriptors each ring holds, and the fixed per-buffer fragment size pool
// allocations round up to.
type Capability struct {
	TXOffset     uint32
	RXOffset     uint32
	Descriptors  int
	FragmentSize int
}

// Negotiate walks the capability chain rooted at capRootOffset looking for
// CAP_TXRX, mirroring mxlk_discover_txrx's mxlk_cap_find call, and returns
// the decoded Capability. Both directions share one descriptor count and
// fragment size, matching mxlk_txrx_init (a single mxlk_cap_txrx covers both
// rings).
func Negotiate(acc *reg.Accessor) (Capability, error) {
	offset := uint32(capRootOffset)
	for offset != 0 {
		id, err := acc.U16(offset + capHdrID)
		if err != nil {
			return Capability{}, mxerr.New(mxerr.IoError, "ring.Negotiate", err)
		}
		next, err := acc.U32(offset + capHdrNext)
		if err != nil {
			return Capability{}, mxerr.New(mxerr.IoError, "ring.Negotiate", err)
		}

		if id == capIDTXRX {
			return decodeCapability(acc, offset)
		}
		offset = next
	}
	return Capability{}, mxerr.New(mxerr.Unsupported, "ring.Negotiate", nil)
}

func decodeCapability(acc *reg.Accessor, base uint32) (Capability, error) {
	fragment, err := acc.U32(base + capFragmentSize)
	if err != nil {
		return Capability{}, mxerr.New(mxerr.IoError, "ring.Negotiate", err)
	}

	txNdesc, err := acc.U32(base + capTXBlock + dirNdesc)
	if err != nil {
		return Capability{}, mxerr.New(mxerr.IoError, "ring.Negotiate", err)
	}
	rxNdesc, err := acc.U32(base + capRXBlock + dirNdesc)
	if err != nil {
		return Capability{}, mxerr.New(mxerr.IoError, "ring.Negotiate", err)
	}
	if txNdesc != rxNdesc {
		return Capability{}, mxerr.New(mxerr.ProtocolError, "ring.Negotiate", nil)
	}
	if txNdesc == 0 || fragment == 0 {
		return Capability{}, mxerr.New(mxerr.ProtocolError, "ring.Negotiate", nil)
	}

	return Capability{
		TXOffset:     base + capTXBlock,
		RXOffset:     base + capRXBlock,
		Descriptors:  int(txNdesc),
		FragmentSize: int(fragment),
	}, nil
}
