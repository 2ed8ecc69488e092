package fakepci

import "sync"

// IdentityMapper is the dmapool.Mapper fakepci's tests wire in: instead of
// an IOMMU mapping, it just remembers each pool's host-backing slice keyed
// by the iova it hands back, so RunLoopback can resolve a descriptor's
// device address straight back to the real bytes package iface/ring wrote,
// the same way a real device's DMA engine would resolve an IOVA against
// its IOMMU mapping — without actually copying through BAR2.
type IdentityMapper struct {
	mu      sync.Mutex
	next    uint64
	regions []mappedRegion
}

type mappedRegion struct {
	iova uint64
	buf  []byte
}

// NewIdentityMapper returns an empty IdentityMapper; iovas are handed out
// starting at 0x10000 to stay clear of any caller tempted to treat 0 as
// "unset".
func NewIdentityMapper() *IdentityMapper {
	return &IdentityMapper{next: 0x10000}
}

func (m *IdentityMapper) MapDMA(buf []byte) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	iova := m.next
	m.next += uint64(len(buf))
	m.regions = append(m.regions, mappedRegion{iova: iova, buf: buf})
	return iova, nil
}

func (m *IdentityMapper) UnmapDMA(iova uint64, size int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, r := range m.regions {
		if r.iova == iova {
			m.regions = append(m.regions[:i], m.regions[i+1:]...)
			return nil
		}
	}
	return nil
}

// BytesAt resolves iova (as found in a transfer descriptor's address field)
// to the live backing slice, narrowed to length. It returns nil if iova
// does not fall within any currently-mapped region.
func (m *IdentityMapper) BytesAt(iova uint64, length uint32) []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range m.regions {
		if iova >= r.iova && iova+uint64(length) <= r.iova+uint64(len(r.buf)) {
			off := iova - r.iova
			return r.buf[off : off+uint64(length)]
		}
	}
	return nil
}
